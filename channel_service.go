package main

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// ChannelService handles the business logic for channel operations. The
// broker never submits these transactions itself; it co-signs states that
// the user takes on chain.
type ChannelService struct {
	db          *gorm.DB
	blockchains map[uint32]BlockchainConfig
	assetsCfg   *AssetsConfig
	signer      *Signer
}

// NewChannelService creates a new ChannelService.
func NewChannelService(db *gorm.DB, blockchains map[uint32]BlockchainConfig, assetsCfg *AssetsConfig, signer *Signer) *ChannelService {
	return &ChannelService{db: db, blockchains: blockchains, assetsCfg: assetsCfg, signer: signer}
}

// RequestCreate prepares the funding state for a new channel between the
// wallet and the broker and co-signs it. The channel opens with zero funds
// on both sides; deposits arrive through resize.
func (s *ChannelService) RequestCreate(wallet common.Address, params *rpc.CreateChannelRequest, rpcSigners map[string]struct{}, logger log.Logger) (rpc.ChannelOperationResponse, error) {
	_, ok := rpcSigners[wallet.Hex()]
	if !ok {
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInvalidSignature, "invalid signature")
	}

	existingOpenChannel, err := CheckExistingChannels(s.db, wallet.Hex(), params.Token, params.ChainID)
	if err != nil {
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to check existing channels")
	}
	if existingOpenChannel != nil {
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidRequest, "an open channel with broker already exists: %s", existingOpenChannel.ChannelID)
	}

	if _, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(params.Token, params.ChainID); !ok {
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidParams, "token not supported: %s", params.Token)
	}

	participantSigner := wallet
	if params.SessionKey != nil && *params.SessionKey != "" {
		exists, err := CheckSessionKeyExists(s.db, wallet.Hex(), *params.SessionKey)
		if err != nil {
			logger.Error("failed to check session key", "error", err)
			return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to check session key")
		}
		if !exists {
			return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeAuthFailed, "unknown session key: %s", *params.SessionKey)
		}
		participantSigner = common.HexToAddress(*params.SessionKey)
	}

	allocations := []core.Allocation{
		{
			Destination: wallet,
			Token:       common.HexToAddress(params.Token),
			Amount:      big.NewInt(0), // open the channel with zero amount for user. TODO: remove this fix when good solution is found
		},
		{
			Destination: s.signer.GetAddress(),
			Token:       common.HexToAddress(params.Token),
			Amount:      big.NewInt(0),
		},
	}

	networkConfig, ok := s.blockchains[params.ChainID]
	if !ok {
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidParams, "unsupported chain ID: %d", params.ChainID)
	}

	channel := core.Channel{
		Participants: []common.Address{participantSigner, s.signer.GetAddress()},
		Adjudicator:  common.HexToAddress(networkConfig.ContractAddresses.Adjudicator),
		Challenge:    core.MinChallengePeriod,
		Nonce:        uint64(time.Now().UnixMilli()),
	}

	channelID, err := core.ChannelID(channel, params.ChainID)
	if err != nil {
		logger.Error("failed to compute channel ID", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to compute channel ID")
	}

	stateDataHex := "0x"
	stateDataBytes, err := hexutil.Decode(stateDataHex)
	if err != nil {
		logger.Error("failed to decode state data hex", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to decode state data hex")
	}

	state := core.State{
		Intent:      uint8(core.IntentInitialize),
		Version:     big.NewInt(0),
		Data:        stateDataBytes,
		Allocations: allocations,
	}

	packedState, err := core.PackState(channelID, state)
	if err != nil {
		logger.Error("failed to pack state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to pack state")
	}
	sig, err := s.signer.Sign(packedState)
	if err != nil {
		logger.Error("failed to sign state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to sign state")
	}

	return createChannelOperationResponse(channelID.Hex(), state, &channel, sig), nil
}

// RequestResize prepares and co-signs a RESIZE state. AllocateAmount moves
// funds between the unified balance and the channel; ResizeAmount changes
// the on-chain deposit. Funds leaving the unified balance are locked in the
// channel escrow account until the resize lands on chain.
func (s *ChannelService) RequestResize(params *rpc.ResizeChannelRequest, rpcSigners map[string]struct{}, logger log.Logger) (rpc.ChannelOperationResponse, error) {
	var channel *Channel
	var state core.State
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		channel, err = GetChannelByID(tx, params.ChannelID)
		if err != nil {
			logger.Error("failed to find channel", "error", err)
			return rpc.Errorf(rpc.CodeAccountNotFound, "channel %s not found", params.ChannelID)
		}

		if err = checkChallengedChannels(tx, channel.Wallet); err != nil {
			logger.Error("failed to check challenged channels", "error", err)
			return err
		}

		if channel.Status == rpc.ChannelStatusResizing {
			return rpc.Errorf(rpc.CodeInvalidRequest, "operation denied: resize already ongoing. Please complete the resize or close the channel %s", params.ChannelID)
		}

		if channel.Status != rpc.ChannelStatusOpen {
			return rpc.Errorf(rpc.CodeInvalidRequest, "operation denied: channel %s is not open: %s", params.ChannelID, channel.Status)
		}

		_, ok := rpcSigners[channel.Wallet]
		if !ok {
			return rpc.NewError(rpc.CodeInvalidSignature, "invalid signature")
		}

		asset, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(channel.Token, channel.ChainID)
		if !ok {
			logger.Error("failed to find asset for an existing channel", "token", channel.Token, "chainID", channel.ChainID)
			return rpc.Errorf(rpc.CodeInvalidParams, "failed to find asset for token %s on chain %d", channel.Token, channel.ChainID)
		}

		if params.ResizeAmount == nil {
			params.ResizeAmount = &decimal.Zero
		}
		if params.AllocateAmount == nil {
			params.AllocateAmount = &decimal.Zero
		}

		// Prevent no-op resize operations
		if params.ResizeAmount.Cmp(decimal.Zero) == 0 && params.AllocateAmount.Cmp(decimal.Zero) == 0 {
			return rpc.NewError(rpc.CodeInvalidParams, "resize operation requires non-zero ResizeAmount or AllocateAmount")
		}

		ledger := GetWalletLedger(tx, common.HexToAddress(channel.Wallet))
		balance, err := ledger.Balance(NewAccountID(channel.Wallet), asset.Symbol)
		if err != nil {
			logger.Error(ErrGetAccountBalance, "error", err)
			return rpc.Errorf(rpc.CodeInternal, ErrGetAccountBalance+" for asset %s", asset.Symbol)
		}

		rawBalance := balance.Shift(int32(asset.Token.Decimals))
		newChannelRawAmount := channel.RawAmount.Add(*params.AllocateAmount)

		if rawBalance.Cmp(newChannelRawAmount) < 0 {
			return rpc.Errorf(rpc.CodeInsufficientFunds, "insufficient unified balance for channel %s: required %s, available %s", channel.ChannelID, newChannelRawAmount.String(), rawBalance.String())
		}
		newChannelRawAmount = newChannelRawAmount.Add(*params.ResizeAmount)
		if newChannelRawAmount.Cmp(decimal.Zero) < 0 {
			return rpc.Errorf(rpc.CodeInvalidParams, "new channel amount must be positive: %s", newChannelRawAmount.String())
		}

		channel.Status = rpc.ChannelStatusResizing

		if err := tx.Save(channel).Error; err != nil {
			return rpc.NewError(rpc.CodeInternal, "error saving channel in database")
		}

		if params.ResizeAmount.Cmp(decimal.Zero) < 0 {
			decimalResizeAmount := rawToDecimal(params.ResizeAmount.BigInt(), asset.Token.Decimals)
			// Lock funds in the channel escrow account.
			if err := ledger.Record(NewAccountID(channel.Wallet), asset.Symbol, decimalResizeAmount, nil); err != nil {
				return err
			}
			if err := ledger.Record(NewChannelAccountID(channel.ChannelID), asset.Symbol, decimalResizeAmount.Neg(), nil); err != nil {
				return err
			}
			_, err := RecordLedgerTransaction(tx, TransactionTypeEscrowLock, NewAccountID(channel.Wallet), NewChannelAccountID(channel.ChannelID), asset.Symbol, decimalResizeAmount)
			if err != nil {
				return err
			}
		}

		allocations := []core.Allocation{
			{
				Destination: common.HexToAddress(params.FundsDestination),
				Token:       common.HexToAddress(channel.Token),
				Amount:      newChannelRawAmount.BigInt(),
			},
			{
				Destination: s.signer.GetAddress(),
				Token:       common.HexToAddress(channel.Token),
				Amount:      big.NewInt(0),
			},
		}

		resizeAmounts := []*big.Int{params.ResizeAmount.BigInt(), params.AllocateAmount.BigInt()}

		intentionType, err := abi.NewType("int256[]", "", nil)
		if err != nil {
			logger.Error("failed to create intention type", "error", err)
			return rpc.NewError(rpc.CodeInternal, "failed to create intention type")
		}
		intentionArgs := abi.Arguments{{Type: intentionType}}
		encodedIntentions, err := intentionArgs.Pack(resizeAmounts)
		if err != nil {
			logger.Error("failed to pack resize amounts", "error", err)
			return rpc.NewError(rpc.CodeInternal, "failed to pack resize amounts")
		}

		state = core.State{
			Intent:      uint8(core.IntentResize),
			Version:     big.NewInt(int64(channel.State.Version) + 1),
			Data:        encodedIntentions,
			Allocations: allocations,
		}

		// Run the candidate through the admission rules before co-signing,
		// inside the transaction so a rejection also rolls back the status
		// change and the escrow lock. The candidate carries no signatures
		// yet; unanimity completes when the user countersigns, so only that
		// failure is tolerated here.
		validator := core.NewValidator(channel.ChainID, common.HexToAddress(channel.Adjudicator), nil, nil, nil)
		if err := validator.ValidateResize(channel.Record(s.signer.GetAddress()), state, resizeAmounts); err != nil && !errors.Is(err, core.ErrInsufficientSignatures) {
			logger.Error("resize state rejected", "error", err, "channelId", channel.ChannelID)
			return rpc.Errorf(rpc.CodeInvalidParams, "invalid resize state: %v", err)
		}
		return nil
	})
	if err != nil {
		return rpc.ChannelOperationResponse{}, err
	}

	channelIDHash := common.HexToHash(channel.ChannelID)
	packedState, err := core.PackState(channelIDHash, state)
	if err != nil {
		logger.Error("failed to pack state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to pack state")
	}
	sig, err := s.signer.Sign(packedState)
	if err != nil {
		logger.Error("failed to sign state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to sign state")
	}

	return createChannelOperationResponse(channel.ChannelID, state, nil, sig), nil
}

// RequestClose prepares and co-signs the FINALIZE state paying the user
// min(unified balance, channel amount) and the broker the remainder.
func (s *ChannelService) RequestClose(params *rpc.CloseChannelRequest, rpcSigners map[string]struct{}, logger log.Logger) (rpc.ChannelOperationResponse, error) {
	channel, err := GetChannelByID(s.db, params.ChannelID)
	if err != nil {
		logger.Error("failed to find channel", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeAccountNotFound, "channel %s not found", params.ChannelID)
	}

	if err = checkChallengedChannels(s.db, channel.Wallet); err != nil {
		logger.Error("failed to check challenged channels", "error", err)
		return rpc.ChannelOperationResponse{}, err
	}

	if channel.Status != rpc.ChannelStatusOpen && channel.Status != rpc.ChannelStatusResizing {
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidRequest, "channel %s is not open or resizing: %s", params.ChannelID, channel.Status)
	}

	_, ok := rpcSigners[channel.Wallet]
	if !ok {
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInvalidSignature, "invalid signature")
	}

	asset, ok := s.assetsCfg.GetAssetTokenByAddressAndChainID(channel.Token, channel.ChainID)
	if !ok {
		logger.Error("failed to find asset for an existing channel", "token", channel.Token, "chainID", channel.ChainID)
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidParams, "failed to find asset for token %s on chain %d", channel.Token, channel.ChainID)
	}

	ledger := GetWalletLedger(s.db, common.HexToAddress(channel.Wallet))
	balance, err := ledger.Balance(NewAccountID(channel.Wallet), asset.Symbol)
	if err != nil {
		logger.Error(ErrGetAccountBalance, "error", err)
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInternal, ErrGetAccountBalance+" for asset %s", asset.Symbol)
	}
	if balance.IsNegative() {
		logger.Error("negative balance", "balance", balance.String())
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "negative balance")
	}

	channelAccountID := NewChannelAccountID(channel.ChannelID)
	channelEscrowAccountBalance, err := ledger.Balance(channelAccountID, asset.Symbol)
	if err != nil {
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "error fetching channel balance")
	}
	balance = balance.Add(channelEscrowAccountBalance)

	userAllocation := balance.Shift(int32(asset.Token.Decimals)).BigInt()
	channelRawAmount := channel.RawAmount.BigInt()

	// User gets min(userBalance, channelAmount), broker gets the rest
	if userAllocation.Cmp(channelRawAmount) > 0 {
		userAllocation = channelRawAmount
	}

	allocations := []core.Allocation{
		{
			Destination: common.HexToAddress(params.FundsDestination),
			Token:       common.HexToAddress(channel.Token),
			Amount:      userAllocation,
		},
		{
			Destination: s.signer.GetAddress(),
			Token:       common.HexToAddress(channel.Token),
			Amount:      new(big.Int).Sub(channelRawAmount, userAllocation),
		},
	}

	stateDataHex := "0x"
	stateDataBytes, err := hexutil.Decode(stateDataHex)
	if err != nil {
		logger.Error("failed to decode state data hex", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to decode state data hex")
	}

	state := core.State{
		Intent:      uint8(core.IntentFinalize),
		Version:     big.NewInt(int64(channel.State.Version) + 1),
		Data:        stateDataBytes,
		Allocations: allocations,
	}

	// Same admission check as resize: everything but the missing user
	// signature must hold before the broker signs a final state.
	validator := core.NewValidator(channel.ChainID, common.HexToAddress(channel.Adjudicator), nil, nil, nil)
	if err := validator.ValidateClose(channel.Record(s.signer.GetAddress()), state, uint64(time.Now().Unix())); err != nil && !errors.Is(err, core.ErrInsufficientSignatures) {
		logger.Error("close state rejected", "error", err, "channelId", channel.ChannelID)
		return rpc.ChannelOperationResponse{}, rpc.Errorf(rpc.CodeInvalidParams, "invalid close state: %v", err)
	}

	packedState, err := core.PackState(common.HexToHash(channel.ChannelID), state)
	if err != nil {
		logger.Error("failed to pack state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to pack state")
	}
	sig, err := s.signer.Sign(packedState)
	if err != nil {
		logger.Error("failed to sign state", "error", err)
		return rpc.ChannelOperationResponse{}, rpc.NewError(rpc.CodeInternal, "failed to sign state")
	}

	return createChannelOperationResponse(channel.ChannelID, state, nil, sig), nil
}

// checkChallengedChannels checks if the participant has any channels in the challenged state.
func checkChallengedChannels(tx *gorm.DB, wallet string) error {
	// As this method is also used by other handlers as part of transactions, it stays separate from the channel service.
	challengedChannels, err := getChannelsByWallet(tx, wallet, string(rpc.ChannelStatusChallenged))
	if err != nil {
		return rpc.NewError(rpc.CodeInternal, "failed to check challenged channels")
	}
	if len(challengedChannels) > 0 {
		return rpc.Errorf(rpc.CodeInvalidRequest, "participant %s has challenged channels, cannot execute operation", wallet)
	}
	return nil
}

func createChannelOperationResponse(channelID string, state core.State, channel *core.Channel, signature sign.Signature) rpc.ChannelOperationResponse {
	resp := rpc.ChannelOperationResponse{
		ChannelID: channelID,
		State: rpc.UnsignedState{
			Intent:  rpc.StateIntent(state.Intent),
			Version: state.Version.Uint64(),
			Data:    hexutil.Encode(state.Data),
		},
		StateSignature: signature,
	}
	for _, alloc := range state.Allocations {
		resp.State.Allocations = append(resp.State.Allocations, rpc.StateAllocation{
			Participant:  alloc.Destination.Hex(),
			TokenAddress: alloc.Token.Hex(),
			RawAmount:    decimal.NewFromBigInt(alloc.Amount, 0),
		})
	}
	if channel != nil {
		resp.Channel = &struct {
			Participants [2]string `json:"participants"`
			Adjudicator  string    `json:"adjudicator"`
			Challenge    uint64    `json:"challenge"`
			Nonce        uint64    `json:"nonce"`
		}{
			Participants: [2]string{channel.Participants[0].Hex(), channel.Participants[1].Hex()},
			Adjudicator:  channel.Adjudicator.Hex(),
			Challenge:    channel.Challenge,
			Nonce:        channel.Nonce,
		}
	}
	return resp
}
