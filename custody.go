package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

var custodyAbi *abi.ABI

var ErrCustodyEventAlreadyProcessed = errors.New("custody event already processed")

type CustodyInterface interface {
	Checkpoint(ctx context.Context, channelID common.Hash, state rpc.UnsignedState, userSig, serverSig sign.Signature, proofs []core.State) (common.Hash, error)
}

var _ CustodyInterface = (*Custody)(nil)

// Custody tracks one custody contract deployment: it submits broker
// transactions and ingests the contract's event stream into the database.
type Custody struct {
	client             Ethereum
	custody            *core.Custody
	balanceChecker     *core.BalanceChecker
	db                 *gorm.DB
	custodyAddr        common.Address
	transactOpts       *bind.TransactOpts
	chainID            uint32
	signer             *Signer
	adjudicatorAddress common.Address
	assetsCfg          *AssetsConfig
	validator          *core.Validator
	blockStep          uint64
	wsNotifier         *WSNotifier
	logger             log.Logger
}

// coSignedRuling admits candidates that carry a signature in each
// participant slot. The broker only stores states whose user signature it
// verified at submission, so presence of both recorded signatures is the
// admission criterion here.
type coSignedRuling struct{}

func (coSignedRuling) Adjudicate(_ context.Context, ch core.Channel, candidate core.State, _ []core.State) (bool, error) {
	if len(candidate.Sigs) != len(ch.Participants) {
		return false, nil
	}
	for _, sig := range candidate.Sigs {
		if len(sig) == 0 {
			return false, nil
		}
	}
	return true, nil
}

// NewCustody dials the chain and binds the custody and balance checker
// contracts for it.
func NewCustody(signer *Signer, db *gorm.DB, wsNotifier *WSNotifier, blockchain BlockchainConfig, assetsCfg *AssetsConfig, logger log.Logger) (*Custody, error) {
	if assetsCfg == nil {
		return nil, fmt.Errorf("assets configuration is required")
	}

	client, err := ethclient.Dial(blockchain.BlockchainRPC)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to blockchain node: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(signer.GetPrivateKey(), big.NewInt(int64(blockchain.ID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction signer: %w", err)
	}

	// TODO: estimate on the go.
	auth.GasPrice = big.NewInt(30000000000) // 30 gwei.
	auth.GasLimit = uint64(3000000)

	custodyAddress := common.HexToAddress(blockchain.ContractAddresses.Custody)
	custody, err := core.NewCustody(custodyAddress, client)
	if err != nil {
		return nil, fmt.Errorf("failed to bind custody contract: %w", err)
	}

	balanceChecker, err := core.NewBalanceChecker(common.HexToAddress(blockchain.ContractAddresses.BalanceChecker), client)
	if err != nil {
		return nil, fmt.Errorf("failed to bind balance checker contract: %w", err)
	}

	return &Custody{
		client:             client,
		custody:            custody,
		balanceChecker:     balanceChecker,
		db:                 db,
		custodyAddr:        custodyAddress,
		transactOpts:       auth,
		chainID:            blockchain.ID,
		signer:             signer,
		adjudicatorAddress: common.HexToAddress(blockchain.ContractAddresses.Adjudicator),
		assetsCfg:          assetsCfg,
		validator:          core.NewValidator(blockchain.ID, common.HexToAddress(blockchain.ContractAddresses.Adjudicator), nil, coSignedRuling{}, nil),
		wsNotifier:         wsNotifier,
		blockStep:          blockchain.BlockStep,
		logger:             logger.WithName("custody").WithKV("chainID", blockchain.ID).WithKV("custodyAddress", blockchain.ContractAddresses.Custody),
	}, nil
}

// ListenEvents resumes event ingestion from the last journaled log.
func (c *Custody) ListenEvents(ctx context.Context) {
	ev, err := GetLatestContractEvent(c.db, c.custodyAddr.Hex(), c.chainID)
	if err != nil {
		c.logger.Error("failed to get latest contract event", "error", err)
		return
	}

	var lastBlock uint64
	var lastIndex uint32
	if ev != nil {
		lastBlock = ev.BlockNumber
		lastIndex = ev.LogIndex
	}

	listenEvents(ctx, c.client, c.custodyAddr, c.chainID, c.blockStep, lastBlock, lastIndex, c.handleBlockChainEvent, c.logger)
}

// Checkpoint submits the co-signed state to the custody contract.
func (c *Custody) Checkpoint(ctx context.Context, channelID common.Hash, newState rpc.UnsignedState, userSig, serverSig sign.Signature, proofs []core.State) (common.Hash, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	candidate := stateFromUnsigned(newState, userSig, serverSig)

	c.transactOpts.GasPrice = gasPrice.Add(gasPrice, gasPrice)

	tx, err := c.custody.Checkpoint(c.transactOpts, channelID, candidate, proofs)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to checkpoint channel: %w", err)
	}

	return tx.Hash(), nil
}

// assetForToken resolves the configured asset deployed at tokenAddress on
// this custody's chain.
func (c *Custody) assetForToken(tokenAddress string) (AssetTokenConfig, error) {
	asset, ok := c.assetsCfg.GetAssetTokenByAddressAndChainID(tokenAddress, c.chainID)
	if !ok {
		return AssetTokenConfig{}, fmt.Errorf("asset with address %s on chain ID %d not found", tokenAddress, c.chainID)
	}
	return asset, nil
}

// allocationsFromContract mirrors on-chain allocations into their wire form.
func allocationsFromContract(allocs []core.Allocation) []rpc.StateAllocation {
	out := make([]rpc.StateAllocation, 0, len(allocs))
	for _, alloc := range allocs {
		out = append(out, rpc.StateAllocation{
			Participant:  alloc.Destination.Hex(),
			TokenAddress: alloc.Token.Hex(),
			RawAmount:    decimal.NewFromBigInt(alloc.Amount, 0),
		})
	}
	return out
}

// creditChannelDeposit passes a deposit through the channel escrow account
// into the wallet's unified balance and journals the transfer.
func creditChannelDeposit(tx *gorm.DB, wallet common.Address, channelAccount, walletAccount AccountID, symbol string, amount decimal.Decimal) error {
	ledger := GetWalletLedger(tx, wallet)
	if err := ledger.Record(channelAccount, symbol, amount, nil); err != nil {
		return err
	}
	if err := ledger.Record(channelAccount, symbol, amount.Neg(), nil); err != nil {
		return err
	}
	if err := ledger.Record(walletAccount, symbol, amount, nil); err != nil {
		return err
	}

	_, err := RecordLedgerTransaction(tx, TransactionTypeDeposit, channelAccount, walletAccount, symbol, amount)
	return err
}

// handleBlockChainEvent dispatches a raw log to its event handler.
func (c *Custody) handleBlockChainEvent(ctx context.Context, l types.Log) {
	ctx = log.SetContextLogger(ctx, c.logger)
	logger := log.FromContext(ctx)
	logger.Debug("received event", "blockNumber", l.BlockNumber, "txHash", l.TxHash.String(), "logIndex", l.Index)

	warnParse := func(err error) bool {
		if err != nil {
			logger.Warn("error parsing event", "error", err)
			return true
		}
		return false
	}

	switch eventID := l.Topics[0]; eventID {
	case custodyAbi.Events["Created"].ID:
		if ev, err := c.custody.ParseCreated(l); !warnParse(err) {
			c.handleCreated(logger, ev)
		}
	case custodyAbi.Events["Joined"].ID:
		if ev, err := c.custody.ParseJoined(l); !warnParse(err) {
			// Joining is implicit for broker channels, nothing to mirror.
			logger.Debug("parsed event", "event", "Joined", "channelId", common.Hash(ev.ChannelId).Hex(), "index", ev.Index)
		}
	case custodyAbi.Events["Challenged"].ID:
		if ev, err := c.custody.ParseChallenged(l); !warnParse(err) {
			c.handleChallenged(logger, ev)
		}
	case custodyAbi.Events["Resized"].ID:
		if ev, err := c.custody.ParseResized(l); !warnParse(err) {
			c.handleResized(logger, ev)
		}
	case custodyAbi.Events["Closed"].ID:
		if ev, err := c.custody.ParseClosed(l); !warnParse(err) {
			c.handleClosed(logger, ev)
		}
	default:
		logger.Warn("unknown event", "eventID", eventID.Hex())
	}
}

// admitCreatedChannel enforces broker policy on a Created event. It returns
// a reason string when the channel must be ignored.
func (c *Custody) admitCreatedChannel(ev *core.CustodyCreated) (reason string, kv []any) {
	if len(ev.Channel.Participants) != 2 {
		return "supported only 2 participants in the channel", nil
	}
	if core.Intent(ev.Initial.Intent) != core.IntentInitialize {
		return "created event carries non-funding state", []any{"intent", ev.Initial.Intent}
	}
	if brokerAmount := ev.Initial.Allocations[1].Amount; brokerAmount.Sign() != 0 {
		return "non-zero broker amount", []any{"amount", brokerAmount}
	}
	if ev.Channel.Challenge < core.MinChallengePeriod {
		return "invalid challenge period", []any{"challenge", ev.Channel.Challenge}
	}
	if ev.Channel.Adjudicator != c.adjudicatorAddress {
		return "unsupported adjudicator", []any{"actual", ev.Channel.Adjudicator.Hex(), "expected", c.adjudicatorAddress.Hex()}
	}
	// Channels that do not name the broker belong to someone else.
	if broker := ev.Channel.Participants[1]; broker != c.signer.GetAddress() {
		return "channel participant is not the broker", []any{"actual", c.signer.GetAddress().Hex(), "expected", broker.Hex()}
	}
	return "", nil
}

// handleCreated admits a freshly created channel: it validates the on-chain
// parameters against broker policy, mirrors the channel, and credits the
// deposit to the wallet's unified balance.
func (c *Custody) handleCreated(logger log.Logger, ev *core.CustodyCreated) {
	logger = logger.WithKV("event", "Created")
	channelID := common.Hash(ev.ChannelId).Hex()
	logger.Debug("parsed event", "channelId", channelID, "wallet", ev.Wallet.Hex(), "channel", ev.Channel, "initial", ev.Initial)

	if reason, kv := c.admitCreatedChannel(ev); reason != "" {
		logger.Warn(reason, kv...)
		return
	}

	wallet := ev.Wallet.Hex()
	tokenAddress := ev.Initial.Allocations[0].Token.Hex()
	rawAmount := ev.Initial.Allocations[0].Amount

	var ch Channel
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.saveContractEvent(tx, "created", *ev, ev.Raw); err != nil {
			return err
		}

		existingOpenChannel, err := CheckExistingChannels(tx, wallet, tokenAddress, c.chainID)
		if err != nil {
			return err
		}
		if existingOpenChannel != nil {
			return fmt.Errorf("an open channel with broker already exists: %s", existingOpenChannel.ChannelID)
		}

		// NOTE: Signatures are not recorded with the initial state.
		state := rpc.UnsignedState{
			Intent:      rpc.StateIntent(ev.Initial.Intent),
			Version:     ev.Initial.Version.Uint64(),
			Data:        string(ev.Initial.Data),
			Allocations: allocationsFromContract(ev.Initial.Allocations),
		}

		ch, err = CreateChannel(
			tx,
			channelID,
			wallet,
			ev.Channel.Participants[0].Hex(),
			ev.Channel.Nonce,
			ev.Channel.Challenge,
			ev.Channel.Adjudicator.Hex(),
			c.chainID,
			tokenAddress,
			decimal.NewFromBigInt(rawAmount, 0),
			state,
		)
		if err != nil {
			return err
		}

		asset, err := c.assetForToken(tokenAddress)
		if err != nil {
			return err
		}
		amount := rawToDecimal(rawAmount, asset.Token.Decimals)

		if err := creditChannelDeposit(tx, ev.Wallet, NewChannelAccountID(channelID), NewAccountID(wallet), asset.Symbol, amount); err != nil {
			return err
		}

		logger.Info("handled created event", "channelId", channelID)
		return nil
	})
	if errors.Is(err, ErrCustodyEventAlreadyProcessed) {
		return
	} else if err != nil {
		logger.Error("error creating channel in database", "error", err)
		return
	}

	c.wsNotifier.Notify(NewChannelNotification(ch))
	c.wsNotifier.Notify(NewBalanceNotification(ch.Wallet, c.db))
}

// handleChallenged reacts to an on-chain challenge. A challenge with a state
// older than the broker's co-signed one is countered with a checkpoint and
// journaled as a malicious challenge.
func (c *Custody) handleChallenged(logger log.Logger, ev *core.CustodyChallenged) {
	logger = logger.WithKV("event", "Challenged")
	channelID := common.Hash(ev.ChannelId)
	logger.Debug("parsed event", "channelId", channelID)

	var channel *Channel
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.saveContractEvent(tx, "challenged", *ev, ev.Raw); err != nil {
			return err
		}

		var err error
		channel, err = GetChannelByID(tx, channelID.Hex())
		if err != nil {
			return fmt.Errorf("channel %s not found: %w", channelID.Hex(), err)
		}

		challengedVersion := ev.State.Version.Uint64()
		localVersion := channel.State.Version
		logger.Warn("challenge detected", "challengedVersion", challengedVersion, "localVersion", localVersion, "channelId", channelID)

		if challengedVersion < localVersion {
			c.counterStaleChallenge(tx, logger, channel, channelID, ev.State)
		}

		channel.Status = rpc.ChannelStatusChallenged
		channel.UpdatedAt = time.Now()
		if err := tx.Save(channel).Error; err != nil {
			return fmt.Errorf("error saving channel in database: %w", err)
		}

		logger.Info("handled challenged event", "channelId", channelID)
		return nil
	})
	if errors.Is(err, ErrCustodyEventAlreadyProcessed) {
		return
	} else if err != nil {
		logger.Error("failed to update channel", "channelId", channelID, "error", err)
		return
	}

	c.wsNotifier.Notify(NewChannelNotification(*channel))
}

// counterStaleChallenge queues a checkpoint of the newer co-signed state and
// journals the challenge as malicious. The checkpoint is queued only when the
// admission rules accept the stored state as superseding the challenged one.
// Failures are logged, not fatal: the channel still moves to challenged
// status.
func (c *Custody) counterStaleChallenge(tx *gorm.DB, logger log.Logger, channel *Channel, channelID common.Hash, challenged core.State) {
	localVersion := channel.State.Version
	challengedVersion := challenged.Version.Uint64()

	if channel.UserStateSignature != nil && channel.ServerStateSignature != nil {
		rec := core.ChannelRecord{
			Channel:        channel.Definition(c.signer.GetAddress()),
			Status:         core.StatusDispute,
			LastValidState: challenged,
		}
		candidate := stateFromUnsigned(channel.State, *channel.UserStateSignature, *channel.ServerStateSignature)
		if err := c.validator.ValidateCheckpoint(context.Background(), rec, candidate, nil); err != nil {
			logger.Warn("stored state cannot counter the challenge", "error", err, "channelId", channelID)
		} else if err := CreateCheckpoint(tx, channelID, c.chainID, channel.State, *channel.UserStateSignature, *channel.ServerStateSignature); err != nil {
			logger.Error("failed to create checkpoint", "error", err)
		} else {
			logger.Info("created checkpoint action", "channelId", channelID, "localVersion", localVersion, "challengedVersion", challengedVersion)
		}
	} else {
		logger.Warn("detected local state in db without signatures that is newer than a challenged one", "channelId", channelID)
	}

	metadata, _ := json.Marshal(map[string]any{
		"channel_id":         channelID.Hex(),
		"challenged_version": challengedVersion,
		"local_version":      localVersion,
	})
	if err := NewActionLogStore(tx).Store(context.Background(), channel.Wallet, LabelMaliciousChallenge, metadata); err != nil {
		logger.Error("failed to record malicious challenge", "error", err)
	}
}

// handleResized applies an on-chain escrow adjustment to the mirrored
// channel and the wallet's ledger.
func (c *Custody) handleResized(logger log.Logger, ev *core.CustodyResized) {
	logger = logger.WithKV("event", "Resized")
	channelID := common.Hash(ev.ChannelId).Hex()
	logger.Debug("parsed event", "channelId", channelID, "deltaAllocations", ev.DeltaAllocations)

	if len(ev.DeltaAllocations) != 2 {
		logger.Error("invalid resize, unsupported number of allocations in resize event", "count", len(ev.DeltaAllocations), "channelId", channelID)
		return
	}

	var channel *Channel
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.saveContractEvent(tx, "resized", *ev, ev.Raw); err != nil {
			return err
		}

		var err error
		channel, err = GetChannelByID(tx, channelID)
		if err != nil {
			return fmt.Errorf("channel %s not found: %w", channelID, err)
		}

		newRawAmount := channel.RawAmount.BigInt()
		for _, change := range ev.DeltaAllocations {
			newRawAmount.Add(newRawAmount, change)
		}
		if newRawAmount.Sign() < 0 {
			logger.Error("invalid resize, channel balance cannot be negative", "channelId", channelID)
			return fmt.Errorf("invalid resize, channel balance cannot be negative: %s", newRawAmount.String())
		}

		if len(channel.State.Allocations) == 2 {
			channel.State.Allocations[0].RawAmount = channel.State.Allocations[0].RawAmount.Add(decimal.NewFromBigInt(ev.DeltaAllocations[0], 0))
			channel.State.Allocations[1].RawAmount = channel.State.Allocations[1].RawAmount.Add(decimal.NewFromBigInt(ev.DeltaAllocations[1], 0))
		}

		if channel.Status != rpc.ChannelStatusResizing {
			logger.Error("received resized event for a not resizing channel", "channelId", channelID)
		}

		channel.RawAmount = decimal.NewFromBigInt(newRawAmount, 0)
		channel.UpdatedAt = time.Now()
		channel.State.Version++
		channel.Status = rpc.ChannelStatusOpen
		channel.ServerStateSignature = nil // Reset server signature
		channel.UserStateSignature = nil   // Reset user signature
		if err := tx.Save(channel).Error; err != nil {
			return fmt.Errorf("error saving channel in database: %w", err)
		}

		// The participant's delta decides the direction of the move.
		resizeAmount := ev.DeltaAllocations[0]
		if resizeAmount.Sign() == 0 {
			logger.Info("handled resized event", "channelId", channelID, "newAmount", channel.RawAmount)
			return nil
		}

		asset, err := c.assetForToken(channel.Token)
		if err != nil {
			return err
		}
		amount := rawToDecimal(resizeAmount, asset.Token.Decimals)

		walletAddress := common.HexToAddress(channel.Wallet)
		channelAccountID := NewChannelAccountID(channelID)
		walletAccountID := NewAccountID(channel.Wallet)

		if amount.IsPositive() {
			if err := creditChannelDeposit(tx, walletAddress, channelAccountID, walletAccountID, asset.Symbol, amount); err != nil {
				return err
			}
		} else {
			// Withdraw from the channel escrow account.
			ledger := GetWalletLedger(tx, walletAddress)
			if err := ledger.Record(channelAccountID, asset.Symbol, amount, nil); err != nil {
				return err
			}
			if _, err := RecordLedgerTransaction(tx, TransactionTypeWithdrawal, walletAccountID, channelAccountID, asset.Symbol, amount); err != nil {
				return err
			}
		}

		logger.Info("handled resized event", "channelId", channelID, "newAmount", channel.RawAmount)
		return nil
	})
	if errors.Is(err, ErrCustodyEventAlreadyProcessed) {
		return
	} else if err != nil {
		logger.Error("failed to resize channel", "channelId", channelID, "error", err)
		return
	}

	c.wsNotifier.Notify(
		NewBalanceNotification(channel.Wallet, c.db),
		NewChannelNotification(*channel),
	)
}

// handleClosed settles the channel: escrow is unlocked, the withdrawal is
// posted and the final state replaces the mirrored one.
func (c *Custody) handleClosed(logger log.Logger, ev *core.CustodyClosed) {
	logger = logger.WithKV("event", "Closed")
	channelID := common.Hash(ev.ChannelId).Hex()
	logger.Debug("parsed event", "channelId", channelID, "final", ev.FinalState)

	var channel *Channel
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := c.saveContractEvent(tx, "closed", *ev, ev.Raw); err != nil {
			return err
		}

		var err error
		channel, err = GetChannelByID(tx, channelID)
		if err != nil {
			return fmt.Errorf("channel %s not found: %w", channelID, err)
		}

		asset, err := c.assetForToken(channel.Token)
		if err != nil {
			return err
		}
		amount := rawToDecimal(ev.FinalState.Allocations[0].Amount, asset.Token.Decimals)

		walletAddress := common.HexToAddress(channel.Wallet)
		channelAccountID := NewChannelAccountID(channelID)
		walletAccountID := NewAccountID(channel.Wallet)

		ledger := GetWalletLedger(tx, walletAddress)
		escrowBalance, err := ledger.Balance(channelAccountID, asset.Symbol)
		if err != nil {
			return fmt.Errorf("error fetching channel balance: %w", err)
		}

		// 1. Unlock funds from channel escrow if not empty.
		if !escrowBalance.IsZero() {
			if err := ledger.Record(channelAccountID, asset.Symbol, escrowBalance.Neg(), nil); err != nil {
				return err
			}
			if err := ledger.Record(walletAccountID, asset.Symbol, escrowBalance, nil); err != nil {
				return err
			}
			if _, err := RecordLedgerTransaction(tx, TransactionTypeEscrowUnlock, channelAccountID, walletAccountID, asset.Symbol, escrowBalance); err != nil {
				return err
			}
		}

		// 2. Complete the withdrawal.
		if err := ledger.Record(walletAccountID, asset.Symbol, amount.Neg(), nil); err != nil {
			return err
		}
		if err := ledger.Record(channelAccountID, asset.Symbol, amount, nil); err != nil {
			return err
		}
		if err := ledger.Record(channelAccountID, asset.Symbol, amount.Neg(), nil); err != nil {
			return err
		}
		if _, err := RecordLedgerTransaction(tx, TransactionTypeWithdrawal, walletAccountID, channelAccountID, asset.Symbol, amount); err != nil {
			return err
		}

		if len(ev.FinalState.Allocations) == 2 {
			channel.State.Allocations = allocationsFromContract(ev.FinalState.Allocations)
		}
		channel.State.Version = ev.FinalState.Version.Uint64()
		channel.State.Intent = rpc.StateIntent(ev.FinalState.Intent)
		channel.State.Data = string(ev.FinalState.Data)
		channel.ServerStateSignature = nil // Reset server signature
		channel.UserStateSignature = nil   // Reset user signature

		channel.Status = rpc.ChannelStatusClosed
		channel.RawAmount = decimal.Zero
		channel.UpdatedAt = time.Now()

		if err := tx.Save(channel).Error; err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}

		logger.Info("handled closed event", "channelId", channelID)
		return nil
	})
	if errors.Is(err, ErrCustodyEventAlreadyProcessed) {
		return
	} else if err != nil {
		logger.Error("failed to close channel", "channelId", channelID, "error", err)
		return
	}

	c.wsNotifier.Notify(
		NewBalanceNotification(channel.Wallet, c.db),
		NewChannelNotification(*channel),
	)
}

func (c *Custody) balanceLabels(token AssetTokenConfig) prometheus.Labels {
	return prometheus.Labels{
		"blockchainID": fmt.Sprintf("%d", c.chainID),
		"token":        token.Token.Address,
		"asset":        token.Token.Symbol,
	}
}

// UpdateBalanceMetrics fetches the broker's account information from the smart contract and updates metrics
func (c *Custody) UpdateBalanceMetrics(ctx context.Context, metrics *Metrics) {
	logger := log.FromContext(ctx)

	if metrics == nil {
		logger.Error("metrics not initialized for custody client", "network", c.chainID)
		return
	}

	callOpts := &bind.CallOpts{Context: ctx}
	brokerAddr := c.signer.GetAddress()

	assets := c.assetsCfg.GetAssetTokensByChainID(c.chainID)
	assetsCount := len(assets)
	if assetsCount == 0 {
		logger.Warn("no assets configured for custody client", "network", c.chainID)
		return
	}

	tokenAddrs := make([]common.Address, 0, assetsCount)
	for _, asset := range assets {
		tokenAddrs = append(tokenAddrs, common.HexToAddress(asset.Token.Address))
	}

	availInfo, err := c.custody.GetAccountsBalances(callOpts, []common.Address{brokerAddr}, tokenAddrs)
	if err != nil {
		logger.Error("failed to get batch account info", "network", c.chainID, "error", err)
		return
	}
	if len(availInfo) == 0 {
		logger.Warn("batch account info is empty", "network", c.chainID)
	} else if len(availInfo[0]) != assetsCount {
		logger.Warn("unexpected batch account info length", "network", c.chainID,
			"expected", assetsCount, "got", len(availInfo[0]))
	}

	rawWalletBalances, err := c.balanceChecker.Balances(callOpts, []common.Address{brokerAddr}, tokenAddrs)
	if err != nil {
		logger.Error("failed to get wallet balances", "network", c.chainID, "error", err)
		return
	}
	if len(rawWalletBalances) != assetsCount {
		logger.Warn("unexpected wallet balances length", "network", c.chainID,
			"expected", assetsCount, "got", len(rawWalletBalances))
	}

	// Get the native token balance
	rawNativeBalance, err := c.client.BalanceAt(ctx, brokerAddr, nil)
	if err != nil {
		logger.Error("failed to get native asset balance", "network", c.chainID, "error", err)
		return
	}
	rawWalletBalances = append(rawWalletBalances, rawNativeBalance)

	for i, asset := range assets {
		var available decimal.Decimal
		if len(availInfo) > 0 && i < len(availInfo[0]) {
			available = rawToDecimal(availInfo[0][i], asset.Token.Decimals)
			metrics.BrokerBalanceAvailable.With(c.balanceLabels(asset)).Set(available.InexactFloat64())
		}

		walletBalance := rawToDecimal(rawWalletBalances[i], asset.Token.Decimals)
		metrics.BrokerWalletBalance.With(c.balanceLabels(asset)).Set(walletBalance.InexactFloat64())

		logger.Debug("metrics updated",
			"blockchainID", c.chainID,
			"token", asset.Token.Address,
			"contract_balance", available.String(),
			"wallet_balance", walletBalance.String())
	}

	openChannels, err := c.custody.GetOpenChannels(callOpts, []common.Address{brokerAddr})
	if err != nil {
		logger.Error("failed to get open channels", "blockchainID", c.chainID, "broker", brokerAddr, "error", err)
		return
	}
	if len(openChannels) == 0 {
		logger.Warn("no open channels found", "blockchainID", c.chainID, "broker", brokerAddr)
		return
	}
	count := len(openChannels[0])
	metrics.BrokerChannelCount.With(prometheus.Labels{"blockchainID": fmt.Sprintf("%d", c.chainID)}).Set(float64(count))
	logger.Debug("open channels metric updated", "blockchainID", c.chainID, "channels", count)
}

// saveContractEvent journals a contract event if it has not been processed
// before. It returns ErrCustodyEventAlreadyProcessed when the event is a
// duplicate.
func (c *Custody) saveContractEvent(tx *gorm.DB, name string, event any, rawLog types.Log) error {
	alreadyProcessed, err := IsContractEventPresent(tx, c.chainID, rawLog.TxHash.Hex(), uint32(rawLog.Index))
	if err != nil {
		return err
	}
	if alreadyProcessed {
		c.logger.Debug("event already processed", "name", name, "txHash", rawLog.TxHash.Hex(), "logIndex", rawLog.Index)
		return ErrCustodyEventAlreadyProcessed
	}

	eventData, err := MarshalEvent(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data for %s: %w", name, err)
	}

	return StoreContractEvent(tx, &ContractEvent{
		ContractAddress: c.custodyAddr.Hex(),
		ChainID:         c.chainID,
		Name:            name,
		BlockNumber:     rawLog.BlockNumber,
		TransactionHash: rawLog.TxHash.Hex(),
		LogIndex:        uint32(rawLog.Index),
		Data:            datatypes.JSON(eventData),
		CreatedAt:       time.Now(),
	})
}

// rawToDecimal converts a raw big.Int amount to a decimal.Decimal with the specified number of decimals.
func rawToDecimal(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}
