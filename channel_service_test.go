package main

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/rpc"
)

const (
	testUSDCPolygon = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	testUserKeyHex  = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func newTestChannelService(t *testing.T) (*ChannelService, *gorm.DB, *Signer) {
	t.Helper()
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	signer, err := NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	assets := &AssetsConfig{Assets: []AssetConfig{{
		Name:   "USD Coin",
		Symbol: "usdc",
		Tokens: []TokenConfig{{
			BlockchainID: 137,
			Address:      testUSDCPolygon,
			Decimals:     6,
		}},
	}}}
	require.NoError(t, assets.applyDefaults())

	return NewChannelService(db, newTestBlockchains(), assets, signer), db, signer
}

func seedTestChannel(t *testing.T, db *gorm.DB, wallet string, rawAmount int64, status rpc.ChannelStatus) Channel {
	t.Helper()
	ch := Channel{
		ChannelID:   crypto.Keccak256Hash([]byte(wallet + string(status) + time.Now().String())).Hex(),
		ChainID:     137,
		Token:       testUSDCPolygon,
		Wallet:      wallet,
		Participant: wallet,
		RawAmount:   decimal.NewFromInt(rawAmount),
		Status:      status,
		Adjudicator: "0xa3f2f64455c9f8D68d9dCAeC2605D64680FaF898",
		State:       rpc.UnsignedState{Version: 3},
	}
	require.NoError(t, db.Create(&ch).Error)
	return ch
}

// recoverStateSigner rebuilds the packed state from an operation response
// and recovers the address that signed it.
func recoverStateSigner(t *testing.T, resp rpc.ChannelOperationResponse) string {
	t.Helper()
	data, err := hexutil.Decode(resp.State.Data)
	require.NoError(t, err)

	state := core.State{
		Intent:  uint8(resp.State.Intent),
		Version: new(big.Int).SetUint64(resp.State.Version),
		Data:    data,
	}
	for _, alloc := range resp.State.Allocations {
		state.Allocations = append(state.Allocations, core.Allocation{
			Destination: common.HexToAddress(alloc.Participant),
			Token:       common.HexToAddress(alloc.TokenAddress),
			Amount:      alloc.RawAmount.BigInt(),
		})
	}

	packed, err := core.PackState(common.HexToHash(resp.ChannelID), state)
	require.NoError(t, err)
	recovered, err := RecoverAddress(packed, resp.StateSignature)
	require.NoError(t, err)
	return recovered
}

func TestRequestCreate(t *testing.T) {
	service, db, signer := newTestChannelService(t)

	wallet := common.HexToAddress(testWalletA)
	signers := map[string]struct{}{wallet.Hex(): {}}
	params := &rpc.CreateChannelRequest{ChainID: 137, Token: testUSDCPolygon}

	resp, err := service.RequestCreate(wallet, params, signers, newTestLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, resp.ChannelID)
	assert.Equal(t, rpc.StateIntentInitialize, resp.State.Intent)
	assert.Equal(t, uint64(0), resp.State.Version)

	// Both sides open unfunded.
	require.Len(t, resp.State.Allocations, 2)
	assert.Equal(t, wallet.Hex(), resp.State.Allocations[0].Participant)
	assert.True(t, resp.State.Allocations[0].RawAmount.IsZero())
	assert.Equal(t, signer.GetAddress().Hex(), resp.State.Allocations[1].Participant)
	assert.True(t, resp.State.Allocations[1].RawAmount.IsZero())

	require.NotNil(t, resp.Channel)
	assert.Equal(t, wallet.Hex(), resp.Channel.Participants[0])
	assert.Equal(t, signer.GetAddress().Hex(), resp.Channel.Participants[1])
	assert.Equal(t, core.MinChallengePeriod, resp.Channel.Challenge)

	// The broker countersigned the funding state.
	assert.Equal(t, signer.GetAddress().Hex(), recoverStateSigner(t, resp))

	// The service only prepares the state; nothing is persisted until the
	// channel is created on chain.
	var count int64
	require.NoError(t, db.Model(&Channel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRequestCreateValidation(t *testing.T) {
	service, db, _ := newTestChannelService(t)

	wallet := common.HexToAddress(testWalletA)
	signers := map[string]struct{}{wallet.Hex(): {}}
	logger := newTestLogger()

	t.Run("wallet did not sign", func(t *testing.T) {
		params := &rpc.CreateChannelRequest{ChainID: 137, Token: testUSDCPolygon}
		_, err := service.RequestCreate(wallet, params, map[string]struct{}{testWalletB: {}}, logger)
		require.ErrorContains(t, err, "invalid signature")
	})

	t.Run("unsupported token", func(t *testing.T) {
		params := &rpc.CreateChannelRequest{ChainID: 137, Token: "0x00000000000000000000000000000000000000aa"}
		_, err := service.RequestCreate(wallet, params, signers, logger)
		require.ErrorContains(t, err, "token not supported")
	})

	t.Run("unsupported chain", func(t *testing.T) {
		assets := service.assetsCfg
		assets.Assets[0].Tokens = append(assets.Assets[0].Tokens, TokenConfig{
			Symbol: "usdc", Name: "usdc", BlockchainID: 1, Address: testUSDCPolygon, Decimals: 6,
		})
		params := &rpc.CreateChannelRequest{ChainID: 1, Token: testUSDCPolygon}
		_, err := service.RequestCreate(wallet, params, signers, logger)
		require.ErrorContains(t, err, "unsupported chain ID")
	})

	t.Run("open channel already exists", func(t *testing.T) {
		existing := seedTestChannel(t, db, wallet.Hex(), 0, rpc.ChannelStatusOpen)
		params := &rpc.CreateChannelRequest{ChainID: 137, Token: testUSDCPolygon}
		_, err := service.RequestCreate(wallet, params, signers, logger)
		require.ErrorContains(t, err, "an open channel with broker already exists")
		require.ErrorContains(t, err, existing.ChannelID)
	})

	t.Run("unknown session key", func(t *testing.T) {
		sessionKey := "0x8888888888888888888888888888888888888888"
		params := &rpc.CreateChannelRequest{ChainID: 137, Token: testUSDCPolygon, SessionKey: &sessionKey}
		_, err := service.RequestCreate(common.HexToAddress(testWalletB), params, map[string]struct{}{testWalletB: {}}, logger)
		require.ErrorContains(t, err, "unknown session key")
	})
}

func TestRequestCreateWithSessionKey(t *testing.T) {
	service, db, _ := newTestChannelService(t)
	resetSessionKeyCache(t)

	wallet := common.HexToAddress(testWalletA)
	sessionKey := "0x7777777777777777777777777777777777777777"
	require.NoError(t, AddSessionKey(db, wallet.Hex(), sessionKey, "snake-game", "all", nil, time.Now().Add(time.Hour)))

	params := &rpc.CreateChannelRequest{ChainID: 137, Token: testUSDCPolygon, SessionKey: &sessionKey}
	resp, err := service.RequestCreate(wallet, params, map[string]struct{}{wallet.Hex(): {}}, newTestLogger())
	require.NoError(t, err)

	// The delegated key becomes the on-chain participant; funds still
	// settle to the wallet.
	require.NotNil(t, resp.Channel)
	assert.Equal(t, common.HexToAddress(sessionKey).Hex(), resp.Channel.Participants[0])
	assert.Equal(t, wallet.Hex(), resp.State.Allocations[0].Participant)
}

func TestRequestResizeAllocate(t *testing.T) {
	service, db, signer := newTestChannelService(t)

	channel := seedTestChannel(t, db, testWalletA, 0, rpc.ChannelStatusOpen)
	fundWallet(t, db, testWalletA, "usdc", 10)

	allocate := decimal.NewFromInt(5_000_000) // 5 usdc in raw units
	params := &rpc.ResizeChannelRequest{
		ChannelID:        channel.ChannelID,
		AllocateAmount:   &allocate,
		FundsDestination: testWalletA,
	}

	resp, err := service.RequestResize(params, map[string]struct{}{testWalletA: {}}, newTestLogger())
	require.NoError(t, err)

	assert.Equal(t, rpc.StateIntentResize, resp.State.Intent)
	assert.Equal(t, channel.State.Version+1, resp.State.Version)
	require.Len(t, resp.State.Allocations, 2)
	assert.True(t, resp.State.Allocations[0].RawAmount.Equal(allocate))
	assert.Equal(t, signer.GetAddress().Hex(), recoverStateSigner(t, resp))

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", channel.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusResizing, stored.Status)
}

func TestRequestResizeWithdrawalLocksEscrow(t *testing.T) {
	service, db, _ := newTestChannelService(t)

	channel := seedTestChannel(t, db, testWalletA, 8_000_000, rpc.ChannelStatusOpen)
	fundWallet(t, db, testWalletA, "usdc", 8)

	resize := decimal.NewFromInt(-3_000_000)
	params := &rpc.ResizeChannelRequest{
		ChannelID:        channel.ChannelID,
		ResizeAmount:     &resize,
		FundsDestination: testWalletA,
	}

	resp, err := service.RequestResize(params, map[string]struct{}{testWalletA: {}}, newTestLogger())
	require.NoError(t, err)
	assert.True(t, resp.State.Allocations[0].RawAmount.Equal(decimal.NewFromInt(5_000_000)))

	// 3 usdc left the unified balance into the channel escrow account.
	assert.True(t, walletBalance(t, db, testWalletA, "usdc").Equal(decimal.NewFromInt(5)))
	escrow, err := GetWalletLedger(db, common.HexToAddress(testWalletA)).Balance(NewChannelAccountID(channel.ChannelID), "usdc")
	require.NoError(t, err)
	assert.True(t, escrow.Equal(decimal.NewFromInt(3)))

	var lockCount int64
	require.NoError(t, db.Model(&LedgerTransaction{}).Where("tx_type = ?", TransactionTypeEscrowLock).Count(&lockCount).Error)
	assert.Equal(t, int64(1), lockCount)
}

func TestRequestResizeValidation(t *testing.T) {
	service, db, _ := newTestChannelService(t)
	logger := newTestLogger()
	signers := map[string]struct{}{testWalletA: {}}

	t.Run("channel not found", func(t *testing.T) {
		amount := decimal.NewFromInt(1)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: "0xmissing", AllocateAmount: &amount}, signers, logger)
		require.ErrorContains(t, err, "not found")
	})

	t.Run("no-op resize", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletA, 0, rpc.ChannelStatusOpen)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, FundsDestination: testWalletA}, signers, logger)
		require.ErrorContains(t, err, "non-zero ResizeAmount or AllocateAmount")
		require.NoError(t, db.Delete(&channel).Error)
	})

	t.Run("insufficient unified balance", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletA, 0, rpc.ChannelStatusOpen)
		amount := decimal.NewFromInt(1_000_000)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, AllocateAmount: &amount, FundsDestination: testWalletA}, signers, logger)
		require.ErrorContains(t, err, "insufficient unified balance")
		require.NoError(t, db.Delete(&channel).Error)
	})

	t.Run("resize already ongoing", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletB, 0, rpc.ChannelStatusResizing)
		amount := decimal.NewFromInt(1)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, AllocateAmount: &amount, FundsDestination: testWalletB}, map[string]struct{}{testWalletB: {}}, logger)
		require.ErrorContains(t, err, "resize already ongoing")
	})

	t.Run("wallet did not sign", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletA, 0, rpc.ChannelStatusOpen)
		amount := decimal.NewFromInt(1)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, AllocateAmount: &amount, FundsDestination: testWalletA}, map[string]struct{}{testWalletB: {}}, logger)
		require.ErrorContains(t, err, "invalid signature")
		require.NoError(t, db.Delete(&channel).Error)
	})

	t.Run("corrupted allocation mirror", func(t *testing.T) {
		wallet := "0x6666666666666666666666666666666666666666"
		channel := seedTestChannel(t, db, wallet, 8_000_000, rpc.ChannelStatusOpen)
		fundWallet(t, db, wallet, "usdc", 8)

		// The mirrored allocations disagree with the tracked escrow; a
		// resize built on top of them would not conserve funds.
		channel.State.Allocations = []rpc.StateAllocation{
			{Participant: wallet, TokenAddress: testUSDCPolygon, RawAmount: decimal.NewFromInt(9_000_000)},
			{Participant: wallet, TokenAddress: testUSDCPolygon, RawAmount: decimal.Zero},
		}
		require.NoError(t, db.Save(&channel).Error)

		resize := decimal.NewFromInt(-3_000_000)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, ResizeAmount: &resize, FundsDestination: wallet}, map[string]struct{}{wallet: {}}, logger)
		require.ErrorContains(t, err, "invalid resize state")

		// The rejection rolls back the status change and the escrow lock.
		var stored Channel
		require.NoError(t, db.First(&stored, "channel_id = ?", channel.ChannelID).Error)
		assert.Equal(t, rpc.ChannelStatusOpen, stored.Status)
		var lockCount int64
		require.NoError(t, db.Model(&LedgerTransaction{}).Where("tx_type = ?", TransactionTypeEscrowLock).Count(&lockCount).Error)
		assert.Zero(t, lockCount)
	})

	t.Run("challenged channel blocks resize", func(t *testing.T) {
		wallet := "0x4444444444444444444444444444444444444444"
		channel := seedTestChannel(t, db, wallet, 0, rpc.ChannelStatusOpen)
		seedTestChannel(t, db, wallet, 0, rpc.ChannelStatusChallenged)
		amount := decimal.NewFromInt(1)
		_, err := service.RequestResize(&rpc.ResizeChannelRequest{ChannelID: channel.ChannelID, AllocateAmount: &amount, FundsDestination: wallet}, map[string]struct{}{wallet: {}}, logger)
		require.ErrorContains(t, err, "has challenged channels")
	})
}

func TestRequestClose(t *testing.T) {
	service, db, signer := newTestChannelService(t)

	t.Run("balance below channel amount", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletA, 10_000_000, rpc.ChannelStatusOpen)
		fundWallet(t, db, testWalletA, "usdc", 4)

		resp, err := service.RequestClose(&rpc.CloseChannelRequest{
			ChannelID:        channel.ChannelID,
			FundsDestination: testWalletA,
		}, map[string]struct{}{testWalletA: {}}, newTestLogger())
		require.NoError(t, err)

		assert.Equal(t, rpc.StateIntentFinalize, resp.State.Intent)
		assert.Equal(t, channel.State.Version+1, resp.State.Version)

		// User takes their unified balance, the broker takes the rest.
		require.Len(t, resp.State.Allocations, 2)
		assert.True(t, resp.State.Allocations[0].RawAmount.Equal(decimal.NewFromInt(4_000_000)))
		assert.True(t, resp.State.Allocations[1].RawAmount.Equal(decimal.NewFromInt(6_000_000)))
		assert.Equal(t, signer.GetAddress().Hex(), resp.State.Allocations[1].Participant)
		assert.Equal(t, signer.GetAddress().Hex(), recoverStateSigner(t, resp))
	})

	t.Run("balance above channel amount is capped", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletB, 2_000_000, rpc.ChannelStatusOpen)
		fundWallet(t, db, testWalletB, "usdc", 50)

		resp, err := service.RequestClose(&rpc.CloseChannelRequest{
			ChannelID:        channel.ChannelID,
			FundsDestination: testWalletB,
		}, map[string]struct{}{testWalletB: {}}, newTestLogger())
		require.NoError(t, err)

		assert.True(t, resp.State.Allocations[0].RawAmount.Equal(decimal.NewFromInt(2_000_000)))
		assert.True(t, resp.State.Allocations[1].RawAmount.IsZero())
	})

	t.Run("escrowed funds count toward the user allocation", func(t *testing.T) {
		wallet := "0x5555555555555555555555555555555555555555"
		channel := seedTestChannel(t, db, wallet, 10_000_000, rpc.ChannelStatusResizing)
		fundWallet(t, db, wallet, "usdc", 2)
		ledger := GetWalletLedger(db, common.HexToAddress(wallet))
		require.NoError(t, ledger.Record(NewChannelAccountID(channel.ChannelID), "usdc", decimal.NewFromInt(3), nil))

		resp, err := service.RequestClose(&rpc.CloseChannelRequest{
			ChannelID:        channel.ChannelID,
			FundsDestination: wallet,
		}, map[string]struct{}{wallet: {}}, newTestLogger())
		require.NoError(t, err)
		assert.True(t, resp.State.Allocations[0].RawAmount.Equal(decimal.NewFromInt(5_000_000)))
	})
}

func TestRequestCloseValidation(t *testing.T) {
	service, db, _ := newTestChannelService(t)
	logger := newTestLogger()

	t.Run("channel not found", func(t *testing.T) {
		_, err := service.RequestClose(&rpc.CloseChannelRequest{ChannelID: "0xmissing"}, map[string]struct{}{testWalletA: {}}, logger)
		require.ErrorContains(t, err, "not found")
	})

	t.Run("closed channel", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletA, 0, rpc.ChannelStatusClosed)
		_, err := service.RequestClose(&rpc.CloseChannelRequest{ChannelID: channel.ChannelID, FundsDestination: testWalletA}, map[string]struct{}{testWalletA: {}}, logger)
		require.ErrorContains(t, err, "is not open or resizing")
	})

	t.Run("wallet did not sign", func(t *testing.T) {
		channel := seedTestChannel(t, db, testWalletB, 0, rpc.ChannelStatusOpen)
		_, err := service.RequestClose(&rpc.CloseChannelRequest{ChannelID: channel.ChannelID, FundsDestination: testWalletB}, map[string]struct{}{testWalletA: {}}, logger)
		require.ErrorContains(t, err, "invalid signature")
	})

	t.Run("corrupted escrow amount", func(t *testing.T) {
		// A negative tracked amount would put a negative allocation into
		// the final state; the broker must refuse to sign it.
		wallet := "0x7777777777777777777777777777777777777777"
		channel := seedTestChannel(t, db, wallet, -5_000_000, rpc.ChannelStatusOpen)
		_, err := service.RequestClose(&rpc.CloseChannelRequest{ChannelID: channel.ChannelID, FundsDestination: wallet}, map[string]struct{}{wallet: {}}, logger)
		require.ErrorContains(t, err, "invalid close state")
	})
}
