package main

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/rpc"
)

func newTestCustody(t *testing.T) (*Custody, *gorm.DB, *Signer) {
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

	adjudicator := common.HexToAddress("0xa3f2f64455c9f8D68d9dCAeC2605D64680FaF898")
	custody := &Custody{
		db:                 db,
		custodyAddr:        common.HexToAddress("0xDB33fEC4e2994a675133E10aDf044BB8Af6C28d5"),
		chainID:            137,
		signer:             signer,
		adjudicatorAddress: adjudicator,
		assetsCfg:          assets,
		validator:          core.NewValidator(137, adjudicator, nil, coSignedRuling{}, nil),
		wsNotifier:         newNoopNotifier(),
		logger:             newTestLogger(),
	}
	return custody, db, signer
}

var rawLogSeq uint64

// nextRawLog returns a log with a unique (txHash, logIndex) pair so the
// duplicate-event journal does not reject it.
func nextRawLog() types.Log {
	rawLogSeq++
	return types.Log{
		BlockNumber: rawLogSeq,
		TxHash:      crypto.Keccak256Hash(new(big.Int).SetUint64(rawLogSeq).Bytes()),
		Index:       0,
	}
}

func newCreatedEvent(custody *Custody, wallet common.Address, rawAmount int64) *core.CustodyCreated {
	token := common.HexToAddress(testUSDCPolygon)
	ev := &core.CustodyCreated{
		ChannelId: crypto.Keccak256Hash(wallet.Bytes(), new(big.Int).SetInt64(rawAmount).Bytes()),
		Wallet:    wallet,
		Channel: core.Channel{
			Participants: []common.Address{wallet, custody.signer.GetAddress()},
			Adjudicator:  custody.adjudicatorAddress,
			Challenge:    core.MinChallengePeriod,
			Nonce:        1,
		},
		Initial: core.State{
			Intent:  uint8(core.IntentInitialize),
			Version: big.NewInt(0),
			Data:    []byte{},
			Allocations: []core.Allocation{
				{Destination: wallet, Token: token, Amount: big.NewInt(rawAmount)},
				{Destination: custody.signer.GetAddress(), Token: token, Amount: big.NewInt(0)},
			},
		},
		Raw: nextRawLog(),
	}
	return ev
}

func channelCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&Channel{}).Count(&count).Error)
	return count
}

func TestHandleCreated(t *testing.T) {
	custody, db, _ := newTestCustody(t)

	wallet := common.HexToAddress(testWalletA)
	ev := newCreatedEvent(custody, wallet, 5_000_000)
	custody.handleCreated(newTestLogger(), ev)

	var ch Channel
	require.NoError(t, db.First(&ch, "channel_id = ?", common.Hash(ev.ChannelId).Hex()).Error)
	assert.Equal(t, rpc.ChannelStatusOpen, ch.Status)
	assert.Equal(t, wallet.Hex(), ch.Wallet)
	assert.True(t, ch.RawAmount.Equal(decimal.NewFromInt(5_000_000)))
	assert.Equal(t, uint32(137), ch.ChainID)

	// The deposit lands on the unified balance, the escrow account nets out.
	assert.True(t, walletBalance(t, db, wallet.Hex(), "usdc").Equal(decimal.NewFromInt(5)))
	escrow, err := GetWalletLedger(db, wallet).Balance(NewChannelAccountID(ch.ChannelID), "usdc")
	require.NoError(t, err)
	assert.True(t, escrow.IsZero())

	var depositCount int64
	require.NoError(t, db.Model(&LedgerTransaction{}).Where("tx_type = ?", TransactionTypeDeposit).Count(&depositCount).Error)
	assert.Equal(t, int64(1), depositCount)

	// The event is journaled.
	present, err := IsContractEventPresent(db, 137, ev.Raw.TxHash.Hex(), uint32(ev.Raw.Index))
	require.NoError(t, err)
	assert.True(t, present)
}

func TestHandleCreatedReplay(t *testing.T) {
	custody, db, _ := newTestCustody(t)

	wallet := common.HexToAddress(testWalletA)
	ev := newCreatedEvent(custody, wallet, 2_000_000)
	custody.handleCreated(newTestLogger(), ev)
	custody.handleCreated(newTestLogger(), ev)

	assert.Equal(t, int64(1), channelCount(t, db))
	assert.True(t, walletBalance(t, db, wallet.Hex(), "usdc").Equal(decimal.NewFromInt(2)))
}

func TestHandleCreatedRejections(t *testing.T) {
	custody, db, _ := newTestCustody(t)
	wallet := common.HexToAddress(testWalletA)
	logger := newTestLogger()

	t.Run("non-funding intent", func(t *testing.T) {
		ev := newCreatedEvent(custody, wallet, 1_000_000)
		ev.Initial.Intent = uint8(core.IntentOperate)
		custody.handleCreated(logger, ev)
		assert.Zero(t, channelCount(t, db))
	})

	t.Run("non-zero broker amount", func(t *testing.T) {
		ev := newCreatedEvent(custody, wallet, 1_000_000)
		ev.Initial.Allocations[1].Amount = big.NewInt(1)
		custody.handleCreated(logger, ev)
		assert.Zero(t, channelCount(t, db))
	})

	t.Run("challenge period too short", func(t *testing.T) {
		ev := newCreatedEvent(custody, wallet, 1_000_000)
		ev.Channel.Challenge = core.MinChallengePeriod - 1
		custody.handleCreated(logger, ev)
		assert.Zero(t, channelCount(t, db))
	})

	t.Run("unknown adjudicator", func(t *testing.T) {
		ev := newCreatedEvent(custody, wallet, 1_000_000)
		ev.Channel.Adjudicator = common.HexToAddress(testWalletB)
		custody.handleCreated(logger, ev)
		assert.Zero(t, channelCount(t, db))
	})

	t.Run("broker is not a participant", func(t *testing.T) {
		ev := newCreatedEvent(custody, wallet, 1_000_000)
		ev.Channel.Participants[1] = common.HexToAddress(testWalletB)
		custody.handleCreated(logger, ev)
		assert.Zero(t, channelCount(t, db))
	})

	t.Run("second open channel for the same token", func(t *testing.T) {
		custody.handleCreated(logger, newCreatedEvent(custody, wallet, 1_000_000))
		require.Equal(t, int64(1), channelCount(t, db))

		custody.handleCreated(logger, newCreatedEvent(custody, wallet, 3_000_000))
		assert.Equal(t, int64(1), channelCount(t, db))
		assert.True(t, walletBalance(t, db, wallet.Hex(), "usdc").Equal(decimal.NewFromInt(1)))
	})
}

func seedCustodyChannel(t *testing.T, db *gorm.DB, signer *Signer, wallet string, rawAmount int64, version uint64, status rpc.ChannelStatus, signed bool) Channel {
	t.Helper()
	ch := seedTestChannel(t, db, wallet, rawAmount, status)
	ch.State.Version = version
	ch.State.Intent = rpc.StateIntentOperate
	ch.State.Allocations = []rpc.StateAllocation{
		{Participant: wallet, TokenAddress: testUSDCPolygon, RawAmount: decimal.NewFromInt(rawAmount)},
		{Participant: signer.GetAddress().Hex(), TokenAddress: testUSDCPolygon, RawAmount: decimal.Zero},
	}
	if signed {
		sig, err := signer.Sign([]byte(ch.ChannelID))
		require.NoError(t, err)
		ch.UserStateSignature = &sig
		ch.ServerStateSignature = &sig
	}
	require.NoError(t, db.Save(&ch).Error)
	return ch
}

func TestHandleChallengedWithStaleState(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 1_000_000, 5, rpc.ChannelStatusOpen, true)

	ev := &core.CustodyChallenged{
		ChannelId:  common.HexToHash(ch.ChannelID),
		State:      core.State{Intent: uint8(core.IntentOperate), Version: big.NewInt(2)},
		Expiration: big.NewInt(0),
		Raw:        nextRawLog(),
	}
	custody.handleChallenged(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusChallenged, stored.Status)

	// Challenging with an outdated state queues a counter-checkpoint.
	var action BlockchainAction
	require.NoError(t, db.First(&action, "action_type = ?", ActionTypeCheckpoint).Error)
	assert.Equal(t, common.HexToHash(ch.ChannelID), action.ChannelID)
	assert.Equal(t, StatusPending, action.Status)

	// The malicious challenge is recorded against the wallet.
	wallet := testWalletA
	logs, err := NewActionLogStore(db).List(t.Context(), &wallet, nil, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LabelMaliciousChallenge, logs[0].Label)
}

func TestHandleChallengedWithUncheckpointableState(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	// The stored state is newer but carries a RESIZE intent, which the
	// contract will not accept as a checkpoint candidate.
	ch := seedCustodyChannel(t, db, signer, testWalletA, 1_000_000, 5, rpc.ChannelStatusOpen, true)
	ch.State.Intent = rpc.StateIntentResize
	require.NoError(t, db.Save(&ch).Error)

	ev := &core.CustodyChallenged{
		ChannelId:  common.HexToHash(ch.ChannelID),
		State:      core.State{Intent: uint8(core.IntentOperate), Version: big.NewInt(2)},
		Expiration: big.NewInt(0),
		Raw:        nextRawLog(),
	}
	custody.handleChallenged(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusChallenged, stored.Status)

	// No counter-checkpoint is queued, but the stale challenge is still
	// journaled as malicious.
	var actionCount int64
	require.NoError(t, db.Model(&BlockchainAction{}).Count(&actionCount).Error)
	assert.Zero(t, actionCount)

	wallet := testWalletA
	logs, err := NewActionLogStore(db).List(t.Context(), &wallet, nil, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, LabelMaliciousChallenge, logs[0].Label)
}

func TestHandleChallengedWithLatestState(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 1_000_000, 5, rpc.ChannelStatusOpen, true)

	ev := &core.CustodyChallenged{
		ChannelId:  common.HexToHash(ch.ChannelID),
		State:      core.State{Intent: uint8(core.IntentOperate), Version: big.NewInt(5)},
		Expiration: big.NewInt(0),
		Raw:        nextRawLog(),
	}
	custody.handleChallenged(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusChallenged, stored.Status)

	// An honest challenge does not trigger a checkpoint.
	var actionCount int64
	require.NoError(t, db.Model(&BlockchainAction{}).Count(&actionCount).Error)
	assert.Zero(t, actionCount)
}

func TestHandleResizedDeposit(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 2_000_000, 3, rpc.ChannelStatusResizing, false)

	ev := &core.CustodyResized{
		ChannelId:        common.HexToHash(ch.ChannelID),
		DeltaAllocations: []*big.Int{big.NewInt(3_000_000), big.NewInt(0)},
		Raw:              nextRawLog(),
	}
	custody.handleResized(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusOpen, stored.Status)
	assert.True(t, stored.RawAmount.Equal(decimal.NewFromInt(5_000_000)))
	assert.Equal(t, ch.State.Version+1, stored.State.Version)
	assert.Nil(t, stored.ServerStateSignature)
	assert.Nil(t, stored.UserStateSignature)

	// The deposit transits into the unified balance.
	assert.True(t, walletBalance(t, db, testWalletA, "usdc").Equal(decimal.NewFromInt(3)))
}

func TestHandleResizedWithdrawal(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 4_000_000, 3, rpc.ChannelStatusResizing, false)

	// The resize request escrowed 1 usdc before going on chain.
	ledger := GetWalletLedger(db, common.HexToAddress(testWalletA))
	require.NoError(t, ledger.Record(NewChannelAccountID(ch.ChannelID), "usdc", decimal.NewFromInt(1), nil))

	ev := &core.CustodyResized{
		ChannelId:        common.HexToHash(ch.ChannelID),
		DeltaAllocations: []*big.Int{big.NewInt(-1_000_000), big.NewInt(0)},
		Raw:              nextRawLog(),
	}
	custody.handleResized(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusOpen, stored.Status)
	assert.True(t, stored.RawAmount.Equal(decimal.NewFromInt(3_000_000)))

	// The escrowed amount left the ledger.
	escrow, err := ledger.Balance(NewChannelAccountID(ch.ChannelID), "usdc")
	require.NoError(t, err)
	assert.True(t, escrow.IsZero())
}

func TestHandleResizedNegativeBalance(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 1_000_000, 3, rpc.ChannelStatusResizing, false)

	ev := &core.CustodyResized{
		ChannelId:        common.HexToHash(ch.ChannelID),
		DeltaAllocations: []*big.Int{big.NewInt(-2_000_000), big.NewInt(0)},
		Raw:              nextRawLog(),
	}
	custody.handleResized(newTestLogger(), ev)

	// The whole transaction rolls back.
	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusResizing, stored.Status)
	assert.True(t, stored.RawAmount.Equal(decimal.NewFromInt(1_000_000)))
}

func TestHandleClosed(t *testing.T) {
	custody, db, signer := newTestCustody(t)

	ch := seedCustodyChannel(t, db, signer, testWalletA, 4_000_000, 3, rpc.ChannelStatusOpen, true)
	fundWallet(t, db, testWalletA, "usdc", 3)
	ledger := GetWalletLedger(db, common.HexToAddress(testWalletA))
	require.NoError(t, ledger.Record(NewChannelAccountID(ch.ChannelID), "usdc", decimal.NewFromInt(1), nil))

	token := common.HexToAddress(testUSDCPolygon)
	ev := &core.CustodyClosed{
		ChannelId: common.HexToHash(ch.ChannelID),
		FinalState: core.State{
			Intent:  uint8(core.IntentFinalize),
			Version: big.NewInt(4),
			Data:    []byte{},
			Allocations: []core.Allocation{
				{Destination: common.HexToAddress(testWalletA), Token: token, Amount: big.NewInt(4_000_000)},
				{Destination: custody.signer.GetAddress(), Token: token, Amount: big.NewInt(0)},
			},
		},
		Raw: nextRawLog(),
	}
	custody.handleClosed(newTestLogger(), ev)

	var stored Channel
	require.NoError(t, db.First(&stored, "channel_id = ?", ch.ChannelID).Error)
	assert.Equal(t, rpc.ChannelStatusClosed, stored.Status)
	assert.True(t, stored.RawAmount.IsZero())
	assert.Equal(t, uint64(4), stored.State.Version)
	assert.Equal(t, rpc.StateIntentFinalize, stored.State.Intent)
	assert.Nil(t, stored.ServerStateSignature)
	assert.Nil(t, stored.UserStateSignature)

	// Escrow unlocked (+1), withdrawal of the final allocation (-4):
	// 3 + 1 - 4 leaves the unified balance empty.
	assert.True(t, walletBalance(t, db, testWalletA, "usdc").IsZero())
	escrow, err := ledger.Balance(NewChannelAccountID(ch.ChannelID), "usdc")
	require.NoError(t, err)
	assert.True(t, escrow.IsZero())

	var unlockCount int64
	require.NoError(t, db.Model(&LedgerTransaction{}).Where("tx_type = ?", TransactionTypeEscrowUnlock).Count(&unlockCount).Error)
	assert.Equal(t, int64(1), unlockCount)
	var withdrawalCount int64
	require.NoError(t, db.Model(&LedgerTransaction{}).Where("tx_type = ?", TransactionTypeWithdrawal).Count(&withdrawalCount).Error)
	assert.Equal(t, int64(1), withdrawalCount)
}
