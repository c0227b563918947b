package main

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// Channel is the broker's record of one custody channel. State holds the
// last state both sides signed; the signature columns hold the broker's and
// the user's signatures over exactly that state.
type Channel struct {
	ChannelID   string `gorm:"column:channel_id;primaryKey;"`
	ChainID     uint32 `gorm:"column:chain_id;not null"`
	Token       string `gorm:"column:token;not null"`
	Wallet      string `gorm:"column:wallet;not null"`
	Participant string `gorm:"column:participant;not null"`
	// RawAmount is the integer on-chain token amount (wei).
	// type:varchar(78) is set for sqlite to address the issue of not supporting big decimals.
	RawAmount            decimal.Decimal   `gorm:"column:raw_amount;type:varchar(78);not null"`
	Status               rpc.ChannelStatus `gorm:"column:status;not null;"`
	Challenge            uint64            `gorm:"column:challenge;default:0"`
	Nonce                uint64            `gorm:"column:nonce;default:0"`
	Adjudicator          string            `gorm:"column:adjudicator;not null"`
	State                rpc.UnsignedState `gorm:"column:state;type:text;not null"`
	ServerStateSignature *sign.Signature   `gorm:"column:server_state_signature;type:text"`
	UserStateSignature   *sign.Signature   `gorm:"column:user_state_signature;type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (Channel) TableName() string {
	return "channels"
}

// ToRPC returns the channel's wire form. Version comes from the last
// signed state.
func (c Channel) ToRPC() rpc.Channel {
	return rpc.Channel{
		ChannelID:   c.ChannelID,
		Participant: c.Participant,
		Status:      c.Status,
		Token:       c.Token,
		Wallet:      c.Wallet,
		RawAmount:   c.RawAmount,
		ChainID:     c.ChainID,
		Adjudicator: c.Adjudicator,
		Challenge:   c.Challenge,
		Nonce:       c.Nonce,
		Version:     c.State.Version,
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
}

// Definition rebuilds the on-chain channel tuple from the mirrored row.
func (c Channel) Definition(broker common.Address) core.Channel {
	return core.Channel{
		Participants: []common.Address{common.HexToAddress(c.Participant), broker},
		Adjudicator:  common.HexToAddress(c.Adjudicator),
		Challenge:    c.Challenge,
		Nonce:        c.Nonce,
	}
}

// stateFromUnsigned rebuilds the contract form of a stored state, attaching
// the given signatures in participant order.
func stateFromUnsigned(s rpc.UnsignedState, sigs ...sign.Signature) core.State {
	out := core.State{
		Intent:  uint8(s.Intent),
		Version: new(big.Int).SetUint64(s.Version),
		Data:    []byte(s.Data),
	}
	for _, alloc := range s.Allocations {
		out.Allocations = append(out.Allocations, core.Allocation{
			Destination: common.HexToAddress(alloc.Participant),
			Token:       common.HexToAddress(alloc.TokenAddress),
			Amount:      alloc.RawAmount.BigInt(),
		})
	}
	for _, sig := range sigs {
		out.Sigs = append(out.Sigs, sig)
	}
	return out
}

// coreChannelStatus maps the broker's lifecycle to the on-chain one. An
// off-chain resize still reads as active on chain.
func coreChannelStatus(s rpc.ChannelStatus) core.ChannelStatus {
	switch s {
	case rpc.ChannelStatusOpen, rpc.ChannelStatusResizing:
		return core.StatusActive
	case rpc.ChannelStatusChallenged:
		return core.StatusDispute
	case rpc.ChannelStatusClosed:
		return core.StatusFinal
	default:
		return core.StatusVoid
	}
}

// Record mirrors the row into the admission engine's view of the channel.
// Rows written before allocations were mirrored carry none; the escrow
// baseline is then rebuilt from the tracked raw amount.
func (c Channel) Record(broker common.Address) core.ChannelRecord {
	last := stateFromUnsigned(c.State)
	if len(last.Allocations) != 2 {
		token := common.HexToAddress(c.Token)
		last.Allocations = []core.Allocation{
			{Destination: common.HexToAddress(c.Participant), Token: token, Amount: c.RawAmount.BigInt()},
			{Destination: broker, Token: token, Amount: big.NewInt(0)},
		}
	}
	return core.ChannelRecord{
		Channel:        c.Definition(broker),
		Status:         coreChannelStatus(c.Status),
		LastValidState: last,
	}
}

// CreateChannel inserts a channel record in the open state.
func CreateChannel(tx *gorm.DB, channelID, wallet, participantSigner string, nonce uint64, challenge uint64, adjudicator string, chainID uint32, tokenAddress string, amount decimal.Decimal, state rpc.UnsignedState) (Channel, error) {
	channel := Channel{
		ChannelID:   channelID,
		Wallet:      wallet,
		Participant: participantSigner,
		ChainID:     chainID,
		Status:      rpc.ChannelStatusOpen,
		Nonce:       nonce,
		Adjudicator: adjudicator,
		Challenge:   challenge,
		Token:       tokenAddress,
		RawAmount:   amount,
		State:       state,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := tx.Create(&channel).Error; err != nil {
		return Channel{}, fmt.Errorf("failed to create channel: %w", err)
	}

	return channel, nil
}

// GetChannelByID retrieves a channel by its ID.
func GetChannelByID(tx *gorm.DB, channelID string) (*Channel, error) {
	var channel Channel
	if err := tx.Where("channel_id = ?", channelID).First(&channel).Error; err != nil {
		return nil, err
	}

	return &channel, nil
}

// getChannelsByWallet finds channels for a wallet, optionally narrowed by
// status. Empty filters match everything.
func getChannelsByWallet(tx *gorm.DB, wallet string, status string) ([]Channel, error) {
	var channels []Channel
	q := tx
	if wallet != "" {
		q = q.Where("wallet = ?", wallet)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}

	if err := q.Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("error finding channels for a wallet %s: %w", wallet, err)
	}

	return channels, nil
}

// CheckExistingChannels reports the open channel between the wallet and the
// broker for a token on one chain, or nil when there is none. At most one
// such channel may exist.
func CheckExistingChannels(tx *gorm.DB, wallet, token string, chainID uint32) (*Channel, error) {
	var channel Channel
	err := tx.Where("wallet = ? AND token = ? AND chain_id = ? AND status = ?", wallet, token, chainID, rpc.ChannelStatusOpen).
		First(&channel).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error checking for existing open channel: %w", err)
	}

	return &channel, nil
}

type ChannelAmountSum struct {
	Count int             `gorm:"column:count"`
	Sum   decimal.Decimal `gorm:"column:sum"`
}

// GetChannelAmountSumByWallet totals the escrowed amounts across a wallet's
// open and resizing channels.
func GetChannelAmountSumByWallet(tx *gorm.DB, senderWallet string) (ChannelAmountSum, error) {
	var result ChannelAmountSum
	err := tx.Model(&Channel{}).
		Select("COUNT(channel_id) as count, COALESCE(SUM(CAST(raw_amount AS NUMERIC)), 0) as sum").
		Where("wallet = ? AND status IN (?, ?)", senderWallet, rpc.ChannelStatusOpen, rpc.ChannelStatusResizing).
		Scan(&result).Error
	if err != nil {
		return ChannelAmountSum{}, fmt.Errorf("error calculating channel amount sum: %w", err)
	}

	return result, nil
}
