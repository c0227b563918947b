package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

type (
	BlockchainActionType   string
	BlockchainActionStatus string
)

const ActionTypeCheckpoint BlockchainActionType = "checkpoint"

const (
	StatusPending   BlockchainActionStatus = "pending"
	StatusCompleted BlockchainActionStatus = "completed"
	StatusFailed    BlockchainActionStatus = "failed"
)

// BlockchainAction is a queued on-chain transaction. The worker drains
// pending actions per chain and submits them with the broker key.
type BlockchainAction struct {
	ID        int64                  `gorm:"primary_key"`
	Type      BlockchainActionType   `gorm:"column:action_type;not null"`
	ChannelID common.Hash            `gorm:"column:channel_id;not null"`
	ChainID   uint32                 `gorm:"column:chain_id;not null"`
	Data      datatypes.JSON         `gorm:"column:action_data;type:text;not null"`
	Status    BlockchainActionStatus `gorm:"column:status;not null"`
	Retries   int                    `gorm:"column:retry_count;default:0"`
	Error     string                 `gorm:"column:last_error;type:text"`
	TxHash    common.Hash            `gorm:"column:transaction_hash"`
	CreatedAt time.Time              `gorm:"column:created_at"`
	UpdatedAt time.Time              `gorm:"column:updated_at"`
}

func (BlockchainAction) TableName() string {
	return "blockchain_actions"
}

// CheckpointData is the payload of a checkpoint action: the latest
// co-signed state to pin on chain.
type CheckpointData struct {
	State     rpc.UnsignedState `json:"state"`
	UserSig   sign.Signature    `json:"user_sig"`
	ServerSig sign.Signature    `json:"server_sig"`
}

// CreateCheckpoint queues a checkpoint of the given co-signed state.
func CreateCheckpoint(tx *gorm.DB, channel common.Hash, chainID uint32, state rpc.UnsignedState, userSig, serverSig sign.Signature) error {
	data, err := json.Marshal(CheckpointData{
		State:     state,
		UserSig:   userSig,
		ServerSig: serverSig,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint data: %w", err)
	}

	now := time.Now()
	return tx.Create(&BlockchainAction{
		Type:      ActionTypeCheckpoint,
		ChannelID: channel,
		ChainID:   chainID,
		Data:      data,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

func (a *BlockchainAction) save(tx *gorm.DB) error {
	a.UpdatedAt = time.Now()
	return tx.Save(a).Error
}

func (a *BlockchainAction) Fail(tx *gorm.DB, reason string) error {
	a.Status = StatusFailed
	a.Error = reason
	a.Retries++
	return a.save(tx)
}

// FailNoRetry marks the action failed without burning an attempt. Used for
// malformed payloads that retries cannot fix.
func (a *BlockchainAction) FailNoRetry(tx *gorm.DB, reason string) error {
	a.Status = StatusFailed
	a.Error = reason
	return a.save(tx)
}

func (a *BlockchainAction) RecordAttempt(tx *gorm.DB, attemptErr string) error {
	a.Retries++
	a.Error = attemptErr
	return a.save(tx)
}

func (a *BlockchainAction) Complete(tx *gorm.DB, txHash common.Hash) error {
	a.Status = StatusCompleted
	a.TxHash = txHash
	a.Error = ""
	return a.save(tx)
}

func getActionsForChain(db *gorm.DB, chainID uint32, limit int) ([]BlockchainAction, error) {
	q := db.
		Where("status = ? AND chain_id = ?", StatusPending, chainID).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var actions []BlockchainAction
	if err := q.Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("query pending actions for chain %d: %w", chainID, err)
	}
	return actions, nil
}
