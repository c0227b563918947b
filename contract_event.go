package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ContractEvent journals every custody log the listener ingested. The
// (chain_id, transaction_hash, log_index) triple makes ingestion
// idempotent across restarts and resubscriptions.
type ContractEvent struct {
	ID              int64          `gorm:"primary_key;column:id"`
	ContractAddress string         `gorm:"column:contract_address"`
	ChainID         uint32         `gorm:"column:chain_id"`
	Name            string         `gorm:"column:name"`
	BlockNumber     uint64         `gorm:"column:block_number"`
	TransactionHash string         `gorm:"column:transaction_hash"`
	LogIndex        uint32         `gorm:"column:log_index"`
	Data            datatypes.JSON `gorm:"column:data"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

func (ContractEvent) TableName() string {
	return "contract_events"
}

func StoreContractEvent(tx *gorm.DB, event *ContractEvent) error {
	return tx.Create(event).Error
}

// MarshalEvent serializes a bound-contract event struct, blanking its Raw
// log field so the journal stores only decoded data.
func MarshalEvent[T any](event T) ([]byte, error) {
	val := reflect.ValueOf(event)
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input must be a struct, but got %T", event)
	}

	clone := reflect.New(val.Type()).Elem()
	clone.Set(val)

	if raw := clone.FieldByName("Raw"); raw.IsValid() {
		if !raw.CanSet() {
			return nil, fmt.Errorf("cannot set 'Raw' field on type %s", val.Type())
		}
		raw.SetZero()
	}

	return json.Marshal(clone.Interface())
}

// GetLatestContractEvent returns the newest journaled event for a contract
// on one chain, or nil when none were ingested yet. Listeners resume from
// its block number.
func GetLatestContractEvent(db *gorm.DB, contractAddress string, networkID uint32) (*ContractEvent, error) {
	var event ContractEvent
	err := db.
		Where("chain_id = ? AND contract_address = ?", networkID, contractAddress).
		Order("block_number DESC, log_index DESC").
		First(&event).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &event, nil
}

// IsContractEventPresent reports whether a log was already ingested.
func IsContractEventPresent(db *gorm.DB, chainID uint32, txHash string, logIndex uint32) (bool, error) {
	var count int64
	err := db.Model(&ContractEvent{}).
		Where("chain_id = ? AND transaction_hash = ? AND log_index = ?", chainID, txHash, logIndex).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
