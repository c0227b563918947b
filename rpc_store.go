package main

import (
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// RPCRecord is one stored request/response exchange, kept for the
// get_rpc_history endpoint and for audits.
type RPCRecord struct {
	ID        uint           `gorm:"primaryKey"`
	Sender    string         `gorm:"column:sender;type:varchar(255);not null"`
	ReqID     uint64         `gorm:"column:req_id;not null"`
	Method    string         `gorm:"column:method;type:varchar(255);not null"`
	Params    []byte         `gorm:"column:params;type:text;not null"`
	Timestamp uint64         `gorm:"column:timestamp;not null"`
	ReqSig    pq.StringArray `gorm:"type:text[];column:req_sig;"`
	Response  []byte         `gorm:"column:response;type:text;not null"`
	ResSig    pq.StringArray `gorm:"type:text[];column:res_sig;"`
}

func (RPCRecord) TableName() string {
	return "rpc_store"
}

// RPCStore handles RPC message storage and retrieval.
type RPCStore struct {
	db *gorm.DB
}

func NewRPCStore(db *gorm.DB) *RPCStore {
	return &RPCStore{db: db}
}

// StoreMessage persists one exchange keyed by the sender wallet.
func (s *RPCStore) StoreMessage(sender string, req *rpc.Payload, reqSigs []sign.Signature, resBytes []byte, resSigs []sign.Signature) error {
	record, err := newRPCRecord(sender, req, reqSigs, resBytes, resSigs)
	if err != nil {
		return err
	}
	return s.db.Create(record).Error
}

func newRPCRecord(sender string, req *rpc.Payload, reqSigs []sign.Signature, resBytes []byte, resSigs []sign.Signature) (*RPCRecord, error) {
	rawParams, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request params: %w", err)
	}

	return &RPCRecord{
		Sender:    sender,
		ReqID:     req.RequestID,
		Method:    req.Method,
		Params:    rawParams,
		Timestamp: req.Timestamp,
		ReqSig:    sign.SignaturesToStrings(reqSigs),
		Response:  resBytes,
		ResSig:    sign.SignaturesToStrings(resSigs),
	}, nil
}

// GetRPCHistory pages through a wallet's stored exchanges, newest first by
// default.
func (s *RPCStore) GetRPCHistory(userWallet string, options *rpc.ListOptions) ([]RPCRecord, error) {
	var history []RPCRecord
	query := applyListOptions(s.db.Where("sender = ?", userWallet), "timestamp", rpc.SortTypeDescending, options)
	if err := query.Find(&history).Error; err != nil {
		return nil, err
	}
	return history, nil
}
