package main

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// ActionLabel classifies audited user actions.
type ActionLabel string

const (
	// LabelMaliciousChallenge marks an on-chain challenge raised with a
	// state older than one the challenger already superseded.
	LabelMaliciousChallenge ActionLabel = "malicious_challenge"
)

// UserActionLog is the data and database model for storing user action logs.
type UserActionLog struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	UserID    string      `gorm:"column:user_id;type:varchar(255);not null;index" json:"user_id"`
	Label     ActionLabel `gorm:"column:label;type:varchar(255);not null" json:"label"`
	Metadata  []byte      `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt time.Time   `gorm:"column:created_at" json:"created_at"`
}

func (UserActionLog) TableName() string {
	return "user_action_logs"
}

// Store persists and queries user action logs.
type Store interface {
	Store(ctx context.Context, userID string, label ActionLabel, metadata []byte) error
	List(ctx context.Context, userID *string, label *ActionLabel, options *rpc.ListOptions) ([]UserActionLog, error)
	Count(ctx context.Context, userID *string, label *ActionLabel) (int64, error)
}

type ActionLogStore struct {
	db *gorm.DB
}

func NewActionLogStore(db *gorm.DB) *ActionLogStore {
	return &ActionLogStore{db: db}
}

// scopeActionLogs narrows a query to the given user and label, either of
// which may be nil.
func scopeActionLogs(q *gorm.DB, userID *string, label *ActionLabel) *gorm.DB {
	if userID != nil {
		q = q.Where("user_id = ?", *userID)
	}
	if label != nil {
		q = q.Where("label = ?", *label)
	}
	return q
}

// Store saves a new user action log record in the database.
func (s *ActionLogStore) Store(ctx context.Context, userID string, label ActionLabel, metadata []byte) error {
	return s.db.WithContext(ctx).Create(&UserActionLog{
		UserID:   userID,
		Label:    label,
		Metadata: metadata,
	}).Error
}

// List retrieves user action logs with optional filtering and pagination.
func (s *ActionLogStore) List(ctx context.Context, userID *string, label *ActionLabel, options *rpc.ListOptions) ([]UserActionLog, error) {
	q := applyListOptions(s.db.WithContext(ctx), "created_at", rpc.SortTypeDescending, options)

	var logs []UserActionLog
	if err := scopeActionLogs(q, userID, label).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Count returns the count of user action records, with optional filtering.
func (s *ActionLogStore) Count(ctx context.Context, userID *string, label *ActionLabel) (int64, error) {
	q := scopeActionLogs(s.db.WithContext(ctx).Model(&UserActionLog{}), userID, label)

	var count int64
	err := q.Count(&count).Error
	return count, err
}
