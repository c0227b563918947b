package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

func TestActionLogStore_Store(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewActionLogStore(db)

	metadata, err := json.Marshal(map[string]any{
		"channel_id":        "0xabc",
		"challenged_version": 3,
	})
	require.NoError(t, err)

	err = store.Store(context.Background(), "0xChallenger", LabelMaliciousChallenge, metadata)
	require.NoError(t, err)

	var record UserActionLog
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, "0xChallenger", record.UserID)
	assert.Equal(t, LabelMaliciousChallenge, record.Label)
	assert.Equal(t, metadata, record.Metadata)
	assert.False(t, record.CreatedAt.IsZero())

	// Metadata is optional.
	err = store.Store(context.Background(), "0xOther", LabelMaliciousChallenge, nil)
	require.NoError(t, err)
}

func TestActionLogStore_List(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewActionLogStore(db)

	userA := "0xUserA"
	userB := "0xUserB"
	labelChallenge := LabelMaliciousChallenge
	labelOther := ActionLabel("rate_limited")

	seed := []UserActionLog{
		{UserID: userA, Label: labelChallenge}, // oldest
		{UserID: userB, Label: labelChallenge},
		{UserID: userA, Label: labelOther},
		{UserID: userA, Label: labelChallenge}, // newest
	}
	for _, record := range seed {
		require.NoError(t, db.Create(&record).Error)
		time.Sleep(2 * time.Millisecond)
	}

	// Newest first for a single user.
	records, err := store.List(context.Background(), &userA, nil, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, labelChallenge, records[0].Label)
	assert.Equal(t, labelOther, records[1].Label)
	assert.Equal(t, labelChallenge, records[2].Label)

	// Label filter crosses users.
	records, err = store.List(context.Background(), nil, &labelChallenge, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Both filters together.
	records, err = store.List(context.Background(), &userB, &labelChallenge, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, userB, records[0].UserID)

	// Limit applies after ordering.
	records, err = store.List(context.Background(), &userA, nil, &rpc.ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, labelChallenge, records[0].Label)

	// No matches is an empty slice, not an error.
	records, err = store.List(context.Background(), &userB, &labelOther, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestActionLogStore_Count(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewActionLogStore(db)

	userA := "0xUserA"
	userB := "0xUserB"
	labelChallenge := LabelMaliciousChallenge
	labelOther := ActionLabel("rate_limited")

	records := []UserActionLog{
		{UserID: userA, Label: labelChallenge},
		{UserID: userA, Label: labelChallenge},
		{UserID: userA, Label: labelOther},
		{UserID: userB, Label: labelChallenge},
	}
	require.NoError(t, db.Create(&records).Error)

	count, err := store.Count(context.Background(), &userA, &labelChallenge)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.Count(context.Background(), &userA, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.Count(context.Background(), nil, &labelChallenge)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = store.Count(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	missing := ActionLabel("never_recorded")
	count, err = store.Count(context.Background(), nil, &missing)
	require.NoError(t, err)
	assert.Zero(t, count)
}
