package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

func TestRPCStoreStoreMessage(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewRPCStore(db)

	params, err := rpc.NewParams(map[string]string{"destination": "0xdef", "asset": "usdc", "amount": "10"})
	require.NoError(t, err)
	payload := rpc.NewPayload(42, "transfer", params)

	reqSig := sign.Signature{0x01, 0x02}
	resSig := sign.Signature{0x03, 0x04}

	err = store.StoreMessage("0xSender", &payload, []sign.Signature{reqSig}, []byte(`{"ok":true}`), []sign.Signature{resSig})
	require.NoError(t, err)

	var record RPCRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, "0xSender", record.Sender)
	assert.Equal(t, uint64(42), record.ReqID)
	assert.Equal(t, "transfer", record.Method)
	assert.Equal(t, payload.Timestamp, record.Timestamp)
	assert.JSONEq(t, `{"destination":"0xdef","asset":"usdc","amount":"10"}`, string(record.Params))
	assert.Equal(t, []byte(`{"ok":true}`), record.Response)
	require.Len(t, record.ReqSig, 1)
	require.Len(t, record.ResSig, 1)
	assert.Equal(t, reqSig.String(), record.ReqSig[0])
	assert.Equal(t, resSig.String(), record.ResSig[0])
}

func TestRPCStoreGetRPCHistory(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	store := NewRPCStore(db)

	seed := []RPCRecord{
		{Sender: "0xAlice", ReqID: 1, Method: "transfer", Params: []byte(`{}`), Timestamp: 100, Response: []byte(`{}`)},
		{Sender: "0xAlice", ReqID: 2, Method: "create_channel", Params: []byte(`{}`), Timestamp: 200, Response: []byte(`{}`)},
		{Sender: "0xAlice", ReqID: 3, Method: "close_channel", Params: []byte(`{}`), Timestamp: 300, Response: []byte(`{}`)},
		{Sender: "0xBob", ReqID: 4, Method: "transfer", Params: []byte(`{}`), Timestamp: 250, Response: []byte(`{}`)},
	}
	require.NoError(t, db.Create(&seed).Error)

	// Newest first, scoped to the sender.
	history, err := store.GetRPCHistory("0xAlice", nil)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(300), history[0].Timestamp)
	assert.Equal(t, uint64(100), history[2].Timestamp)

	// Pagination.
	history, err = store.GetRPCHistory("0xAlice", &rpc.ListOptions{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, uint64(200), history[0].Timestamp)

	// Ascending sort.
	asc := rpc.SortTypeAscending
	history, err = store.GetRPCHistory("0xAlice", &rpc.ListOptions{Sort: &asc})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(100), history[0].Timestamp)

	// Unknown sender.
	history, err = store.GetRPCHistory("0xNobody", nil)
	require.NoError(t, err)
	assert.Empty(t, history)
}
