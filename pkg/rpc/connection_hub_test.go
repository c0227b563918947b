package rpc_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// stubConn is an in-memory rpc.Connection: writes are retained so tests
// can observe what the hub fanned out.
type stubConn struct {
	id   string
	mu   sync.RWMutex
	user string
	got  [][]byte
	in   chan []byte
}

func newStubConn(id, user string) *stubConn {
	return &stubConn{id: id, user: user, in: make(chan []byte, 10)}
}

func (c *stubConn) ConnectionID() string { return c.id }

func (c *stubConn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *stubConn) SetUserID(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

func (c *stubConn) RawRequests() <-chan []byte { return c.in }

func (c *stubConn) WriteRawResponse(response []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, response)
	return true
}

func (c *stubConn) Serve(context.Context, func(error)) {}

func (c *stubConn) received() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.got))
	for i, b := range c.got {
		out[i] = string(b)
	}
	return out
}

func TestConnectionHubAdd(t *testing.T) {
	t.Parallel()

	hub := rpc.NewConnectionHub()
	conn := newStubConn("c-1", "alice")

	require.NoError(t, hub.Add(conn))
	assert.Equal(t, conn, hub.Get("c-1"))

	err := hub.Add(conn)
	require.EqualError(t, err, "connection with ID c-1 already exists")

	err = hub.Add(nil)
	require.EqualError(t, err, "connection cannot be nil")
}

func TestConnectionHubPublish(t *testing.T) {
	t.Parallel()

	hub := rpc.NewConnectionHub()
	aliceLaptop := newStubConn("c-1", "alice")
	alicePhone := newStubConn("c-2", "alice")
	bob := newStubConn("c-3", "bob")
	for _, conn := range []*stubConn{aliceLaptop, alicePhone, bob} {
		require.NoError(t, hub.Add(conn))
	}

	hub.Publish("alice", []byte("for alice"))

	// Every connection of the user receives the message; others see nothing.
	assert.Equal(t, []string{"for alice"}, aliceLaptop.received())
	assert.Equal(t, []string{"for alice"}, alicePhone.received())
	assert.Empty(t, bob.received())

	hub.Remove("c-1")
	assert.Nil(t, hub.Get("c-1"))

	hub.Publish("alice", []byte("again"))
	assert.Equal(t, []string{"for alice"}, aliceLaptop.received())
	assert.Equal(t, []string{"for alice", "again"}, alicePhone.received())
}

func TestConnectionHubReauthenticate(t *testing.T) {
	t.Parallel()

	hub := rpc.NewConnectionHub()
	conn := newStubConn("c-1", "alice")
	require.NoError(t, hub.Add(conn))

	require.NoError(t, hub.Reauthenticate("c-1", "bob"))
	assert.Equal(t, "bob", conn.UserID())

	// The hub's user index moves with the connection.
	hub.Publish("bob", []byte("hi bob"))
	hub.Publish("alice", []byte("hi alice"))
	assert.Equal(t, []string{"hi bob"}, conn.received())

	err := hub.Reauthenticate("ghost", "bob")
	require.EqualError(t, err, "connection with ID ghost does not exist")
}
