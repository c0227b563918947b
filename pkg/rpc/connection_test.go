package rpc_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// fakeSocket stands in for a gorilla websocket connection. Reads come from
// a channel, writes are captured, and Close calls are counted; NextWriter
// hands the socket itself back so each written message costs one Close.
type fakeSocket struct {
	ctx     context.Context
	inbox   chan []byte
	mu      sync.Mutex
	written []byte
	closes  int
}

func newFakeSocket(ctx context.Context) *fakeSocket {
	return &fakeSocket{ctx: ctx, inbox: make(chan []byte, 1)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case <-s.ctx.Done():
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "context cancelled"}
	case msg := <-s.inbox:
		return websocket.TextMessage, msg, nil
	}
}

func (s *fakeSocket) NextWriter(int) (io.WriteCloser, error) { return s, nil }

func (s *fakeSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = p
	return len(p), nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSocket) deliver(msg string) { s.inbox <- []byte(msg) }

func (s *fakeSocket) lastWritten() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.written)
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func TestWebsocketConnectionConfigValidation(t *testing.T) {
	t.Parallel()

	t.Run("requires a connection id", func(t *testing.T) {
		_, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{})
		require.EqualError(t, err, "connection ID cannot be empty")
	})

	t.Run("requires a socket", func(t *testing.T) {
		_, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{ConnectionID: "c-1"})
		require.EqualError(t, err, "websocket connection cannot be nil")
	})

	t.Run("defaults", func(t *testing.T) {
		conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
			ConnectionID:  "c-1",
			WebsocketConn: &websocket.Conn{},
		})
		require.NoError(t, err)
		assert.Equal(t, "c-1", conn.ConnectionID())
		assert.Empty(t, conn.UserID())
		assert.Equal(t, 10, cap(conn.RawRequests()))
	})

	t.Run("explicit buffer size and user", func(t *testing.T) {
		conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
			ConnectionID:      "c-2",
			UserID:            "0xAlice",
			WebsocketConn:     &websocket.Conn{},
			ProcessBufferSize: 32,
		})
		require.NoError(t, err)
		assert.Equal(t, "0xAlice", conn.UserID())
		assert.Equal(t, 32, cap(conn.RawRequests()))
	})
}

func TestWebsocketConnectionSetUserID(t *testing.T) {
	t.Parallel()

	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:  "c-1",
		WebsocketConn: &websocket.Conn{},
	})
	require.NoError(t, err)
	require.Empty(t, conn.UserID())

	conn.SetUserID("0xAlice")
	assert.Equal(t, "0xAlice", conn.UserID())
}

func TestWebsocketConnectionServe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	socket := newFakeSocket(ctx)

	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:  "c-1",
		WebsocketConn: socket,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var closureErr error
	onClose := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		closureErr = err
	}

	conn.Serve(ctx, onClose)
	conn.Serve(ctx, onClose) // starting twice must not spawn a second loop

	socket.deliver("hello")
	select {
	case raw := <-conn.RawRequests():
		assert.Equal(t, "hello", string(raw))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("inbound message never reached the process queue")
	}

	require.True(t, conn.WriteRawResponse([]byte("world")))
	require.Eventually(t, func() bool {
		return socket.lastWritten() == "world"
	}, time.Second, 10*time.Millisecond)
	// One Close so far: the message writer.
	assert.Equal(t, 1, socket.closeCount())

	cancel()
	require.Eventually(t, func() bool {
		return socket.closeCount() == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, closureErr)
}

func TestWebsocketConnectionWriteBackpressure(t *testing.T) {
	t.Parallel()

	socket := newFakeSocket(context.Background())
	conn, err := rpc.NewWebsocketConnection(rpc.WebsocketConnectionConfig{
		ConnectionID:    "c-1",
		WebsocketConn:   socket,
		WriteBufferSize: 1,
		WriteTimeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)

	// The connection is not served, so nothing drains the write queue: the
	// first message occupies the buffer and the second gives up after the
	// write timeout.
	require.True(t, conn.WriteRawResponse([]byte("first")))
	require.False(t, conn.WriteRawResponse([]byte("second")))
}
