package rpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// startLoopback runs a websocket server that answers every request with
// respond's result; a nil respond echoes the params back under the
// "echo_<method>" name.
func startLoopback(t *testing.T, respond func(req *rpc.Request) *rpc.Response) *httptest.Server {
	t.Helper()

	if respond == nil {
		respond = func(req *rpc.Request) *rpc.Response {
			res := rpc.NewResponse(rpc.NewPayload(req.Req.RequestID, "echo_"+req.Req.Method, req.Req.Params))
			return &res
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req rpc.Request
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}

			res := respond(&req)
			if res == nil {
				continue
			}

			out, err := json.Marshal(res)
			require.NoError(t, err)
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func dialLoopback(t *testing.T, ctx context.Context, dialer *rpc.WebsocketDialer, server *httptest.Server) {
	t.Helper()
	err := dialer.Dial(ctx, "ws://"+server.Listener.Addr().String(), func(err error) {
		if err != nil {
			t.Errorf("connection closed with error: %v", err)
		}
	})
	require.NoError(t, err)
	require.True(t, dialer.IsConnected())
}

func TestWebsocketDialerCall(t *testing.T) {
	t.Parallel()

	server := startLoopback(t, nil)
	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dialLoopback(t, ctx, dialer, server)

	params, err := rpc.NewParams(map[string]any{"key": "value"})
	require.NoError(t, err)
	req := rpc.NewRequest(rpc.NewPayload(7, "lookup", params))

	resp, err := dialer.Call(ctx, &req)
	require.NoError(t, err)
	assert.Equal(t, "echo_lookup", resp.Res.Method)
	assert.Equal(t, uint64(7), resp.Res.RequestID)
}

func TestWebsocketDialerDoubleDial(t *testing.T) {
	t.Parallel()

	server := startLoopback(t, nil)
	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dialLoopback(t, ctx, dialer, server)

	err := dialer.Dial(ctx, "ws://"+server.Listener.Addr().String(), nil)
	require.ErrorIs(t, err, rpc.ErrAlreadyConnected)
}

func TestWebsocketDialerDialFailure(t *testing.T) {
	t.Parallel()

	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := dialer.Dial(ctx, "ws://invalid-url-that-does-not-exist:12345", func(error) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error dialing websocket server")
	assert.False(t, dialer.IsConnected())
}

func TestWebsocketDialerContextCancel(t *testing.T) {
	t.Parallel()

	server := startLoopback(t, nil)
	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	dialLoopback(t, ctx, dialer, server)

	cancel()
	require.Eventually(t, func() bool {
		return !dialer.IsConnected()
	}, time.Second, 10*time.Millisecond)
}

func TestWebsocketDialerConcurrentCalls(t *testing.T) {
	t.Parallel()

	server := startLoopback(t, nil)
	cfg := rpc.DefaultWebsocketDialerConfig
	cfg.EventChanSize = 10
	dialer := rpc.NewWebsocketDialer(cfg)

	ctx := context.Background()
	dialLoopback(t, ctx, dialer, server)

	// Responses arrive out of order; each call must still be matched to
	// its own request id.
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			params, err := rpc.NewParams(map[string]any{"index": i})
			require.NoError(t, err)
			req := rpc.NewRequest(rpc.NewPayload(uint64(i), "lookup", params))

			callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()

			resp, err := dialer.Call(callCtx, &req)
			require.NoError(t, err)
			assert.Equal(t, uint64(i), resp.Res.RequestID)
			assert.Equal(t, "echo_lookup", resp.Res.Method)
		}()
	}
	wg.Wait()
}

func TestWebsocketDialerCallTimeout(t *testing.T) {
	t.Parallel()

	// The server swallows requests, so the call can only end by timeout.
	server := startLoopback(t, func(*rpc.Request) *rpc.Response { return nil })
	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	ctx := context.Background()
	dialLoopback(t, ctx, dialer, server)

	req := rpc.NewRequest(rpc.NewPayload(1, "lookup", nil))
	callCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	_, err := dialer.Call(callCtx, &req)
	require.ErrorIs(t, err, rpc.ErrNoResponse)
}

func TestWebsocketDialerCallWithoutConnection(t *testing.T) {
	t.Parallel()

	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)

	req := rpc.NewRequest(rpc.NewPayload(1, "lookup", nil))
	_, err := dialer.Call(context.Background(), &req)
	require.ErrorIs(t, err, rpc.ErrNotConnected)

	_, err = dialer.Call(context.Background(), nil)
	require.ErrorIs(t, err, rpc.ErrNilRequest)
}

func TestWebsocketDialerServerPush(t *testing.T) {
	t.Parallel()

	// Push a notification before serving requests: it must surface on the
	// event channel, not get matched against any pending call.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		params, err := rpc.NewParams(map[string]any{"type": "notification"})
		require.NoError(t, err)

		push := rpc.NewResponse(rpc.NewPayload(9999, "balance_update", params))
		out, err := json.Marshal(push)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, out))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	cfg := rpc.DefaultWebsocketDialerConfig
	cfg.EventChanSize = 10
	dialer := rpc.NewWebsocketDialer(cfg)
	dialLoopback(t, context.Background(), dialer, server)

	select {
	case event := <-dialer.EventCh():
		require.NotNil(t, event)
		assert.Equal(t, "balance_update", event.Res.Method)
		assert.Equal(t, uint64(9999), event.Res.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pushed event")
	}
}
