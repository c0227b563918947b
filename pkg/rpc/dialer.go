package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layer-3/tollgate/pkg/log"
)

// Dialer is the client side of the protocol: it connects to a node, sends
// requests and surfaces notifications.
type Dialer interface {
	// Dial connects to url and blocks serving the connection, so run it
	// in a goroutine. handleClosure fires once when the connection ends.
	Dial(ctx context.Context, url string, handleClosure func(err error)) error

	// IsConnected reports whether a connection is live.
	IsConnected() bool

	// Call sends a request and waits for the response matching its id.
	Call(ctx context.Context, req *Request) (*Response, error)

	// EventCh streams responses that match no pending request, which is
	// how notifications arrive.
	EventCh() <-chan *Response
}

// dialCtx bundles one live connection's resources.
type dialCtx struct {
	ctx  context.Context
	conn *websocket.Conn
	lg   log.Logger
}

// WebsocketDialerConfig configures a WebsocketDialer.
type WebsocketDialerConfig struct {
	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration

	// PingInterval is how often a keepalive ping goes out.
	PingInterval time.Duration

	// PingRequestID is the reserved request id for pings. Application
	// calls must avoid it.
	PingRequestID uint64

	// EventChanSize buffers the notification channel. Notifications
	// beyond capacity are dropped, not blocked on.
	EventChanSize int
}

// DefaultWebsocketDialerConfig is a working configuration for most
// clients.
var DefaultWebsocketDialerConfig = WebsocketDialerConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     5 * time.Second,
	PingRequestID:    100,
	EventChanSize:    100,
}

// WebsocketDialer implements Dialer over a gorilla websocket. Responses are
// routed to callers by request id; everything else lands on the event
// channel. Writes are serialized, keepalive pings run in the background.
type WebsocketDialer struct {
	cfg           WebsocketDialerConfig
	dialCtx       *dialCtx
	eventCh       chan *Response
	responseSinks map[uint64]chan *Response
	// mu guards dialCtx and responseSinks.
	mu sync.RWMutex
	// writeMu serializes websocket writes.
	writeMu sync.Mutex
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer returns a disconnected dialer.
func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	return &WebsocketDialer{
		cfg:           cfg,
		eventCh:       make(chan *Response, cfg.EventChanSize),
		responseSinks: make(map[uint64]chan *Response),
	}
}

// Dial connects to url and starts the connection goroutines: a context
// watcher that closes the socket, a read loop routing messages and the
// keepalive pinger. It returns once connected; handleClosure fires when
// the connection ends.
func (d *WebsocketDialer) Dial(parentCtx context.Context, url string, handleClosure func(err error)) error {
	if d.IsConnected() {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, _, err := dialer.DialContext(parentCtx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}

	childCtx, cancel := context.WithCancel(parentCtx)
	wg := sync.WaitGroup{}
	wg.Add(3)

	var closureErr error
	var closureErrMu sync.Mutex
	childHandleClosure := func(err error) {
		closureErrMu.Lock()
		defer closureErrMu.Unlock()

		if err != nil && closureErr == nil {
			closureErr = err
		}

		cancel()
		wg.Done()
	}

	d.mu.Lock()
	d.dialCtx = &dialCtx{
		ctx:  childCtx,
		conn: conn,
		lg:   log.FromContext(parentCtx).WithName("ws-dialer"),
	}
	d.eventCh = make(chan *Response, d.cfg.EventChanSize)
	d.mu.Unlock()

	go d.closeOnContextDone(childCtx, childHandleClosure)
	go d.readMessages(childCtx, childHandleClosure)
	go d.pingPeriodically(childCtx, childHandleClosure)

	go func() {
		wg.Wait()

		closureErrMu.Lock()
		defer closureErrMu.Unlock()

		handleClosure(closureErr)
	}()

	return nil
}

// IsConnected reports whether a connection is live.
func (d *WebsocketDialer) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.dialCtx != nil && d.dialCtx.ctx.Err() == nil
}

// closeOnContextDone closes the socket when the context ends and unblocks
// every pending Call by closing its sink.
func (d *WebsocketDialer) closeOnContextDone(ctx context.Context, handleClosure func(err error)) {
	<-ctx.Done()

	d.mu.RLock()
	conn := d.dialCtx.conn
	d.mu.RUnlock()

	err := conn.Close()

	d.mu.Lock()
	for _, sink := range d.responseSinks {
		close(sink)
	}
	d.responseSinks = make(map[uint64]chan *Response)
	d.mu.Unlock()

	handleClosure(err)
}

// readMessages routes each incoming message to the Call waiting on its
// request id, or to the event channel when none is. Delivery never blocks;
// a full channel drops the message.
func (d *WebsocketDialer) readMessages(ctx context.Context, handleClosure func(err error)) {
	d.mu.RLock()
	conn := d.dialCtx.conn
	lg := d.dialCtx.lg
	d.mu.RUnlock()

	for {
		_, messageBytes, err := conn.ReadMessage()
		if ctx.Err() != nil {
			handleClosure(nil)
			lg.Info("websocket read loop exiting due to context done")
			return
		} else if _, ok := err.(net.Error); ok {
			handleClosure(fmt.Errorf("%w: %w", ErrConnectionTimeout, err))
			lg.Error("websocket connection timeout", "error", err)
			return
		} else if err != nil {
			handleClosure(fmt.Errorf("%w: %w", ErrReadingMessage, err))
			lg.Error("websocket read error", "error", err)
			return
		}

		var msg Response
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			lg.Warn("malformed message", "message", string(messageBytes), "error", err)
			continue
		}

		d.mu.Lock()
		responseSink, exists := d.responseSinks[msg.Res.RequestID]
		d.mu.Unlock()

		if !exists {
			responseSink = d.eventCh
		}

		select {
		case <-ctx.Done():
			handleClosure(nil)
			return
		case responseSink <- &msg:
		default:
			lg.Warn("response channel full, dropping message", "requestID", msg.Res.RequestID)
		}
	}
}

// Call sends req and waits for the response with the same request id. The
// caller owns id uniqueness across in-flight calls. Cancel the context to
// bound the wait.
func (d *WebsocketDialer) Call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	d.mu.Lock()
	if d.dialCtx == nil || d.dialCtx.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := d.dialCtx.conn
	connCtx := d.dialCtx.ctx
	responseSink := make(chan *Response, 1)
	d.responseSinks[req.Req.RequestID] = responseSink
	d.mu.Unlock()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}

	d.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, reqJSON)
	d.writeMu.Unlock()

	if err != nil {
		d.mu.Lock()
		delete(d.responseSinks, req.Req.RequestID)
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSendingRequest, err)
	}

	var res *Response
	select {
	case <-ctx.Done():
	case <-connCtx.Done():
	case res = <-responseSink:
	}

	d.mu.Lock()
	delete(d.responseSinks, req.Req.RequestID)
	d.mu.Unlock()

	if res == nil {
		return nil, fmt.Errorf("%w for request %d", ErrNoResponse, req.Req.RequestID)
	}
	return res, nil
}

// pingPeriodically keeps the connection alive and tears it down when a
// ping goes unanswered.
func (d *WebsocketDialer) pingPeriodically(ctx context.Context, handleClosure func(err error)) {
	d.mu.RLock()
	lg := d.dialCtx.lg
	d.mu.RUnlock()

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			handleClosure(nil)
			lg.Info("ping loop exiting due to context done")
			return
		case <-ticker.C:
			var params Params
			payload := NewPayload(d.cfg.PingRequestID, PingMethod.String(), params)
			req := NewRequest(payload)

			res, err := d.Call(ctx, &req)
			if err != nil {
				handleClosure(fmt.Errorf("%w: %w", ErrSendingPing, err))
				lg.Error("error sending ping", "error", err)
				return
			}

			if res.Res.Method != PongMethod.String() {
				lg.Warn("unexpected response to ping", "method", res.Res.Method)
			}
		}
	}
}

// EventCh streams responses matching no pending request.
func (d *WebsocketDialer) EventCh() <-chan *Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.eventCh
}
