package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layer-3/tollgate/pkg/log"
)

var (
	// defaultWsConnWriteTimeout bounds one write attempt.
	defaultWsConnWriteTimeout = 5 * time.Second
	// defaultWsConnProcessBufferSize is the incoming queue length.
	defaultWsConnProcessBufferSize = 10
	// defaultWsConnWriteBufferSize is the outgoing queue length.
	defaultWsConnWriteBufferSize = 10
)

// Connection is one live client socket as the node sees it: an id, an
// authenticated user, an inbound message channel and an outbound write
// method.
type Connection interface {
	// ConnectionID returns the id assigned at accept time.
	ConnectionID() string

	// UserID returns the authenticated wallet, empty before auth.
	UserID() string

	// SetUserID marks the connection as belonging to a user.
	SetUserID(userID string)

	// RawRequests streams incoming raw messages. The channel closes when
	// the connection dies.
	RawRequests() <-chan []byte

	// WriteRawResponse queues an outgoing message. It reports false when
	// the queue stays full past the write timeout, which also schedules
	// the connection for closure.
	WriteRawResponse(message []byte) bool

	// Serve starts the connection's pump goroutines and returns. The
	// handleClosure callback fires exactly once when the connection
	// terminates.
	Serve(parentCtx context.Context, handleClosure func(error))
}

// GorillaWsConnectionAdapter is the slice of *websocket.Conn the connection
// needs, kept narrow so tests can fake it.
type GorillaWsConnectionAdapter interface {
	ReadMessage() (messageType int, p []byte, err error)
	NextWriter(messageType int) (io.WriteCloser, error)
	Close() error
}

// WebsocketConnection pumps a websocket in both directions. Reads land on
// processSink for the node to handle; writes drain from writeSink. A write
// that cannot be queued within the timeout closes the connection, so a
// stalled client cannot pin server resources.
type WebsocketConnection struct {
	ctx           context.Context
	connectionID  string
	userID        string
	websocketConn GorillaWsConnectionAdapter
	writeTimeout  time.Duration

	logger               log.Logger
	onMessageSentHandler func([]byte)
	writeSink            chan []byte
	processSink          chan []byte
	closeConnCh          chan struct{}

	// mu guards userID and ctx.
	mu sync.RWMutex
}

// WebsocketConnectionConfig configures one connection. ConnectionID and
// WebsocketConn are required.
type WebsocketConnectionConfig struct {
	ConnectionID string
	// UserID pre-authenticates the connection, used by dialers that
	// already know who they are.
	UserID        string
	WebsocketConn GorillaWsConnectionAdapter

	WriteTimeout         time.Duration
	WriteBufferSize      int
	ProcessBufferSize    int
	Logger               log.Logger
	OnMessageSentHandler func([]byte)
}

// NewWebsocketConnection validates the config and fills defaults.
func NewWebsocketConnection(config WebsocketConnectionConfig) (*WebsocketConnection, error) {
	if config.ConnectionID == "" {
		return nil, fmt.Errorf("connection ID cannot be empty")
	}
	if config.WebsocketConn == nil {
		return nil, fmt.Errorf("websocket connection cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.NewNoopLogger()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWsConnWriteTimeout
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = defaultWsConnWriteBufferSize
	}
	if config.ProcessBufferSize <= 0 {
		config.ProcessBufferSize = defaultWsConnProcessBufferSize
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}

	return &WebsocketConnection{
		connectionID:  config.ConnectionID,
		userID:        config.UserID,
		websocketConn: config.WebsocketConn,
		writeTimeout:  config.WriteTimeout,

		logger:               config.Logger.WithKV("connectionID", config.ConnectionID),
		onMessageSentHandler: config.OnMessageSentHandler,
		writeSink:            make(chan []byte, config.WriteBufferSize),
		processSink:          make(chan []byte, config.ProcessBufferSize),
		closeConnCh:          make(chan struct{}, 1),
	}, nil
}

// Serve starts the reader, writer and close-watcher goroutines plus a
// waiter that closes the socket and reports the first error once all three
// exit. handleClosure fires exactly once. Calling Serve on a running
// connection fires handleClosure immediately and starts nothing.
func (conn *WebsocketConnection) Serve(parentCtx context.Context, handleClosure func(error)) {
	conn.mu.Lock()
	if conn.ctx != nil {
		conn.mu.Unlock()
		handleClosure(nil)
		return
	}
	conn.ctx = parentCtx
	conn.mu.Unlock()

	childCtx, cancel := context.WithCancel(parentCtx)
	wg := &sync.WaitGroup{}
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

	go conn.readMessages(childHandleClosure)
	go conn.writeMessages(childCtx, childHandleClosure)
	go conn.waitForConnClose(childCtx, childHandleClosure)

	go func() {
		wg.Wait()

		closureErrMu.Lock()
		defer closureErrMu.Unlock()

		handleClosure(closureErr)

		if err := conn.websocketConn.Close(); err != nil {
			conn.logger.Error("error closing websocket connection", "error", err)
		}
	}()
}

// ConnectionID returns the id assigned at accept time.
func (conn *WebsocketConnection) ConnectionID() string {
	return conn.connectionID
}

// UserID returns the authenticated wallet, empty before auth.
func (conn *WebsocketConnection) UserID() string {
	conn.mu.RLock()
	defer conn.mu.RUnlock()
	return conn.userID
}

// SetUserID marks the connection as belonging to a user.
func (conn *WebsocketConnection) SetUserID(userID string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.userID = userID
}

// RawRequests streams incoming raw messages.
func (conn *WebsocketConnection) RawRequests() <-chan []byte {
	return conn.processSink
}

// WriteRawResponse queues message for writing. A queue full past the write
// timeout signals closure and returns false.
func (conn *WebsocketConnection) WriteRawResponse(message []byte) bool {
	timer := time.NewTimer(conn.writeTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		select {
		case conn.closeConnCh <- struct{}{}:
		default:
		}
		return false
	case conn.writeSink <- message:
		return true
	}
}

// readMessages pumps the socket into processSink until the socket errors,
// then closes the sink.
func (conn *WebsocketConnection) readMessages(handleClosure func(error)) {
	defer close(conn.processSink)

	for {
		_, messageBytes, err := conn.websocketConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.logger.Error("websocket connection closed with unexpected reason", "error", err)
				handleClosure(err)
			} else {
				handleClosure(nil)
			}
			return
		}

		if len(messageBytes) == 0 {
			conn.logger.Debug("received empty message, skipping")
			continue
		}
		conn.processSink <- messageBytes
	}
}

// writeMessages drains writeSink onto the socket as text frames.
func (conn *WebsocketConnection) writeMessages(ctx context.Context, handleClosure func(error)) {
	defer handleClosure(nil)

	for {
		select {
		case <-ctx.Done():
			conn.logger.Debug("context done, stopping message writing")
			return
		case messageBytes := <-conn.writeSink:
			if len(messageBytes) == 0 {
				continue
			}

			w, err := conn.websocketConn.NextWriter(websocket.TextMessage)
			if err != nil {
				conn.logger.Error("error getting writer for response", "error", err)
				continue
			}

			if _, err := w.Write(messageBytes); err != nil {
				conn.logger.Error("error writing response", "error", err)
				w.Close()
				continue
			}

			if err := w.Close(); err != nil {
				conn.logger.Error("error closing writer for response", "error", err)
				continue
			}

			conn.onMessageSentHandler(messageBytes)
		}
	}
}

// waitForConnClose blocks until either the context ends or something asks
// for closure via closeConnCh.
func (conn *WebsocketConnection) waitForConnClose(ctx context.Context, handleClosure func(error)) {
	defer handleClosure(nil)

	select {
	case <-ctx.Done():
		conn.logger.Debug("context done, stopping connection close wait")
	case <-conn.closeConnCh:
		conn.logger.Info("websocket connection closed by server", "connectionID", conn.ConnectionID())
	}
}
