package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/layer-3/tollgate/pkg/sign"
)

const defaultNodeErrorMessage = "internal server error"

// Handler processes one RPC request. Handlers run as a chain; each may act
// before or after calling c.Next().
type Handler func(c *Context)

// SendResponseFunc pushes a server-initiated notification to a user. The
// method names the event type and params carries its data.
type SendResponseFunc func(method string, params Params)

// Context carries one request through the handler chain and collects the
// response. It also exposes the connection's per-session storage and the
// authenticated user, so middleware can gate and annotate requests.
type Context struct {
	// Context is the request-scoped context, cancelled when the
	// connection goes away.
	Context context.Context
	// UserID is the authenticated wallet, empty before auth. Handlers may
	// set it; the node re-registers the connection when it changes.
	UserID string
	// Signer signs the outgoing response.
	Signer sign.Signer
	// Request is the incoming message.
	Request Request
	// Response is filled by Succeed or Fail.
	Response Response
	// Storage is the connection's session storage.
	Storage *SafeStorage

	handlers []Handler
}

// Next runs the rest of the handler chain. It returns once the remaining
// handlers have run, letting the caller act on the outcome.
func (c *Context) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Succeed sets a success response reusing the request's id.
func (c *Context) Succeed(method string, params Params) {
	c.Response.Res = NewPayload(
		c.Request.Req.RequestID,
		method,
		params,
	)
}

// Fail sets an error response. When err is (or wraps) an Error its code and
// message go to the client verbatim; any other error is hidden behind
// fallbackMessage with an internal code, so handlers can keep backend
// details out of replies.
func (c *Context) Fail(err error, fallbackMessage string) {
	rpcErr, ok := AsError(err)
	if !ok {
		if fallbackMessage == "" {
			fallbackMessage = defaultNodeErrorMessage
		}
		rpcErr = NewError(CodeInternal, fallbackMessage)
	}

	c.Response = NewErrorResponse(c.Request.Req.RequestID, rpcErr)
}

// GetRawResponse signs and marshals the response. Handlers that never set a
// response produce an internal error reply instead of silence.
func (c *Context) GetRawResponse() ([]byte, error) {
	if c.Response.Res.Method == "" {
		c.Fail(nil, "no response from handler")
	}

	return prepareRawResponse(c.Signer, c.Response.Res)
}

// prepareRawResponse hashes the payload, signs the digest and marshals the
// enveloped response.
func prepareRawResponse(signer sign.Signer, payload Payload) ([]byte, error) {
	payloadHash, err := payload.Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash response payload: %w", err)
	}

	signature, err := signer.Sign(payloadHash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response payload: %w", err)
	}

	response := Response{
		Res: payload,
		Sig: []sign.Signature{signature},
	}
	responseBytes, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return responseBytes, nil
}

// SafeStorage is a mutex-guarded key-value store scoped to one connection.
// Handlers use it for auth policies, challenges and other session state
// that must survive across requests on the same socket.
type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

// NewSafeStorage returns an empty store.
func NewSafeStorage() *SafeStorage {
	return &SafeStorage{
		storage: make(map[string]any),
	}
}

// Set stores value under key, replacing any previous value.
func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.storage[key] = value
}

// Get returns the value under key and whether it exists. Callers assert the
// concrete type.
func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.storage[key]
	return value, exists
}
