package rpc_test

import (
	"context"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// MockCallHandler handles one RPC method in the mock dialer. It receives
// the request params and a publisher for pushing notifications back.
type MockCallHandler func(params rpc.Params, publishNotification MockNotificationPublisher) (*rpc.Response, error)

// MockNotificationPublisher lets handlers push asynchronous notifications
// to the client under test.
type MockNotificationPublisher func(event rpc.Event, notification rpc.Params)

var _ rpc.Dialer = (*MockDialer)(nil)

// MockDialer implements rpc.Dialer without a network: calls route to
// registered handlers, notifications flow through a buffered channel.
type MockDialer struct {
	handlers map[rpc.Method]MockCallHandler
	eventCh  chan *rpc.Response
}

// NewMockDialer creates a mock dialer with a buffered event channel.
func NewMockDialer() *MockDialer {
	return &MockDialer{
		handlers: make(map[rpc.Method]MockCallHandler),
		eventCh:  make(chan *rpc.Response, 10),
	}
}

// RegisterHandler routes calls for method to handler.
func (d *MockDialer) RegisterHandler(method rpc.Method, handler MockCallHandler) {
	d.handlers[method] = handler
}

// Dial is a no-op; the mock is always connected.
func (d *MockDialer) Dial(ctx context.Context, url string, handleClosure func(err error)) error {
	return nil
}

// IsConnected always reports true.
func (d *MockDialer) IsConnected() bool {
	return true
}

// Call routes the request to its handler. Unknown methods and handler
// errors come back as error responses, as a live server would send them.
func (d *MockDialer) Call(ctx context.Context, req *rpc.Request) (*rpc.Response, error) {
	if req == nil {
		return nil, rpc.ErrNilRequest
	}

	handler, exists := d.handlers[rpc.Method(req.Req.Method)]
	if !exists {
		res := rpc.NewErrorResponse(req.Req.RequestID, rpc.NewError(rpc.CodeMethodNotFound, "method not found"))
		return &res, nil
	}

	res, err := handler(req.Req.Params, d.publishNotification)
	if err != nil {
		res := rpc.NewErrorResponse(req.Req.RequestID, rpc.NewError(rpc.CodeInternal, err.Error()))
		return &res, nil
	}

	return res, nil
}

// EventCh returns the notification channel.
func (d *MockDialer) EventCh() <-chan *rpc.Response {
	return d.eventCh
}

func (d *MockDialer) publishNotification(event rpc.Event, notification rpc.Params) {
	resPayload := rpc.NewPayload(0, string(event), notification)
	res := rpc.NewResponse(resPayload)

	// Non-blocking send so a full channel cannot wedge a handler.
	select {
	case d.eventCh <- &res:
	default:
	}
}

// CloseEventChannel simulates connection loss for listener tests.
func (d *MockDialer) CloseEventChannel() {
	close(d.eventCh)
}
