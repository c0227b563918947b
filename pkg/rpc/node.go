package rpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/sign"
)

const (
	// nodeGroupHandlerPrefix namespaces group ids in the handler chain map.
	nodeGroupHandlerPrefix = "group."
	// nodeGroupRoot is the implicit top-level group.
	nodeGroupRoot = "root"
)

// Node is an RPC server: it routes incoming requests to handlers and can
// push notifications to users. The interface is transport-agnostic.
type Node interface {
	// Handle registers a handler for one method.
	Handle(method string, handler Handler)

	// Notify pushes a notification to every active connection of a user.
	// Users with no connections miss the notification.
	Notify(userID string, method string, params Params)

	// Use appends middleware that runs before every handler.
	Use(middleware Handler)

	// NewGroup creates a named handler group with its own middleware.
	// Groups nest.
	NewGroup(name string) HandlerGroup
}

// HandlerGroup scopes handlers under shared middleware.
type HandlerGroup interface {
	Handle(method string, handler Handler)
	Use(middleware Handler)
	NewGroup(name string) HandlerGroup
}

var (
	_ Node         = &WebsocketNode{}
	_ http.Handler = &WebsocketNode{}

	_ HandlerGroup = &WebsocketHandlerGroup{}
)

// WebsocketNode serves the RPC protocol over websocket. Every response and
// notification it sends is signed with the configured signer. Connections
// are tracked in a hub keyed by user so notifications reach all of a user's
// open sockets, and a connection is re-registered under its wallet when a
// handler authenticates it.
type WebsocketNode struct {
	upgrader websocket.Upgrader
	cfg      WebsocketNodeConfig
	groupId  string
	// handlerChain maps a group or method id to the handlers stored under
	// it.
	handlerChain map[string][]Handler
	// routes maps a method to the chain of ids that together form its
	// handler pipeline, e.g. ["group.root", "group.private", "transfer"].
	routes  map[string][]string
	connHub *ConnectionHub
}

// WebsocketNodeConfig configures a WebsocketNode. Signer and Logger are
// required, everything else has defaults.
type WebsocketNodeConfig struct {
	// Signer signs all outgoing messages.
	Signer sign.Signer
	// Logger receives structured node logs.
	Logger log.Logger

	// OnConnectHandler runs for each new connection with a send function
	// bound to it.
	OnConnectHandler func(send SendResponseFunc)
	// OnDisconnectHandler runs when a connection closes, with the user id
	// it was authenticated as, if any.
	OnDisconnectHandler func(userID string)
	// OnMessageSentHandler runs after each outgoing message write.
	OnMessageSentHandler func([]byte)
	// OnAuthenticatedHandler runs when a connection authenticates or
	// switches users.
	OnAuthenticatedHandler func(userID string, send SendResponseFunc)

	// WsUpgraderReadBufferSize sizes the upgrader read buffer (default 1024).
	WsUpgraderReadBufferSize int
	// WsUpgraderWriteBufferSize sizes the upgrader write buffer (default 1024).
	WsUpgraderWriteBufferSize int
	// WsUpgraderCheckOrigin validates the Origin header. The default
	// accepts every origin; the broker serves browser clients from
	// arbitrary apps.
	WsUpgraderCheckOrigin func(r *http.Request) bool

	// WsConnWriteTimeout bounds a single write (default 5s). Connections
	// that cannot take a write within it are dropped.
	WsConnWriteTimeout time.Duration
	// WsConnWriteBufferSize is the outgoing queue length per connection
	// (default 10).
	WsConnWriteBufferSize int
	// WsConnProcessBufferSize is the incoming queue length per connection
	// (default 10).
	WsConnProcessBufferSize int
}

// NewWebsocketNode validates the config, fills defaults and registers the
// built-in ping handler.
func NewWebsocketNode(config WebsocketNodeConfig) (*WebsocketNode, error) {
	if config.Signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	config.Logger = config.Logger.WithName("rpc-node")

	if config.OnConnectHandler == nil {
		config.OnConnectHandler = func(send SendResponseFunc) {}
	}
	if config.OnDisconnectHandler == nil {
		config.OnDisconnectHandler = func(userID string) {}
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}
	if config.OnAuthenticatedHandler == nil {
		config.OnAuthenticatedHandler = func(userID string, send SendResponseFunc) {}
	}
	if config.WsUpgraderReadBufferSize <= 0 {
		config.WsUpgraderReadBufferSize = 1024
	}
	if config.WsUpgraderWriteBufferSize <= 0 {
		config.WsUpgraderWriteBufferSize = 1024
	}
	if config.WsUpgraderCheckOrigin == nil {
		config.WsUpgraderCheckOrigin = func(r *http.Request) bool {
			return true
		}
	}

	node := &WebsocketNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WsUpgraderReadBufferSize,
			WriteBufferSize: config.WsUpgraderWriteBufferSize,
			CheckOrigin:     config.WsUpgraderCheckOrigin,
		},
		cfg:          config,
		groupId:      nodeGroupHandlerPrefix + nodeGroupRoot,
		handlerChain: make(map[string][]Handler),
		routes:       make(map[string][]string),
		connHub:      NewConnectionHub(),
	}

	node.Handle(PingMethod.String(), node.handlePing)

	return node, nil
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// socket closes. Each connection gets a uuid, a hub registration, and two
// goroutines: one pumping the socket, one running handlers.
func (wn *WebsocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConnection, err := wn.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wn.cfg.Logger.Error("failed to upgrade connection to websocket", "error", err)
		return
	}
	defer wsConnection.Close()

	connectionID := uuid.NewString()

	connConfig := WebsocketConnectionConfig{
		ConnectionID:         connectionID,
		WebsocketConn:        wsConnection,
		Logger:               wn.cfg.Logger,
		WriteTimeout:         wn.cfg.WsConnWriteTimeout,
		WriteBufferSize:      wn.cfg.WsConnWriteBufferSize,
		ProcessBufferSize:    wn.cfg.WsConnProcessBufferSize,
		OnMessageSentHandler: wn.cfg.OnMessageSentHandler,
	}
	connection, err := NewWebsocketConnection(connConfig)
	if err != nil {
		wn.cfg.Logger.Error("failed to create websocket connection", "error", err, "connectionID", connectionID)
		return
	}
	if err := wn.connHub.Add(connection); err != nil {
		wn.cfg.Logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	wn.cfg.OnConnectHandler(wn.getSendResponseFunc(connection))
	wn.cfg.Logger.Info("new websocket connection established", "connectionID", connectionID, "userID", connection.UserID())

	defer func() {
		userID := connection.UserID()
		wn.connHub.Remove(connectionID)

		wn.cfg.OnDisconnectHandler(userID)
		wn.cfg.Logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	parentCtx, cancel := context.WithCancel(r.Context())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	childHandleClosure := func(_ error) {
		cancel()
		wg.Done()
	}

	go connection.Serve(parentCtx, childHandleClosure)
	go wn.processRequests(connection, parentCtx, childHandleClosure)

	wg.Wait()
}

// processRequests consumes raw messages from the connection, routes each
// through its handler chain and writes back the signed response. When a
// handler changes the context's UserID the connection is re-registered in
// the hub under the new user before the next message.
func (wn *WebsocketNode) processRequests(conn Connection, parentCtx context.Context, handleClosure func(error)) {
	defer handleClosure(nil)
	safeStorage := NewSafeStorage()

	for {
		var messageBytes []byte
		select {
		case <-parentCtx.Done():
			wn.cfg.Logger.Debug("context done, stopping message processing")
			return
		case messageBytes = <-conn.RawRequests():
			if len(messageBytes) == 0 {
				return
			}
		}

		req, err := ParseRequest(messageBytes)
		if err != nil {
			wn.cfg.Logger.Debug("invalid message", "error", err, "message", string(messageBytes))
			rpcErr, ok := AsError(err)
			if !ok {
				rpcErr = NewError(CodeParseError, "invalid message format")
			}
			wn.sendErrorResponse(conn, req.Req.RequestID, rpcErr)
			continue
		}

		methodRoute, ok := wn.routes[req.Req.Method]
		if !ok || len(methodRoute) == 0 {
			wn.cfg.Logger.Debug("no route found for method", "method", req.Req.Method)
			wn.sendErrorResponse(conn, req.Req.RequestID, Errorf(CodeMethodNotFound, "unknown method: %s", req.Req.Method))
			continue
		}

		var routeHandlers []Handler
		for _, handlersId := range methodRoute {
			handlers, exists := wn.handlerChain[handlersId]
			if !exists || len(handlers) == 0 {
				routeHandlers = nil
				wn.cfg.Logger.Error("no handlers found for id", "id", handlersId)
				break
			}

			routeHandlers = append(routeHandlers, handlers...)
		}
		if len(routeHandlers) == 0 {
			wn.sendErrorResponse(conn, req.Req.RequestID, Errorf(CodeMethodNotFound, "unknown method: %s", req.Req.Method))
			continue
		}

		wn.cfg.Logger.Info("processing message",
			"requestID", req.Req.RequestID,
			"userID", conn.UserID(),
			"method", req.Req.Method,
			"route", methodRoute)

		ctx := &Context{
			Context:  parentCtx,
			UserID:   conn.UserID(),
			Signer:   wn.cfg.Signer,
			Request:  req,
			handlers: routeHandlers,
			Storage:  safeStorage,
		}
		ctx.Next()

		responseBytes, err := ctx.GetRawResponse()
		if err != nil {
			wn.sendErrorResponse(conn, req.Req.RequestID, NewError(CodeInternal, defaultNodeErrorMessage))
			wn.cfg.Logger.Error("failed to prepare response", "error", err, "method", req.Req.Method)
			continue
		}
		conn.WriteRawResponse(responseBytes)

		if conn.UserID() != ctx.UserID {
			wn.connHub.Reauthenticate(conn.ConnectionID(), ctx.UserID)
			wn.cfg.OnAuthenticatedHandler(ctx.UserID, wn.getSendResponseFunc(conn))
		}
	}
}

// NewGroup creates a handler group directly under the root group.
func (wn *WebsocketNode) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{
		groupId:     nodeGroupHandlerPrefix + name,
		routePrefix: []string{wn.groupId},
		root:        wn,
	}
}

// Handle registers a handler under the root group. Panics on an empty
// method or nil handler, as both are programming errors.
func (wn *WebsocketNode) Handle(method string, handler Handler) {
	wn.handle(method, handler)
	wn.routes[method] = []string{wn.groupId, method}
}

func (wn *WebsocketNode) handle(method string, handler Handler) {
	if method == "" {
		panic("websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("websocket handler cannot be nil for method %s", method))
	}

	wn.handlerChain[method] = []Handler{handler}
}

// Use appends middleware that runs before every handler on the node.
func (wn *WebsocketNode) Use(middleware Handler) {
	wn.use(wn.groupId, middleware)
}

func (wn *WebsocketNode) use(groupId string, middleware Handler) {
	if middleware == nil {
		panic("websocket middleware handler cannot be nil")
	}

	if _, exists := wn.handlerChain[groupId]; !exists {
		wn.handlerChain[groupId] = []Handler{}
	}

	wn.handlerChain[groupId] = append(wn.handlerChain[groupId], middleware)
}

// Notify signs a notification payload and publishes it to every connection
// the user has. Notifications carry RequestID zero.
func (wn *WebsocketNode) Notify(userID, method string, params Params) {
	message, err := prepareRawNotification(wn.cfg.Signer, method, params)
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare notification message", "error", err, "userID", userID, "method", method)
		return
	}

	wn.connHub.Publish(userID, message)
}

// getSendResponseFunc binds a notification sender to one connection.
func (wn *WebsocketNode) getSendResponseFunc(conn Connection) SendResponseFunc {
	return func(method string, params Params) {
		responseBytes, err := prepareRawNotification(wn.cfg.Signer, method, params)
		if err != nil {
			wn.cfg.Logger.Error("failed to prepare notification message", "error", err, "method", method)
			return
		}

		if conn == nil {
			wn.cfg.Logger.Error("connection is nil, cannot send message", "method", method)
			return
		}

		conn.WriteRawResponse(responseBytes)
	}
}

// sendErrorResponse writes a coded protocol error before any handler runs.
func (wn *WebsocketNode) sendErrorResponse(conn Connection, requestID uint64, rpcErr Error) {
	if conn == nil {
		wn.cfg.Logger.Error("connection is nil, cannot send error response", "requestID", requestID)
		return
	}

	res := NewErrorResponse(requestID, rpcErr)
	responseBytes, err := prepareRawResponse(wn.cfg.Signer, res.Res)
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare error response", "error", err)
		return
	}

	conn.WriteRawResponse(responseBytes)
}

// handlePing replies pong after the middleware chain has run.
func (wn *WebsocketNode) handlePing(ctx *Context) {
	ctx.Next()
	ctx.Succeed(PongMethod.String(), nil)
}

// prepareRawNotification signs a payload with RequestID zero.
func prepareRawNotification(signer sign.Signer, method string, params Params) ([]byte, error) {
	payload := NewPayload(0, method, params)

	return prepareRawResponse(signer, payload)
}

// WebsocketHandlerGroup is a named slice of the node's routing table. A
// method registered on a group runs the root middleware, every ancestor
// group's middleware, the group's own middleware and finally the handler.
type WebsocketHandlerGroup struct {
	groupId     string
	routePrefix []string
	root        *WebsocketNode
}

// NewGroup creates a nested group inheriting this group's chain.
func (hg *WebsocketHandlerGroup) NewGroup(name string) HandlerGroup {
	prefix := make([]string, 0, len(hg.routePrefix)+1)
	prefix = append(prefix, hg.routePrefix...)
	prefix = append(prefix, hg.groupId)

	return &WebsocketHandlerGroup{
		groupId:     fmt.Sprintf("%s.%s", hg.groupId, name),
		routePrefix: prefix,
		root:        hg.root,
	}
}

// Handle registers a handler whose route runs through this group's chain.
// Method names are global across the node.
func (hg *WebsocketHandlerGroup) Handle(method string, handler Handler) {
	route := make([]string, 0, len(hg.routePrefix)+2)
	route = append(route, hg.routePrefix...)
	route = append(route, hg.groupId, method)

	hg.root.routes[method] = route
	hg.root.handle(method, handler)
}

// Use appends middleware to this group.
func (hg *WebsocketHandlerGroup) Use(middleware Handler) {
	hg.root.use(hg.groupId, middleware)
}
