package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
)

// ConnectionStoragePolicyKey is where the auth policy of a connection lives
// in its session storage.
var ConnectionStoragePolicyKey = "connection_auth_policy"

// RPCRouter wires every RPC method to its handler and carries the shared
// dependencies the handlers need. It owns no state of its own beyond the
// message de-duplication cache.
type RPCRouter struct {
	Node              rpc.Node
	Config            *Config
	Signer            *Signer
	AppSessionService *AppSessionService
	ChannelService    *ChannelService
	DB                *gorm.DB
	AuthManager       *AuthManager
	Metrics           *Metrics
	RPCStore          *RPCStore
	wsNotifier        *WSNotifier
	MessageCache      *MessageCache

	lg log.Logger
}

func NewRPCRouter(
	node rpc.Node,
	conf *Config,
	signer *Signer,
	appSessionService *AppSessionService,
	channelService *ChannelService,
	db *gorm.DB,
	authManager *AuthManager,
	metrics *Metrics,
	rpcStore *RPCStore,
	wsNotifier *WSNotifier,
	logger log.Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:              node,
		Config:            conf,
		Signer:            signer,
		AppSessionService: appSessionService,
		ChannelService:    channelService,
		DB:                db,
		wsNotifier:        wsNotifier,
		AuthManager:       authManager,
		Metrics:           metrics,
		RPCStore:          rpcStore,
		MessageCache:      NewMessageCache(time.Duration(conf.msgExpiryTime) * time.Second),
		lg:                logger.WithName("rpc-router"),
	}

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Use(r.MetricsMiddleware)
	r.Node.Handle(rpc.GetConfigMethod.String(), r.HandleGetConfig)
	r.Node.Handle(rpc.GetAssetsMethod.String(), r.HandleGetAssets)
	r.Node.Handle(rpc.GetAppDefinitionMethod.String(), r.HandleGetAppDefinition)
	r.Node.Handle(rpc.GetAppSessionsMethod.String(), r.HandleGetAppSessions)
	r.Node.Handle(rpc.GetChannelsMethod.String(), r.HandleGetChannels)
	r.Node.Handle(rpc.GetLedgerEntriesMethod.String(), r.HandleGetLedgerEntries)
	r.Node.Handle(rpc.GetLedgerTransactionsMethod.String(), r.HandleGetLedgerTransactions)
	r.Node.Handle(rpc.AuthRequestMethod.String(), r.HandleAuthRequest)
	r.Node.Handle(rpc.AuthVerifyMethod.String(), r.HandleAuthVerify)

	testModeGroup := r.Node.NewGroup("test_mode")
	testModeGroup.Use(r.TestModeMiddleware)
	testModeGroup.Handle(rpc.CleanupSessionKeyCacheMethod.String(), r.HandleCleanupSessionKeyCache)

	privGroup := r.Node.NewGroup("private")
	privGroup.Use(r.AuthMiddleware)

	privGroup.Handle(rpc.GetUserTagMethod.String(), r.HandleGetUserTag)
	privGroup.Handle(rpc.GetLedgerBalancesMethod.String(), r.HandleGetLedgerBalances)
	privGroup.Handle(rpc.GetRPCHistoryMethod.String(), r.HandleGetRPCHistory)
	privGroup.Handle(rpc.GetSessionKeysMethod.String(), r.HandleGetSessionKeys)
	privGroup.Handle(rpc.RevokeSessionKeyMethod.String(), r.HandleRevokeSessionKey)

	historyGroup := privGroup.NewGroup("")
	historyGroup.Use(r.HistoryMiddleware)
	historyGroup.Handle(rpc.CreateChannelMethod.String(), r.HandleCreateChannel)
	historyGroup.Handle(rpc.ResizeChannelMethod.String(), r.HandleResizeChannel)
	historyGroup.Handle(rpc.CloseChannelMethod.String(), r.HandleCloseChannel)

	appSessionGroup := historyGroup.NewGroup("app_session")
	appSessionGroup.Use(r.BalanceUpdateMiddleware)
	appSessionGroup.Handle(rpc.TransferMethod.String(), r.HandleTransfer)
	appSessionGroup.Handle(rpc.CreateAppSessionMethod.String(), r.HandleCreateApplication)
	appSessionGroup.Handle(rpc.SubmitAppStateMethod.String(), r.HandleSubmitAppState)
	appSessionGroup.Handle(rpc.CloseAppSessionMethod.String(), r.HandleCloseApplication)

	return r
}

// HandleConnect pushes the supported asset list to every fresh connection.
func (r *RPCRouter) HandleConnect(send rpc.SendResponseFunc) {
	r.Metrics.ConnectionsTotal.Inc()
	r.Metrics.ConnectedClients.Inc()

	respAssets := []rpc.Asset{}
	for _, asset := range r.Config.assets.Assets {
		for _, token := range asset.Tokens {
			respAssets = append(respAssets, rpc.Asset{
				Symbol:   asset.Symbol,
				ChainID:  token.BlockchainID,
				Token:    token.Address,
				Decimals: token.Decimals,
			})
		}
	}

	params, err := rpc.NewParams(rpc.AssetsSnapshotNotification{Assets: respAssets})
	if err != nil {
		r.lg.Error("failed to encode assets snapshot", "error", err)
		return
	}
	send(rpc.AssetsSnapshotEvent.String(), params)
}

func (r *RPCRouter) HandleDisconnect(userID string) {
	r.Metrics.ConnectedClients.Dec()
}

// HandleAuthenticated snapshots open channels and balances to a connection
// that just authenticated.
func (r *RPCRouter) HandleAuthenticated(userID string, send rpc.SendResponseFunc) {
	walletAddress := userID

	channels, err := getChannelsByWallet(r.DB, walletAddress, string(rpc.ChannelStatusOpen))
	if err != nil {
		r.lg.Error("error retrieving channels for participant", "error", err)
	}

	respChannels := []rpc.Channel{}
	for _, ch := range channels {
		respChannels = append(respChannels, ch.ToRPC())
	}

	channelsParams, err := rpc.NewParams(rpc.ChannelsSnapshotNotification{Channels: respChannels})
	if err != nil {
		r.lg.Error("failed to encode channels snapshot", "error", err)
		return
	}
	send(rpc.ChannelsSnapshotEvent.String(), channelsParams)

	balances, err := GetWalletLedger(r.DB, common.HexToAddress(walletAddress)).GetBalances(NewAccountID(walletAddress))
	if err != nil {
		r.lg.Error("error getting balances", "sender", walletAddress, "error", err)
		return
	}
	balanceParams, err := rpc.NewParams(rpc.BalanceUpdateNotification{BalanceUpdates: balances})
	if err != nil {
		r.lg.Error("failed to encode balance update", "error", err)
		return
	}
	send(rpc.BalanceUpdateEvent.String(), balanceParams)
}

func (r *RPCRouter) HandleMessageSent(_ []byte) {
	r.Metrics.MessageSent.Inc()
}

func (r *RPCRouter) LoggerMiddleware(c *rpc.Context) {
	logger := r.lg.WithKV("requestID", c.Request.Req.RequestID)
	c.Context = log.SetContextLogger(c.Context, logger)

	c.Next()

	if c.Response.Res.Method == "" {
		logger.Warn("RPC response is empty",
			"userID", c.UserID,
			"method", c.Request.Req.Method,
		)
		return
	}

	if c.Response.Res.Method == rpc.ErrorMethod.String() {
		logger.Warn("failed to handle RPC request",
			"userID", c.UserID,
			"method", c.Request.Req.Method,
			"error", c.Response.Res.Params,
		)
	}
}

func (r *RPCRouter) MetricsMiddleware(c *rpc.Context) {
	r.Metrics.MessageReceived.Inc()

	reqMethod := c.Request.Req.Method
	c.Next()

	status := "success"
	if c.Response.Res.Method == rpc.ErrorMethod.String() {
		status = "failure"
	}

	r.Metrics.RPCRequests.WithLabelValues(reqMethod, status).Inc()
}

// HistoryMiddleware records the request and response of mutating methods,
// signatures included, so users can audit what their keys authorized.
func (r *RPCRouter) HistoryMiddleware(c *rpc.Context) {
	logger := log.FromContext(c.Context)

	req := c.Request.Req
	reqSig := c.Request.Sig
	c.Next()

	resRaw, err := json.Marshal(c.Response)
	if err != nil {
		logger.Error("failed to marshal response", "error", err)
		return
	}

	if err := r.RPCStore.StoreMessage(c.UserID, &req, reqSig, resRaw, c.Response.Sig); err != nil {
		logger.Error("failed to store RPC message", "error", err)
	}
}

func (r *RPCRouter) TestModeMiddleware(c *rpc.Context) {
	if r.Config.mode != ModeTest {
		c.Fail(nil, "test mode endpoints are disabled")
		return
	}

	c.Next()
}

func (r *RPCRouter) HandleCleanupSessionKeyCache(c *rpc.Context) {
	sessionKeyCache.Clear()
	c.Succeed(c.Request.Req.Method, nil)
}

var requestValidator = newRequestValidator()

// newRequestValidator registers the custom rules request structs use. The
// bigint rule rejects decimals that do not fit an integer, catching raw
// amounts sent with fractional parts.
func newRequestValidator() *validator.Validate {
	validate := validator.New()

	if err := validate.RegisterValidation("bigint", func(fl validator.FieldLevel) bool {
		n := new(big.Int)
		_, ok := n.SetString(fmt.Sprint(fl.Field()), 10)
		return ok
	}); err != nil {
		panic(fmt.Sprintf("failed to register bigint validation: %v", err))
	}
	return validate
}

// succeed encodes result and sets it as the success response. Encoding
// failures become internal errors; handlers treat succeed as final.
func succeed(c *rpc.Context, method string, result any) {
	params, err := rpc.NewParams(result)
	if err != nil {
		c.Fail(err, "failed to encode response")
		return
	}
	c.Succeed(method, params)
}

// parseParams translates params into the method's request struct and runs
// its validation tags. Failures surface as invalid_params.
func parseParams(params rpc.Params, unmarshalTo any) error {
	if err := params.Translate(unmarshalTo); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "failed to parse parameters: %v", err)
	}

	if err := requestValidator.Struct(unmarshalTo); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "invalid parameters: %v", err)
	}

	return nil
}
