package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/sign"
)

// Client wraps a Dialer with typed methods for every broker operation plus
// event handler registration. It is safe for concurrent use.
//
// Typical setup:
//
//	dialer := rpc.NewWebsocketDialer(rpc.DefaultWebsocketDialerConfig)
//	client := rpc.NewClient(dialer)
//	client.HandleBalanceUpdateEvent(onBalanceUpdate)
//	if err := client.Start(ctx, "wss://broker.example.com/ws", onClose); err != nil {
//		return err
//	}
//	config, _, err := client.GetConfig(ctx)
type Client struct {
	dialer        Dialer
	eventHandlers map[Event]any
	// mu guards eventHandlers.
	mu sync.RWMutex
}

// NewClient wraps an existing dialer. Connect with Start or by dialing the
// dialer directly.
func NewClient(dialer Dialer) *Client {
	return &Client{
		dialer:        dialer,
		eventHandlers: make(map[Event]any),
	}
}

// Start connects to url and begins dispatching notifications to registered
// handlers. It returns once connected; handleClosure fires when the
// connection ends.
func (c *Client) Start(ctx context.Context, url string, handleClosure func(err error)) error {
	parentCtx, cancel := context.WithCancel(ctx)
	childHandleClosure := func(err error) {
		cancel()
		handleClosure(err)
	}

	if err := c.dialer.Dial(parentCtx, url, childHandleClosure); err != nil {
		return err
	}

	go c.listenEvents(parentCtx)

	return nil
}

// BalanceUpdateEventHandler consumes balance change notifications.
type BalanceUpdateEventHandler func(ctx context.Context, notif BalanceUpdateNotification, resSig []sign.Signature)

// ChannelUpdateEventHandler consumes channel state change notifications.
type ChannelUpdateEventHandler func(ctx context.Context, notif ChannelUpdateNotification, resSig []sign.Signature)

// AppSessionUpdateEventHandler consumes app session change notifications.
type AppSessionUpdateEventHandler func(ctx context.Context, notif AppSessionUpdateNotification, resSig []sign.Signature)

// TransferEventHandler consumes transfer notifications, incoming and
// outgoing.
type TransferEventHandler func(ctx context.Context, notif TransferNotification, resSig []sign.Signature)

// AssetsSnapshotEventHandler consumes the asset list pushed on connect.
type AssetsSnapshotEventHandler func(ctx context.Context, notif AssetsSnapshotNotification, resSig []sign.Signature)

// ChannelsSnapshotEventHandler consumes the channel list pushed after
// authentication.
type ChannelsSnapshotEventHandler func(ctx context.Context, notif ChannelsSnapshotNotification, resSig []sign.Signature)

// listenEvents drains the dialer's event channel and dispatches each
// notification to its registered handler. Started by Start.
func (c *Client) listenEvents(ctx context.Context) {
	logger := log.FromContext(ctx)
	eventCh := c.dialer.EventCh()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventCh:
			if event == nil {
				continue
			}

			switch event.Res.Method {
			case BalanceUpdateEvent.String():
				dispatchEvent[BalanceUpdateEventHandler, BalanceUpdateNotification](c, ctx, BalanceUpdateEvent, event)
			case ChannelUpdateEvent.String():
				dispatchEvent[ChannelUpdateEventHandler, ChannelUpdateNotification](c, ctx, ChannelUpdateEvent, event)
			case AppSessionUpdateEvent.String():
				dispatchEvent[AppSessionUpdateEventHandler, AppSessionUpdateNotification](c, ctx, AppSessionUpdateEvent, event)
			case TransferEvent.String():
				dispatchEvent[TransferEventHandler, TransferNotification](c, ctx, TransferEvent, event)
			case AssetsSnapshotEvent.String():
				dispatchEvent[AssetsSnapshotEventHandler, AssetsSnapshotNotification](c, ctx, AssetsSnapshotEvent, event)
			case ChannelsSnapshotEvent.String():
				dispatchEvent[ChannelsSnapshotEventHandler, ChannelsSnapshotNotification](c, ctx, ChannelsSnapshotEvent, event)
			default:
				logger.Warn("unknown event received", "method", event.Res.Method)
			}
		}
	}
}

// Ping checks connectivity. The broker answers pong.
func (c *Client) Ping(ctx context.Context) ([]sign.Signature, error) {
	var resSig []sign.Signature
	res, err := c.call(ctx, PingMethod, nil)
	if err != nil {
		return resSig, err
	}
	resSig = res.Sig

	if res.Res.Method != string(PongMethod) {
		return resSig, fmt.Errorf("unexpected response method: %s", res.Res.Method)
	}

	return resSig, nil
}

// GetConfig fetches the broker's identity and supported networks.
func (c *Client) GetConfig(ctx context.Context) (GetConfigResponse, []sign.Signature, error) {
	return callTranslated[GetConfigResponse](c, ctx, GetConfigMethod, nil)
}

// GetAssets fetches supported assets, optionally narrowed to one chain.
func (c *Client) GetAssets(ctx context.Context, reqParams GetAssetsRequest) (GetAssetsResponse, []sign.Signature, error) {
	return callTranslated[GetAssetsResponse](c, ctx, GetAssetsMethod, &reqParams)
}

// GetAppDefinition fetches one app session's definition.
func (c *Client) GetAppDefinition(ctx context.Context, reqParams GetAppDefinitionRequest) (GetAppDefinitionResponse, []sign.Signature, error) {
	return callTranslated[GetAppDefinitionResponse](c, ctx, GetAppDefinitionMethod, &reqParams)
}

// GetAppSessions lists app sessions matching the filters.
func (c *Client) GetAppSessions(ctx context.Context, reqParams GetAppSessionsRequest) (GetAppSessionsResponse, []sign.Signature, error) {
	return callTranslated[GetAppSessionsResponse](c, ctx, GetAppSessionsMethod, &reqParams)
}

// GetChannels lists channels matching the filters.
func (c *Client) GetChannels(ctx context.Context, reqParams GetChannelsRequest) (GetChannelsResponse, []sign.Signature, error) {
	return callTranslated[GetChannelsResponse](c, ctx, GetChannelsMethod, &reqParams)
}

// GetLedgerEntries lists bookkeeping entries matching the filters.
func (c *Client) GetLedgerEntries(ctx context.Context, reqParams GetLedgerEntriesRequest) (GetLedgerEntriesResponse, []sign.Signature, error) {
	return callTranslated[GetLedgerEntriesResponse](c, ctx, GetLedgerEntriesMethod, &reqParams)
}

// GetLedgerTransactions lists ledger transactions matching the filters.
func (c *Client) GetLedgerTransactions(ctx context.Context, reqParams GetLedgerTransactionsRequest) (GetLedgerTransactionsResponse, []sign.Signature, error) {
	return callTranslated[GetLedgerTransactionsResponse](c, ctx, GetLedgerTransactionsMethod, &reqParams)
}

// AuthWithSig runs the full wallet authentication handshake: request a
// challenge, sign it as EIP-712 typed data with the wallet signer, verify.
// The signer must hold the wallet key named in reqParams.Address; the
// session key in reqParams is what signs everything afterwards.
//
//	authRes, _, err := client.AuthWithSig(ctx, AuthRequestRequest{
//		Address:     wallet.PublicKey().Address().String(),
//		SessionKey:  session.PublicKey().Address().String(),
//		Application: "my-app",
//		Allowances:  []Allowance{{Asset: "usdc", Amount: "1000"}},
//	}, wallet)
func (c *Client) AuthWithSig(ctx context.Context, reqParams AuthRequestRequest, signer sign.Signer) (AuthSigVerifyResponse, []sign.Signature, error) {
	challengeRes, _, err := c.authRequest(ctx, reqParams)
	if err != nil {
		return AuthSigVerifyResponse{}, nil, fmt.Errorf("authentication request failed: %w", err)
	}

	chSig, err := signChallenge(signer, reqParams, challengeRes.ChallengeMessage.String())
	if err != nil {
		return AuthSigVerifyResponse{}, nil, fmt.Errorf("failed to sign challenge: %w", err)
	}

	verifyReq := AuthSigVerifyRequest{
		Challenge: challengeRes.ChallengeMessage,
	}
	return c.authSigVerify(ctx, verifyReq, chSig)
}

func (c *Client) authRequest(ctx context.Context, reqParams AuthRequestRequest) (AuthRequestResponse, []sign.Signature, error) {
	var resParams AuthRequestResponse
	var resSig []sign.Signature

	res, err := c.call(ctx, AuthRequestMethod, &reqParams)
	if err != nil {
		return resParams, resSig, err
	}
	resSig = res.Sig

	if res.Res.Method != string(AuthChallengeMethod) {
		return resParams, resSig, fmt.Errorf("unexpected response method: %s", res.Res.Method)
	}

	if err := res.Res.Params.Translate(&resParams); err != nil {
		return resParams, resSig, err
	}

	return resParams, res.Sig, nil
}

func (c *Client) authSigVerify(ctx context.Context, reqParams AuthSigVerifyRequest, reqSig sign.Signature) (AuthSigVerifyResponse, []sign.Signature, error) {
	var resParams AuthSigVerifyResponse
	var resSig []sign.Signature

	res, err := c.call(ctx, AuthVerifyMethod, &reqParams, reqSig)
	if err != nil {
		return resParams, resSig, err
	}
	resSig = res.Sig

	if err := res.Res.Params.Translate(&resParams); err != nil {
		return resParams, resSig, err
	}

	return resParams, res.Sig, nil
}

// AuthJWTVerify authenticates the connection with a previously issued JWT,
// sparing the wallet another signature.
func (c *Client) AuthJWTVerify(ctx context.Context, reqParams AuthJWTVerifyRequest) (AuthJWTVerifyResponse, []sign.Signature, error) {
	return callTranslated[AuthJWTVerifyResponse](c, ctx, AuthVerifyMethod, &reqParams)
}

// GetUserTag fetches the caller's transfer tag. Requires authentication.
func (c *Client) GetUserTag(ctx context.Context) (GetUserTagResponse, []sign.Signature, error) {
	return callTranslated[GetUserTagResponse](c, ctx, GetUserTagMethod, nil)
}

// GetSessionKeys lists the caller's session keys with allowance usage.
// Requires authentication.
func (c *Client) GetSessionKeys(ctx context.Context, reqParams GetSessionKeysRequest) (GetSessionKeysResponse, []sign.Signature, error) {
	return callTranslated[GetSessionKeysResponse](c, ctx, GetSessionKeysMethod, &reqParams)
}

// RevokeSessionKey invalidates one of the caller's session keys before its
// expiry. Requires authentication with the wallet, not the key being
// revoked.
func (c *Client) RevokeSessionKey(ctx context.Context, reqParams RevokeSessionKeyRequest) (RevokeSessionKeyResponse, []sign.Signature, error) {
	return callTranslated[RevokeSessionKeyResponse](c, ctx, RevokeSessionKeyMethod, &reqParams)
}

// GetLedgerBalances fetches the caller's balances per asset. Requires
// authentication.
func (c *Client) GetLedgerBalances(ctx context.Context, reqParams GetLedgerBalancesRequest) (GetLedgerBalancesResponse, []sign.Signature, error) {
	return callTranslated[GetLedgerBalancesResponse](c, ctx, GetLedgerBalancesMethod, &reqParams)
}

// GetRPCHistory pages through the caller's recorded calls. Requires
// authentication.
func (c *Client) GetRPCHistory(ctx context.Context, reqParams GetRPCHistoryRequest) (GetRPCHistoryResponse, []sign.Signature, error) {
	return callTranslated[GetRPCHistoryResponse](c, ctx, GetRPCHistoryMethod, &reqParams)
}

// CreateChannel submits a pre-signed create_channel request. The broker
// replies with the unsigned initial state and its signature; the caller
// countersigns and takes both to the custody contract.
//
// The request is pre-signed because the session key must sign the payload
// hash itself:
//
//	payload, _ := client.PreparePayload(CreateChannelMethod, createReq)
//	hash, _ := payload.Hash()
//	sig, _ := sessionSigner.Sign(hash)
//	req := rpc.NewRequest(payload, sig)
//	res, _, err := client.CreateChannel(ctx, &req)
func (c *Client) CreateChannel(ctx context.Context, req *Request) (CreateChannelResponse, []sign.Signature, error) {
	return callSigned[CreateChannelResponse](c, ctx, CreateChannelMethod, req)
}

// ResizeChannel submits a pre-signed resize_channel request and returns the
// resize state to countersign.
func (c *Client) ResizeChannel(ctx context.Context, req *Request) (ResizeChannelResponse, []sign.Signature, error) {
	return callSigned[ResizeChannelResponse](c, ctx, ResizeChannelMethod, req)
}

// CloseChannel submits a pre-signed close_channel request and returns the
// final state to countersign.
func (c *Client) CloseChannel(ctx context.Context, req *Request) (CloseChannelResponse, []sign.Signature, error) {
	return callSigned[CloseChannelResponse](c, ctx, CloseChannelMethod, req)
}

// Transfer submits a pre-signed transfer request moving unified balance to
// another account. Off-chain, instant, no gas.
func (c *Client) Transfer(ctx context.Context, req *Request) (TransferResponse, []sign.Signature, error) {
	return callSigned[TransferResponse](c, ctx, TransferMethod, req)
}

// CreateAppSession submits a pre-signed create_app_session request. The
// payload must carry signatures from all participants with non-zero
// weight whose funds move in.
func (c *Client) CreateAppSession(ctx context.Context, req *Request) (CreateAppSessionResponse, []sign.Signature, error) {
	return callSigned[CreateAppSessionResponse](c, ctx, CreateAppSessionMethod, req)
}

// SubmitAppState submits a pre-signed submit_app_state request. Signatures
// on the payload must meet the session's quorum.
func (c *Client) SubmitAppState(ctx context.Context, req *Request) (SubmitAppStateResponse, []sign.Signature, error) {
	return callSigned[SubmitAppStateResponse](c, ctx, SubmitAppStateMethod, req)
}

// CloseAppSession submits a pre-signed close_app_session request.
// Signatures on the payload must meet the session's quorum.
func (c *Client) CloseAppSession(ctx context.Context, req *Request) (CloseAppSessionResponse, []sign.Signature, error) {
	return callSigned[CloseAppSessionResponse](c, ctx, CloseAppSessionMethod, req)
}

// CleanupSessionKeyCache flushes the broker's session key cache. Only
// available when the broker runs in test mode.
func (c *Client) CleanupSessionKeyCache(ctx context.Context) ([]sign.Signature, error) {
	var resSig []sign.Signature
	res, err := c.call(ctx, CleanupSessionKeyCacheMethod, nil)
	if err != nil {
		return resSig, err
	}
	resSig = res.Sig

	return resSig, nil
}

// call prepares an unsigned (or explicitly signed) request, sends it and
// surfaces any error the response carries.
func (c *Client) call(ctx context.Context, method Method, reqParams any, sigs ...sign.Signature) (*Response, error) {
	payload, err := c.PreparePayload(method, reqParams)
	if err != nil {
		return nil, err
	}

	req := NewRequest(
		payload,
		sigs...,
	)

	res, err := c.dialer.Call(ctx, &req)
	if err != nil {
		return nil, err
	}

	if err := res.Res.Params.Error(); err != nil {
		return nil, err
	}

	return res, nil
}

// callTranslated runs call and unmarshals the response params into T.
func callTranslated[T any](c *Client, ctx context.Context, method Method, reqParams any) (T, []sign.Signature, error) {
	var resParams T
	var resSig []sign.Signature

	res, err := c.call(ctx, method, reqParams)
	if err != nil {
		return resParams, resSig, err
	}
	resSig = res.Sig

	if err := res.Res.Params.Translate(&resParams); err != nil {
		return resParams, resSig, err
	}

	return resParams, resSig, nil
}

// callSigned forwards a caller-signed request for one expected method and
// unmarshals the response params into T.
func callSigned[T any](c *Client, ctx context.Context, method Method, req *Request) (T, []sign.Signature, error) {
	var resParams T
	var resSig []sign.Signature

	if req == nil || req.Req.Method != string(method) {
		return resParams, resSig, ErrInvalidRequestMethod
	}

	res, err := c.dialer.Call(ctx, req)
	if err != nil {
		return resParams, resSig, err
	}
	resSig = res.Sig

	if err := res.Res.Params.Error(); err != nil {
		return resParams, resSig, err
	}

	if err := res.Res.Params.Translate(&resParams); err != nil {
		return resParams, resSig, err
	}

	return resParams, resSig, nil
}

// PreparePayload packages params under a fresh random request id, ready to
// be signed and wrapped in a Request.
func (c *Client) PreparePayload(method Method, reqParams any) (Payload, error) {
	params, err := NewParams(reqParams)
	if err != nil {
		return Payload{}, err
	}

	return NewPayload(
		uint64(uuid.New().ID()),
		string(method),
		params,
	), nil
}

// HandleBalanceUpdateEvent registers the balance update handler. Each event
// type carries at most one handler; registering again replaces it.
func (c *Client) HandleBalanceUpdateEvent(handler BalanceUpdateEventHandler) {
	c.setEventHandler(BalanceUpdateEvent, handler)
}

// HandleChannelUpdateEvent registers the channel update handler.
func (c *Client) HandleChannelUpdateEvent(handler ChannelUpdateEventHandler) {
	c.setEventHandler(ChannelUpdateEvent, handler)
}

// HandleAppSessionUpdateEvent registers the app session update handler.
func (c *Client) HandleAppSessionUpdateEvent(handler AppSessionUpdateEventHandler) {
	c.setEventHandler(AppSessionUpdateEvent, handler)
}

// HandleTransferEvent registers the transfer handler.
func (c *Client) HandleTransferEvent(handler TransferEventHandler) {
	c.setEventHandler(TransferEvent, handler)
}

// HandleAssetsSnapshotEvent registers the assets snapshot handler.
func (c *Client) HandleAssetsSnapshotEvent(handler AssetsSnapshotEventHandler) {
	c.setEventHandler(AssetsSnapshotEvent, handler)
}

// HandleChannelsSnapshotEvent registers the channels snapshot handler.
func (c *Client) HandleChannelsSnapshotEvent(handler ChannelsSnapshotEventHandler) {
	c.setEventHandler(ChannelsSnapshotEvent, handler)
}

// dispatchEvent translates the notification params into N and calls the
// handler registered for the event, if any.
func dispatchEvent[H ~func(context.Context, N, []sign.Signature), N any](c *Client, ctx context.Context, eventType Event, event *Response) {
	logger := log.FromContext(ctx)
	handler, ok := c.getEventHandler(eventType).(H)
	if !ok {
		logger.Warn("no handler for event", "method", event.Res.Method)
		return
	}

	var notif N
	if err := event.Res.Params.Translate(&notif); err != nil {
		logger.Error("failed to translate event", "error", err, "method", event.Res.Method)
		return
	}

	handler(ctx, notif, event.Sig)
}

func (c *Client) setEventHandler(event Event, handler any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventHandlers[event] = handler
}

func (c *Client) getEventHandler(event Event) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.eventHandlers[event]
}

// signChallenge signs the auth challenge as EIP-712 typed data. The domain
// name is the application, the primary type the session key policy. The
// broker rebuilds the identical structure to recover the wallet.
func signChallenge(signer sign.Signer, req AuthRequestRequest, challenge string) (sign.Signature, error) {
	allowances := make([]map[string]any, len(req.Allowances))
	for i, a := range req.Allowances {
		allowances[i] = map[string]any{
			"asset":  a.Asset,
			"amount": a.Amount,
		}
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: req.Application,
		},
		Message: map[string]any{
			"challenge":   challenge,
			"scope":       req.Scope,
			"wallet":      req.Address,
			"session_key": req.SessionKey,
			"expires_at":  new(big.Int).SetUint64(req.ExpiresAt),
			"allowances":  allowances,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return sign.Signature{}, err
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return sign.Signature{}, err
	}

	return signature, nil
}
