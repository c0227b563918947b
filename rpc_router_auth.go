package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/pkg/log"
	"github.com/layer-3/tollgate/pkg/rpc"
	"github.com/layer-3/tollgate/pkg/sign"
)

// authVerifyParams accepts both auth_verify shapes: a challenge answered by
// the EIP-712 signature on the request, or a previously issued JWT.
type authVerifyParams struct {
	rpc.AuthSigVerifyRequest
	rpc.AuthJWTVerifyRequest
}

// HandleAuthRequest starts the handshake: it registers a challenge for the
// wallet and sends the token back for the wallet to sign.
func (r *RPCRouter) HandleAuthRequest(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	r.Metrics.AuthRequests.Inc()

	var authParams rpc.AuthRequestRequest
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	logger.Debug("incoming auth request",
		"addr", authParams.Address,
		"sessionKey", authParams.SessionKey,
		"application", authParams.Application,
		"rawAllowances", authParams.Allowances,
		"scope", authParams.Scope,
		"expires_at", authParams.ExpiresAt)

	token, err := r.AuthManager.GenerateChallenge(
		authParams.Address,
		authParams.SessionKey,
		authParams.Application,
		authParams.Allowances,
		authParams.Scope,
		authParams.ExpiresAt,
	)
	if err != nil {
		logger.Error("failed to generate challenge", "error", err)
		c.Fail(err, "failed to generate challenge")
		return
	}

	succeed(c, rpc.AuthChallengeMethod.String(), rpc.AuthRequestResponse{
		ChallengeMessage: token,
	})
}

// HandleAuthVerify finishes the handshake by either path and binds the
// connection to the authenticated wallet.
func (r *RPCRouter) HandleAuthVerify(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	var authParams authVerifyParams
	if err := parseParams(req.Params, &authParams); err != nil {
		c.Fail(err, "failed to parse auth parameters")
		return
	}

	var authMethod string
	var policy *Policy
	var responseData any
	var err error
	if authParams.JWT != "" {
		authMethod = "jwt"
		policy, responseData, err = r.handleAuthJWTVerify(c.Context, authParams)
	} else if len(c.Request.Sig) > 0 {
		authMethod = "signature"
		policy, responseData, err = r.handleAuthSigVerify(c.Context, c.Request.Sig[0], authParams)
	} else {
		c.Fail(rpc.NewError(rpc.CodeAuthFailed, "invalid authentication method: expected JWT or signature"), "")
		return
	}

	r.Metrics.AuthAttemptsTotal.With(prometheus.Labels{
		"auth_method": authMethod,
	}).Inc()
	if err != nil {
		r.Metrics.AuthAttemptsFail.With(prometheus.Labels{
			"auth_method": authMethod,
		}).Inc()
		c.Fail(err, "authentication failed")
		return
	}

	r.Metrics.AuthAttemptsSuccess.With(prometheus.Labels{
		"auth_method": authMethod,
	}).Inc()

	c.UserID = policy.Wallet
	c.Storage.Set(ConnectionStoragePolicyKey, policy)
	succeed(c, req.Method, responseData)
	logger.Info("authentication successful",
		"authMethod", authMethod,
		"userID", c.UserID)
}

// AuthMiddleware gates private methods: the connection must hold a live
// policy and the request timestamp must be fresh.
func (r *RPCRouter) AuthMiddleware(c *rpc.Context) {
	logger := log.FromContext(c.Context)
	req := c.Request.Req

	policy, ok := c.Storage.Get(ConnectionStoragePolicyKey)
	if !ok || policy == nil || c.UserID == "" {
		c.Fail(rpc.NewError(rpc.CodeAuthFailed, "authentication required"), "")
		return
	}

	p, ok := policy.(*Policy)
	if !ok {
		logger.Error("invalid policy type in storage", "type", fmt.Sprintf("%T", policy))
		c.Fail(nil, "invalid policy type in storage")
		return
	}

	if !r.AuthManager.ValidateSession(p.Wallet) {
		logger.Debug("session expired", "signerAddress", p.Wallet)
		c.Fail(rpc.NewError(rpc.CodeAuthFailed, "session expired, please re-authenticate"), "")
		return
	}

	r.AuthManager.UpdateSession(p.Wallet)

	if err := ValidateTimestamp(req.Timestamp, r.Config.msgExpiryTime); err != nil {
		logger.Debug("invalid message timestamp", "error", err)
		c.Fail(rpc.NewError(rpc.CodeInvalidTimestamp, "invalid message timestamp"), "")
		return
	}

	c.Next()
}

// handleAuthJWTVerify verifies the JWT and returns the policy it carries.
func (r *RPCRouter) handleAuthJWTVerify(ctx context.Context, authParams authVerifyParams) (*Policy, any, error) {
	logger := log.FromContext(ctx)

	claims, err := r.AuthManager.VerifyJWT(authParams.JWT)
	if err != nil {
		logger.Error("failed to verify JWT", "error", err)
		return nil, nil, rpc.NewError(rpc.CodeAuthFailed, "invalid JWT token")
	}

	return &claims.Policy, rpc.AuthJWTVerifyResponse{
		Address:    claims.Policy.Wallet,
		SessionKey: claims.Policy.SessionKey,
		Success:    true,
	}, nil
}

// handleAuthSigVerify verifies the challenge signature, mints the user tag
// and session key records, and issues a JWT for reconnects.
func (r *RPCRouter) handleAuthSigVerify(ctx context.Context, sig sign.Signature, authParams authVerifyParams) (*Policy, any, error) {
	logger := log.FromContext(ctx)

	challenge, err := r.AuthManager.GetChallenge(authParams.Challenge)
	if err != nil {
		logger.Error("failed to get challenge", "error", err)
		return nil, nil, rpc.NewError(rpc.CodeInvalidChallenge, "invalid challenge")
	}
	recoveredAddress, err := RecoverAddressFromEip712Signature(
		challenge.Address,
		challenge.Token.String(),
		challenge.SessionKey,
		challenge.Application,
		challenge.Allowances,
		challenge.Scope,
		challenge.SessionKeyExpiresAt,
		sig)
	if err != nil {
		logger.Error("failed to recover address from signature", "error", err)
		return nil, nil, rpc.NewError(rpc.CodeInvalidSignature, "invalid signature")
	}

	if err := r.AuthManager.ValidateChallenge(authParams.Challenge, recoveredAddress); err != nil {
		logger.Debug("challenge verification failed", "error", err)
		return nil, nil, rpc.NewError(rpc.CodeInvalidChallenge, "invalid challenge or signature")
	}

	if _, err = GenerateOrRetrieveUserTag(r.DB, challenge.Address); err != nil {
		logger.Error("failed to store user tag in db", "error", err)
		return nil, nil, fmt.Errorf("failed to store user tag in db")
	}

	claims, jwtToken, err := r.AuthManager.GenerateJWT(challenge.Address, challenge.SessionKey, challenge.Scope, challenge.Application, challenge.Allowances, challenge.SessionKeyExpiresAt)
	if err != nil {
		logger.Error("failed to generate JWT token", "error", err)
		return nil, nil, rpc.NewError(rpc.CodeInternal, "failed to generate JWT token")
	}

	// Allowances must name supported assets before the session key lands
	// in the database.
	if err := validateAllowances(&r.Config.assets, challenge.Allowances); err != nil {
		logger.Error("unsupported asset in allowances", "error", err, "allowances", challenge.Allowances)
		return nil, nil, rpc.Errorf(rpc.CodeInvalidParams, "unsupported token: %v", err)
	}

	exists, err := CheckSessionKeyExists(r.DB, challenge.Address, challenge.SessionKey)
	if err != nil {
		logger.Error("failed to check existing session key", "error", err, "sessionKey", challenge.SessionKey)
		return nil, nil, err
	}

	if !exists {
		if err := AddSessionKey(r.DB, challenge.Address, challenge.SessionKey, challenge.Application, challenge.Scope, challenge.Allowances, claims.Policy.ExpiresAt); err != nil {
			logger.Error("failed to store session key", "error", err, "sessionKey", challenge.SessionKey)
			return nil, nil, err
		}
	}

	return &claims.Policy, rpc.AuthSigVerifyResponse{
		Address:    challenge.Address,
		SessionKey: challenge.SessionKey,
		JwtToken:   jwtToken,
		Success:    true,
	}, nil
}

// ValidateTimestamp rejects request timestamps that are not 13-digit Unix
// milliseconds or are older than the expiry window.
func ValidateTimestamp(ts uint64, expirySeconds int) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > time.Duration(expirySeconds)*time.Second {
		return fmt.Errorf("timestamp expired: %s older than %d s", t.Format(time.RFC3339Nano), expirySeconds)
	}
	return nil
}

// validateAllowances checks every allowance names an enabled asset and a
// non-negative decimal amount.
func validateAllowances(assetsCfg *AssetsConfig, allowances []rpc.Allowance) error {
	if len(allowances) == 0 {
		return nil
	}

	supportedSymbols := make(map[string]bool)
	for _, asset := range assetsCfg.Assets {
		if !asset.Disabled {
			supportedSymbols[asset.Symbol] = true
		}
	}

	for _, allowance := range allowances {
		if !supportedSymbols[allowance.Asset] {
			return fmt.Errorf("asset '%s' is not supported", allowance.Asset)
		}

		amount, err := decimal.NewFromString(allowance.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount '%s' for asset '%s': %w", allowance.Amount, allowance.Asset, err)
		}

		if amount.LessThan(decimal.Zero) {
			return fmt.Errorf("allowance amount cannot be negative for asset '%s', got '%s'", allowance.Asset, allowance.Amount)
		}
	}

	return nil
}
