package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/layer-3/tollgate/pkg/rpc"
)

const (
	jwtIssuer = "tollgate"

	defaultChallengeTTL = 5 * time.Minute
	defaultSessionTTL   = 24 * time.Hour
	authSweepInterval   = 10 * time.Minute

	// maxPendingChallenges caps the challenge map so unauthenticated peers
	// cannot grow it without bound.
	maxPendingChallenges = 1000

	// usedChallengeGrace keeps a consumed challenge around briefly so a
	// duplicate submission gets "already used" instead of "not found".
	usedChallengeGrace = 30 * time.Second
)

// Challenge is a pending authentication challenge. The wallet proves control
// of its key by signing the challenge token as EIP-712 typed data.
type Challenge struct {
	Token               uuid.UUID       // Random challenge token
	Address             string          // Wallet this challenge was created for
	SessionKey          string          // Session key the wallet delegates to
	Application         string          // Application that opened the connection
	Allowances          []rpc.Allowance // Spending caps granted to the session key
	Scope               string          // Policy scope
	SessionKeyExpiresAt uint64          // Session key expiration Unix timestamp (in seconds)
	CreatedAt           time.Time       // When the challenge was created
	ChallengeExpiresAt  time.Time       // When the challenge expires
	Completed           bool            // Whether the challenge has been used
}

// AuthManager issues and validates authentication challenges, tracks
// authenticated sessions and signs session JWTs.
type AuthManager struct {
	mu            sync.RWMutex
	challenges    map[uuid.UUID]*Challenge
	authSessions  map[string]time.Time // address -> last active time
	challengeTTL  time.Duration
	maxChallenges int
	sessionTTL    time.Duration

	authSigningKey *ecdsa.PrivateKey
}

type JWTClaims struct {
	Policy Policy `json:"policy"`
	jwt.RegisteredClaims
}

// Policy is the session grant embedded in every JWT.
type Policy struct {
	Wallet      string          `json:"wallet"`      // Main wallet address authorizing the session
	SessionKey  string          `json:"session_key"` // Delegated session key address
	Scope       string          `json:"scope"`       // Permission scope (e.g., "app.create", "ledger.readonly")
	Application string          `json:"application"` // Application name or public address
	Allowances  []rpc.Allowance `json:"allowance"`   // Per-asset spending caps
	ExpiresAt   time.Time       `json:"expiration"`  // Session key expiration
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(signingKey *ecdsa.PrivateKey) (*AuthManager, error) {
	am := &AuthManager{
		challenges:     make(map[uuid.UUID]*Challenge),
		authSessions:   make(map[string]time.Time),
		challengeTTL:   defaultChallengeTTL,
		maxChallenges:  maxPendingChallenges,
		sessionTTL:     defaultSessionTTL,
		authSigningKey: signingKey,
	}

	go am.sweepLoop()
	return am, nil
}

func normalizeHexAddress(address string) string {
	if strings.HasPrefix(address, "0x") {
		return address
	}
	return "0x" + address
}

// GenerateChallenge creates a new challenge for a specific address
func (am *AuthManager) GenerateChallenge(
	address string,
	sessionKey string,
	application string,
	allowances []rpc.Allowance,
	scope string,
	expiresAt uint64,
) (uuid.UUID, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if len(am.challenges) >= am.maxChallenges {
		return uuid.UUID{}, errors.New("too many pending challenges")
	}

	now := time.Now()
	challenge := &Challenge{
		Token:               uuid.New(),
		Address:             normalizeHexAddress(address),
		SessionKey:          sessionKey,
		Application:         application,
		Allowances:          allowances,
		Scope:               scope,
		SessionKeyExpiresAt: expiresAt,
		CreatedAt:           now,
		ChallengeExpiresAt:  now.Add(am.challengeTTL),
	}
	am.challenges[challenge.Token] = challenge

	return challenge.Token, nil
}

func (am *AuthManager) GetChallenge(challengeToken uuid.UUID) (*Challenge, error) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	challenge, ok := am.challenges[challengeToken]
	if !ok {
		return nil, errors.New("challenge not found")
	}
	return challenge, nil
}

// ValidateChallenge checks the recovered signer against the challenge and
// consumes it. A challenge is single use.
func (am *AuthManager) ValidateChallenge(challengeToken uuid.UUID, recoveredSigner string) error {
	recoveredSigner = normalizeHexAddress(recoveredSigner)

	am.mu.Lock()
	defer am.mu.Unlock()

	challenge, ok := am.challenges[challengeToken]
	if !ok {
		return errors.New("challenge not found")
	}
	if !strings.EqualFold(challenge.Address, recoveredSigner) {
		return fmt.Errorf("challenge address mismatch, expected %s, got %s", challenge.Address, recoveredSigner)
	}

	now := time.Now()
	if now.After(challenge.ChallengeExpiresAt) {
		delete(am.challenges, challengeToken)
		return errors.New("challenge expired")
	}
	if challenge.Completed {
		delete(am.challenges, challengeToken)
		return errors.New("challenge already used")
	}

	challenge.Completed = true
	challenge.ChallengeExpiresAt = now.Add(usedChallengeGrace)
	am.authSessions[recoveredSigner] = now

	return nil
}

func (am *AuthManager) registerAuthSession(address string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.authSessions[address] = time.Now()
}

// ValidateSession checks if a session is valid
func (am *AuthManager) ValidateSession(address string) bool {
	am.mu.RLock()
	defer am.mu.RUnlock()

	lastActive, ok := am.authSessions[address]
	return ok && time.Now().Before(lastActive.Add(am.sessionTTL))
}

// UpdateSession updates the last active time for a session
func (am *AuthManager) UpdateSession(address string) bool {
	am.mu.Lock()
	defer am.mu.Unlock()

	if _, ok := am.authSessions[address]; !ok {
		return false
	}
	am.authSessions[address] = time.Now()
	return true
}

func (am *AuthManager) GenerateJWT(address, sessionKey, scope, application string, allowances []rpc.Allowance, sessionKeyExpiresAt uint64) (*JWTClaims, string, error) {
	now := time.Now()
	claims := JWTClaims{
		Policy: Policy{
			Wallet:      address,
			SessionKey:  sessionKey,
			Scope:       scope,
			Application: application,
			Allowances:  allowances,
			ExpiresAt:   time.Unix(int64(sessionKeyExpiresAt), 0),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(am.sessionTTL)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(am.authSigningKey)
	if err != nil {
		return nil, "", err
	}
	return &claims, tokenString, nil
}

func (am *AuthManager) VerifyJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &am.authSigningKey.PublicKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid JWT token claims")
	}
	if err := am.validateClaims(claims); err != nil {
		return nil, err
	}

	am.registerAuthSession(claims.Policy.Wallet)

	return claims, nil
}

func (am *AuthManager) validateClaims(claims *JWTClaims) error {
	issuer, err := claims.GetIssuer()
	if err != nil {
		return errors.New("failed to get issuer from JWT token claims")
	}
	if issuer != jwtIssuer {
		return errors.New("invalid JWT token claims")
	}

	expiration, err := claims.GetExpirationTime()
	if err != nil {
		return errors.New("failed to get expiration from JWT token claims")
	}
	if expiration.Before(time.Now()) {
		return errors.New("expired JWT token")
	}

	return nil
}

// sweepLoop periodically drops expired challenges and idle sessions.
func (am *AuthManager) sweepLoop() {
	ticker := time.NewTicker(authSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()

		am.mu.Lock()
		for token, challenge := range am.challenges {
			if now.After(challenge.ChallengeExpiresAt) {
				delete(am.challenges, token)
			}
		}
		for addr, lastActive := range am.authSessions {
			if now.After(lastActive.Add(am.sessionTTL)) {
				delete(am.authSessions, addr)
			}
		}
		am.mu.Unlock()
	}
}
