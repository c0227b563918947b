package rpc

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/layer-3/tollgate/pkg/sign"
)

// Version identifies a protocol revision. Clients declare one per
// application session so the broker can keep older semantics working while
// the API evolves.
type Version string

const (
	// VersionNitroRPCv0_2 is the first supported revision. The broker
	// assigns state versions itself.
	VersionNitroRPCv0_2 Version = "NitroRPC/0.2"
	// VersionNitroRPCv0_4 adds explicit intents and client-supplied
	// versions to app session updates.
	VersionNitroRPCv0_4 Version = "NitroRPC/0.4"
)

var supportedVersions = map[string]bool{
	VersionNitroRPCv0_2.String(): true,
	VersionNitroRPCv0_4.String(): true,
}

func (v Version) String() string {
	return string(v)
}

// IsSupportedVersion reports whether the broker speaks the given revision.
func IsSupportedVersion(version Version) bool {
	return supportedVersions[version.String()]
}

// Method names an operation a client can invoke on the broker.
type Method string

// Methods that require no authentication.
const (
	// PingMethod checks liveness; the broker answers with pong.
	PingMethod Method = "ping"
	// PongMethod is the reply to ping.
	PongMethod Method = "pong"
	// ErrorMethod marks a response as an error reply.
	ErrorMethod Method = "error"
	// GetConfigMethod returns broker identity and supported networks.
	GetConfigMethod Method = "get_config"
	// GetAssetsMethod returns supported tokens, optionally per chain.
	GetAssetsMethod Method = "get_assets"
	// GetAppDefinitionMethod returns the definition of one app session.
	GetAppDefinitionMethod Method = "get_app_definition"
	// GetAppSessionsMethod lists app sessions with filters.
	GetAppSessionsMethod Method = "get_app_sessions"
	// GetChannelsMethod lists payment channels with filters.
	GetChannelsMethod Method = "get_channels"
	// GetLedgerEntriesMethod lists double-entry ledger rows.
	GetLedgerEntriesMethod Method = "get_ledger_entries"
	// GetLedgerTransactionsMethod lists ledger transactions.
	GetLedgerTransactionsMethod Method = "get_ledger_transactions"
)

// Authentication handshake methods.
const (
	// AuthRequestMethod starts the handshake and yields a challenge.
	AuthRequestMethod Method = "auth_request"
	// AuthChallengeMethod carries the challenge back to the client.
	AuthChallengeMethod Method = "auth_challenge"
	// AuthVerifyMethod completes the handshake with a signature or JWT.
	AuthVerifyMethod Method = "auth_verify"
)

// Methods that require an authenticated connection.
const (
	// GetUserTagMethod returns the caller's transfer tag.
	GetUserTagMethod Method = "get_user_tag"
	// GetLedgerBalancesMethod returns unified balances per asset.
	GetLedgerBalancesMethod Method = "get_ledger_balances"
	// GetRPCHistoryMethod returns the caller's past RPC calls.
	GetRPCHistoryMethod Method = "get_rpc_history"
	// GetSessionKeysMethod lists the caller's active session keys.
	GetSessionKeysMethod Method = "get_session_keys"
	// RevokeSessionKeyMethod invalidates one session key early.
	RevokeSessionKeyMethod Method = "revoke_session_key"
	// CreateChannelMethod opens a payment channel with the broker.
	CreateChannelMethod Method = "create_channel"
	// ResizeChannelMethod changes the funds committed to a channel.
	ResizeChannelMethod Method = "resize_channel"
	// CloseChannelMethod cooperatively closes a channel.
	CloseChannelMethod Method = "close_channel"
	// TransferMethod moves unified balance to another account.
	TransferMethod Method = "transfer"
	// CreateAppSessionMethod opens a virtual application session.
	CreateAppSessionMethod Method = "create_app_session"
	// SubmitAppStateMethod posts a new app session state.
	SubmitAppStateMethod Method = "submit_app_state"
	// CloseAppSessionMethod closes an app session and redistributes funds.
	CloseAppSessionMethod Method = "close_app_session"
	// CleanupSessionKeyCacheMethod flushes cached session keys. Test mode
	// only.
	CleanupSessionKeyCacheMethod Method = "cleanup_session_key_cache"
)

func (m Method) String() string {
	return string(m)
}

// Event names an unsolicited notification pushed by the broker.
type Event string

const (
	// BalanceUpdateEvent reports new unified balances.
	BalanceUpdateEvent Event = "bu"
	// ChannelUpdateEvent reports a channel state change.
	ChannelUpdateEvent Event = "cu"
	// TransferEvent reports a transfer touching the user's account.
	TransferEvent Event = "tr"
	// AppSessionUpdateEvent reports an app session state change.
	AppSessionUpdateEvent Event = "asu"
	// AssetsSnapshotEvent carries the full asset list, sent on connect.
	AssetsSnapshotEvent Event = "assets"
	// ChannelsSnapshotEvent carries the user's channels, sent after auth.
	ChannelsSnapshotEvent Event = "channels"
)

func (e Event) String() string {
	return string(e)
}

// ============================================================================
// Public API
// ============================================================================

// GetConfigResponse is the broker configuration, usually the first thing a
// client fetches.
type GetConfigResponse BrokerConfig

// GetAssetsRequest filters the supported asset list.
type GetAssetsRequest struct {
	ChainID *uint32 `json:"chain_id,omitempty"`
}

// GetAssetsResponse lists supported assets.
type GetAssetsResponse struct {
	Assets []Asset `json:"assets"`
}

// GetAppDefinitionRequest asks for one app session's definition.
type GetAppDefinitionRequest struct {
	AppSessionID string `json:"app_session_id"`
}

// GetAppDefinitionResponse returns the session's protocol definition.
type GetAppDefinitionResponse AppDefinition

// GetAppSessionsRequest lists app sessions, optionally narrowed by
// participant wallet or status.
type GetAppSessionsRequest struct {
	ListOptions
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// GetAppSessionsResponse lists matching app sessions.
type GetAppSessionsResponse struct {
	AppSessions []AppSession `json:"app_sessions"`
}

// GetChannelsRequest lists channels, optionally narrowed by participant
// wallet or status.
type GetChannelsRequest struct {
	ListOptions
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

// GetChannelsResponse lists matching channels.
type GetChannelsResponse struct {
	Channels []Channel `json:"channels"`
}

// GetLedgerEntriesRequest lists bookkeeping entries.
type GetLedgerEntriesRequest struct {
	ListOptions
	AccountID string `json:"account_id,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Wallet    string `json:"wallet,omitempty"`
}

// GetLedgerEntriesResponse lists matching ledger entries.
type GetLedgerEntriesResponse struct {
	LedgerEntries []LedgerEntry `json:"ledger_entries"`
}

// GetLedgerTransactionsRequest lists ledger transactions.
type GetLedgerTransactionsRequest struct {
	ListOptions
	AccountID string `json:"account_id,omitempty"`
	Asset     string `json:"asset,omitempty"`
	TxType    string `json:"tx_type,omitempty"`
}

// GetLedgerTransactionsResponse lists matching transactions.
type GetLedgerTransactionsResponse struct {
	LedgerTransactions []LedgerTransaction `json:"ledger_transactions"`
}

// ============================================================================
// Authentication API
// ============================================================================

// AuthRequestRequest opens the authentication handshake. The wallet vouches
// for the session key; subsequent requests are signed with the session key
// alone.
type AuthRequestRequest struct {
	// Address is the wallet being authenticated.
	Address string `json:"address"`
	// SessionKey is the ephemeral key the wallet delegates to.
	SessionKey string `json:"session_key"`
	// Application names the app requesting access. It becomes the EIP-712
	// domain name.
	Application string `json:"application"`
	// Allowances cap what the session key may spend per asset.
	Allowances []Allowance `json:"allowances"`
	// ExpiresAt is the Unix time the delegation lapses.
	ExpiresAt uint64 `json:"expires_at"`
	// Scope restricts what the session key may do.
	Scope string `json:"scope"`
}

// AuthRequestResponse carries the challenge to sign.
type AuthRequestResponse struct {
	ChallengeMessage uuid.UUID `json:"challenge_message"`
}

// AuthSigVerifyRequest answers the challenge with an EIP-712 signature in
// the request's signature slot.
type AuthSigVerifyRequest struct {
	Challenge uuid.UUID `json:"challenge"`
}

// AuthSigVerifyResponse reports the handshake outcome and a JWT for
// reconnects.
type AuthSigVerifyResponse struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	JwtToken   string `json:"jwt_token"`
	Success    bool   `json:"success"`
}

// AuthJWTVerifyRequest authenticates with a previously issued JWT.
type AuthJWTVerifyRequest struct {
	JWT string `json:"jwt"`
}

// AuthJWTVerifyResponse reports the JWT verification outcome.
type AuthJWTVerifyResponse struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
}

// ============================================================================
// Private API
// ============================================================================

// GetUserTagResponse returns the caller's transfer tag.
type GetUserTagResponse struct {
	Tag string `json:"tag"`
}

// GetLedgerBalancesRequest asks for balances, by default the caller's
// unified account.
type GetLedgerBalancesRequest struct {
	AccountID string `json:"account_id,omitempty"`
}

// GetLedgerBalancesResponse lists balances per asset.
type GetLedgerBalancesResponse struct {
	LedgerBalances []LedgerBalance `json:"ledger_balances"`
}

// GetRPCHistoryRequest pages through the caller's RPC history.
type GetRPCHistoryRequest struct {
	ListOptions
}

// GetRPCHistoryResponse lists recorded calls, newest first by default.
type GetRPCHistoryResponse struct {
	RPCEntries []HistoryEntry `json:"rpc_entries"`
}

// GetSessionKeysRequest lists the caller's session keys. No parameters.
type GetSessionKeysRequest struct{}

// GetSessionKeysResponse lists active session keys with allowance usage.
type GetSessionKeysResponse struct {
	SessionKeys []SessionKeyResponse `json:"session_keys"`
}

// SessionKeyResponse describes one delegated session key.
type SessionKeyResponse struct {
	ID          uint             `json:"id"`
	SessionKey  string           `json:"session_key"`
	Application string           `json:"application"`
	Allowances  []AllowanceUsage `json:"allowances"`
	Scope       string           `json:"scope,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// AllowanceUsage is a per-asset spending cap and how much of it is spent.
type AllowanceUsage struct {
	Asset     string          `json:"asset"`
	Allowance decimal.Decimal `json:"allowance"`
	Used      decimal.Decimal `json:"used"`
}

// RevokeSessionKeyRequest invalidates a session key before it expires.
type RevokeSessionKeyRequest struct {
	SessionKey string `json:"session_key"`
}

// RevokeSessionKeyResponse echoes the revoked key.
type RevokeSessionKeyResponse struct {
	SessionKey string `json:"session_key"`
}

// CreateChannelRequest opens a channel on the given chain for one token.
type CreateChannelRequest struct {
	ChainID uint32 `json:"chain_id" validate:"required"`
	Token   string `json:"token" validate:"required"`
	// SessionKey optionally names a delegated key as the channel's
	// on-chain participant instead of the wallet.
	SessionKey *string `json:"session_key,omitempty" validate:"omitempty"`
}

// CreateChannelResponse carries the unsigned initial state and the broker's
// signature for the client to countersign on chain.
type CreateChannelResponse ChannelOperationResponse

// ResizeChannelRequest changes a channel's capacity. Exactly one of
// AllocateAmount and ResizeAmount must be set: allocate moves unified
// balance into the channel, resize deposits or withdraws against the chain.
type ResizeChannelRequest struct {
	ChannelID        string           `json:"channel_id" validate:"required"`
	AllocateAmount   *decimal.Decimal `json:"allocate_amount,omitempty" validate:"omitempty,required_without=ResizeAmount,bigint"`
	ResizeAmount     *decimal.Decimal `json:"resize_amount,omitempty" validate:"omitempty,required_without=AllocateAmount,bigint"`
	FundsDestination string           `json:"funds_destination" validate:"required"`
}

// ResizeChannelResponse carries the resize state to countersign.
type ResizeChannelResponse ChannelOperationResponse

// CloseChannelRequest cooperatively closes a channel.
type CloseChannelRequest struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// CloseChannelResponse carries the final state to countersign.
type CloseChannelResponse ChannelOperationResponse

// TransferRequest moves unified balance to another account, addressed by
// wallet or by tag.
type TransferRequest struct {
	Destination        string               `json:"destination"`
	DestinationUserTag string               `json:"destination_user_tag"`
	Allocations        []TransferAllocation `json:"allocations"`
}

// TransferResponse lists the transactions the transfer produced.
type TransferResponse struct {
	Transactions []LedgerTransaction `json:"transactions"`
}

// CreateAppSessionRequest opens a virtual app session funded from the
// participants' unified balances.
type CreateAppSessionRequest struct {
	Definition  AppDefinition   `json:"definition"`
	Allocations []AppAllocation `json:"allocations"`
	SessionData *string         `json:"session_data"`
}

// CreateAppSessionResponse returns the opened session.
type CreateAppSessionResponse AppSession

// SubmitAppStateRequest posts a new state for an app session. Intent and
// Version are required from NitroRPC/0.4 on; 0.2 sessions must omit both.
type SubmitAppStateRequest struct {
	AppSessionID string           `json:"app_session_id"`
	Intent       AppSessionIntent `json:"intent"`
	Version      uint64           `json:"version"`
	Allocations  []AppAllocation  `json:"allocations"`
	SessionData  *string          `json:"session_data"`
}

// SubmitAppStateResponse returns the session after the update.
type SubmitAppStateResponse AppSession

// CloseAppSessionRequest closes an app session with final allocations.
type CloseAppSessionRequest struct {
	AppSessionID string          `json:"app_session_id"`
	SessionData  *string         `json:"session_data"`
	Allocations  []AppAllocation `json:"allocations"`
}

// CloseAppSessionResponse returns the closed session.
type CloseAppSessionResponse AppSession

// ============================================================================
// Notifications
// ============================================================================

// BalanceUpdateNotification reports the caller's balances after they
// change.
type BalanceUpdateNotification struct {
	BalanceUpdates []LedgerBalance `json:"balance_updates"`
}

// ChannelUpdateNotification reports a channel after any state change,
// including changes observed on chain.
type ChannelUpdateNotification Channel

// TransferNotification reports a transfer touching the user's account, sent
// to both sides.
type TransferNotification struct {
	Transactions []LedgerTransaction `json:"transactions"`
}

// AppSessionUpdateNotification reports an app session after create, update
// or close, together with the allocations relevant to the recipient.
type AppSessionUpdateNotification struct {
	AppSession             AppSession      `json:"app_session"`
	ParticipantAllocations []AppAllocation `json:"participant_allocations"`
}

// AssetsSnapshotNotification is pushed once per connection with the full
// asset list.
type AssetsSnapshotNotification struct {
	Assets []Asset `json:"assets"`
}

// ChannelsSnapshotNotification is pushed after authentication with the
// user's channels.
type ChannelsSnapshotNotification struct {
	Channels []Channel `json:"channels"`
}

// ============================================================================
// Shared types
// ============================================================================

// ListOptions pages and sorts list endpoints.
type ListOptions struct {
	Offset uint32    `json:"offset,omitempty"`
	Limit  uint32    `json:"limit,omitempty"`
	Sort   *SortType `json:"sort,omitempty"`
}

// SortType orders list results.
type SortType string

const (
	SortTypeAscending  SortType = "asc"
	SortTypeDescending SortType = "desc"
)

// ToString returns the SQL keyword form.
func (s SortType) ToString() string {
	return strings.ToUpper(string(s))
}

// BrokerConfig identifies the broker and the networks it operates on.
type BrokerConfig struct {
	BrokerAddress string `json:"broker_address"`
	// Blockchains keeps the wire name "networks" for SDK compatibility.
	Blockchains []BlockchainInfo `json:"networks"`
}

// BlockchainInfo describes one supported network and its contracts.
type BlockchainInfo struct {
	ID                 uint32 `json:"chain_id"`
	Name               string `json:"name"`
	CustodyAddress     string `json:"custody_address"`
	AdjudicatorAddress string `json:"adjudicator_address"`
}

// Asset is a supported token on one chain.
type Asset struct {
	Token    string `json:"token"`
	ChainID  uint32 `json:"chain_id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Allowance caps session key spending for one asset. Amount is a decimal
// string in asset units.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// TransferAllocation is one asset leg of a transfer.
type TransferAllocation struct {
	AssetSymbol string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// ============================================================================
// Application sessions
// ============================================================================

// AppDefinition fixes the rules of an app session at creation. Its fields
// never change for the life of the session.
type AppDefinition struct {
	// Application identifies the app.
	Application string `json:"application"`
	// Protocol is the NitroRPC revision the session speaks.
	Protocol Version `json:"protocol"`
	// ParticipantWallets lists every participant.
	ParticipantWallets []string `json:"participants"`
	// Weights gives each participant's vote weight, index-aligned with
	// ParticipantWallets.
	Weights []int64 `json:"weights"`
	// Quorum is the weight sum a state update must gather.
	Quorum uint64 `json:"quorum"`
	// Challenge is the dispute timeout in seconds.
	Challenge uint64 `json:"challenge"`
	// Nonce distinguishes otherwise identical sessions.
	Nonce uint64 `json:"nonce"`
}

// AppSession is a live or closed virtual application session.
type AppSession struct {
	AppSessionID       string   `json:"app_session_id"`
	Application        string   `json:"application"`
	Status             string   `json:"status"`
	ParticipantWallets []string `json:"participants"`
	SessionData        string   `json:"session_data,omitempty"`
	Protocol           Version  `json:"protocol"`
	Challenge          uint64   `json:"challenge"`
	Weights            []int64  `json:"weights"`
	Quorum             uint64   `json:"quorum"`
	Version            uint64   `json:"version"`
	Nonce              uint64   `json:"nonce"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// AppAllocation assigns an asset amount to one participant.
type AppAllocation struct {
	Participant string          `json:"participant"`
	AssetSymbol string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// AppSessionIntent declares what an app state update does with funds.
type AppSessionIntent string

const (
	// AppSessionIntentOperate redistributes within the session.
	AppSessionIntentOperate AppSessionIntent = "operate"
	// AppSessionIntentDeposit moves funds into the session.
	AppSessionIntentDeposit AppSessionIntent = "deposit"
	// AppSessionIntentWithdraw moves funds out of the session.
	AppSessionIntentWithdraw AppSessionIntent = "withdraw"
)

// ============================================================================
// Channels
// ============================================================================

// Channel is one payment channel between a user and the broker.
type Channel struct {
	ChannelID   string          `json:"channel_id"`
	Participant string          `json:"participant"`
	Status      ChannelStatus   `json:"status"`
	Token       string          `json:"token"`
	Wallet      string          `json:"wallet"`
	RawAmount   decimal.Decimal `json:"amount"`
	ChainID     uint32          `json:"chain_id"`
	Adjudicator string          `json:"adjudicator"`
	Challenge   uint64          `json:"challenge"`
	Nonce       uint64          `json:"nonce"`
	Version     uint64          `json:"version"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// ChannelStatus is a channel's lifecycle stage.
type ChannelStatus string

var (
	ChannelStatusOpen       ChannelStatus = "open"
	ChannelStatusResizing   ChannelStatus = "resizing"
	ChannelStatusClosed     ChannelStatus = "closed"
	ChannelStatusChallenged ChannelStatus = "challenged"
)

// ChannelOperationResponse is the shared shape of channel create, resize
// and close replies: the unsigned state the client must countersign plus
// the broker's signature over it.
type ChannelOperationResponse struct {
	ChannelID string `json:"channel_id"`
	// Channel carries the on-chain parameters, present on create only.
	Channel *struct {
		Participants [2]string `json:"participants"`
		Adjudicator  string    `json:"adjudicator"`
		Challenge    uint64    `json:"challenge"`
		Nonce        uint64    `json:"nonce"`
	} `json:"channel,omitempty"`
	State          UnsignedState  `json:"state"`
	StateSignature sign.Signature `json:"server_signature"`
}

// UnsignedState is a channel state before anyone signs it.
type UnsignedState struct {
	Intent      StateIntent       `json:"intent"`
	Version     uint64            `json:"version"`
	Data        string            `json:"state_data"`
	Allocations []StateAllocation `json:"allocations"`
}

// Value implements driver.Valuer so states persist as JSON.
func (u UnsignedState) Value() (driver.Value, error) {
	return json.Marshal(u)
}

// Scan implements sql.Scanner.
func (u *UnsignedState) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into UnsignedState", value)
	}

	return json.Unmarshal(bytes, u)
}

// StateIntent is the on-chain intent code of a channel state.
type StateIntent uint8

const (
	// StateIntentOperate is a plain off-chain update.
	StateIntentOperate StateIntent = 0
	// StateIntentInitialize is the initial funding state.
	StateIntentInitialize StateIntent = 1
	// StateIntentResize changes channel capacity.
	StateIntentResize StateIntent = 2
	// StateIntentFinalize is the closing state.
	StateIntentFinalize StateIntent = 3
)

// StateAllocation assigns token amounts to destinations within a state.
type StateAllocation struct {
	Participant  string          `json:"destination"`
	TokenAddress string          `json:"token"`
	RawAmount    decimal.Decimal `json:"amount"`
}

// ============================================================================
// Ledger
// ============================================================================

// LedgerEntry is one row of the double-entry ledger. Debits grow asset and
// expense accounts, credits grow liability, income and capital accounts.
type LedgerEntry struct {
	ID          uint            `json:"id"`
	AccountID   string          `json:"account_id"`
	AccountType AccountType     `json:"account_type"`
	Asset       string          `json:"asset"`
	Participant string          `json:"participant"`
	Credit      decimal.Decimal `json:"credit"`
	Debit       decimal.Decimal `json:"debit"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AccountType buckets ledger accounts by accounting class.
type AccountType uint16

const (
	// AssetDefault is the asset class (1000-1999).
	AssetDefault AccountType = 1000
	// LiabilityDefault is the liability class (2000-2999).
	LiabilityDefault AccountType = 2000
	// EquityDefault is the equity class (3000-3999).
	EquityDefault AccountType = 3000
	// RevenueDefault is the revenue class (4000-4999).
	RevenueDefault AccountType = 4000
	// ExpenseDefault is the expense class (5000-5999).
	ExpenseDefault AccountType = 5000
)

// LedgerTransaction is a completed movement between two accounts.
type LedgerTransaction struct {
	Id             uint            `json:"id"`
	TxType         string          `json:"tx_type"`
	FromAccount    string          `json:"from_account"`
	FromAccountTag string          `json:"from_account_tag,omitempty"`
	ToAccount      string          `json:"to_account"`
	ToAccountTag   string          `json:"to_account_tag,omitempty"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerBalance is one asset's balance in an account.
type LedgerBalance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// HistoryEntry is one recorded RPC exchange, signatures included.
type HistoryEntry struct {
	ID        uint             `json:"id"`
	Sender    string           `json:"sender"`
	ReqID     uint64           `json:"req_id"`
	Method    string           `json:"method"`
	Params    string           `json:"params"`
	Timestamp uint64           `json:"timestamp"`
	ReqSig    []sign.Signature `json:"req_sig"`
	Result    string           `json:"response"`
	ResSig    []sign.Signature `json:"res_sig"`
}
