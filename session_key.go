package main

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// AppNameTollgate marks session keys the broker issues for itself. Those
// keys skip allowance and application checks.
var AppNameTollgate = "tollgate"

var (
	ErrSessionKeyExistsAndExpired = rpc.NewError(rpc.CodeAuthFailed, "session key already exists but is expired")
	ErrSignerUsedForAnotherWallet = rpc.NewError(rpc.CodeAuthFailed, "signer is already in use for another wallet")
)

// SessionKey is a wallet-delegated signing key. Requests signed by it act
// for the wallet within the registered scope and per-asset allowances.
type SessionKey struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Address string `gorm:"column:address;uniqueIndex;not null"`

	WalletAddress string    `gorm:"column:wallet_address;index;not null"`
	Application   string    `gorm:"column:application;not null"`
	Allowance     *string   `gorm:"column:allowance;type:jsonb"` // JSON serialized allowances
	Scope         string    `gorm:"column:scope;not null;"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionKey) TableName() string {
	return "session_keys"
}

// sessionKeyCacheEntry stores cached session key data with expiration.
type sessionKeyCacheEntry struct {
	wallet    string
	expiresAt time.Time
}

// sessionKeyCache maps session key addresses to cache entries.
var sessionKeyCache sync.Map

// loadSessionKeyCache populates the cache with non-expired session keys.
func loadSessionKeyCache(db *gorm.DB) error {
	var sessionKeys []SessionKey
	if err := db.Where("expires_at > ?", time.Now().UTC()).Find(&sessionKeys).Error; err != nil {
		return err
	}
	for _, sk := range sessionKeys {
		sessionKeyCache.Store(sk.Address, sessionKeyCacheEntry{
			wallet:    sk.WalletAddress,
			expiresAt: sk.ExpiresAt,
		})
	}
	return nil
}

// AddSessionKey registers a session key for a wallet. Only one key per
// wallet and application may be live; registering a new one invalidates
// the previous ones.
func AddSessionKey(db *gorm.DB, walletAddress, address, applicationName, scope string, allowances []rpc.Allowance, expirationTime time.Time) error {
	expirationTime = expirationTime.UTC()
	if isExpired(expirationTime) {
		return rpc.NewError(rpc.CodeInvalidParams, "expiration time must be set and in the future")
	}

	if scope == "" {
		scope = "all"
	}

	var deletedAddresses []string
	err := db.Transaction(func(tx *gorm.DB) error {
		var existingKeys []SessionKey
		err := tx.Where("wallet_address = ? AND application = ?",
			walletAddress, applicationName).Find(&existingKeys).Error
		if err != nil {
			return fmt.Errorf("failed to check existing session keys: %w", err)
		}

		for _, existingKey := range existingKeys {
			if err := tx.Delete(&existingKey).Error; err != nil {
				return fmt.Errorf("failed to remove existing session key: %w", err)
			}
			deletedAddresses = append(deletedAddresses, existingKey.Address)
		}

		allowanceJSON, err := json.Marshal(allowances)
		if err != nil {
			return fmt.Errorf("failed to serialize allowances: %w", err)
		}

		allowanceStr := string(allowanceJSON)

		sessionKey := &SessionKey{
			Address:       address,
			WalletAddress: walletAddress,
			Application:   applicationName,
			Allowance:     &allowanceStr,
			Scope:         scope,
			ExpiresAt:     expirationTime,
		}

		return tx.Create(sessionKey).Error
	})

	// Update cache only after the transaction commits.
	if err == nil {
		for _, addr := range deletedAddresses {
			sessionKeyCache.Delete(addr)
		}
		sessionKeyCache.Store(address, sessionKeyCacheEntry{
			wallet:    walletAddress,
			expiresAt: expirationTime,
		})
	}

	return err
}

// CheckSessionKeyExists reports whether the session key is registered and
// live for the given wallet. A key registered to another wallet or past
// its expiry is an error, not merely a miss.
func CheckSessionKeyExists(db *gorm.DB, walletAddress, sessionKeyAddress string) (bool, error) {
	if w, ok := sessionKeyCache.Load(sessionKeyAddress); ok {
		entry := w.(sessionKeyCacheEntry)
		if entry.wallet == walletAddress {
			if !isExpired(entry.expiresAt) {
				return true, nil
			}

			return false, ErrSessionKeyExistsAndExpired
		}
		return false, ErrSignerUsedForAnotherWallet
	}

	// Not in cache. Keys that expired before a restart never get loaded,
	// so fall back to the database.
	var existingKey SessionKey
	if err := db.Where("address = ?", sessionKeyAddress).First(&existingKey).Error; err == nil {
		if isExpired(existingKey.ExpiresAt) {
			return false, ErrSessionKeyExistsAndExpired
		}
		if existingKey.WalletAddress == walletAddress {
			return true, nil
		}
		return false, ErrSignerUsedForAnotherWallet
	}

	return false, nil
}

func isExpired(expiresAt time.Time) bool {
	return time.Now().UTC().After(expiresAt)
}

// GetWalletBySessionKey resolves which wallet a session key acts for, or ""
// when the key is unknown or expired. Expired cache entries are purged
// lazily.
func GetWalletBySessionKey(sessionKeyAddress string) string {
	if v, ok := sessionKeyCache.Load(sessionKeyAddress); ok {
		entry := v.(sessionKeyCacheEntry)
		if isExpired(entry.expiresAt) {
			sessionKeyCache.Delete(sessionKeyAddress)
			return ""
		}
		return entry.wallet
	}
	return ""
}

// GetSessionKeysByWallet retrieves all session keys for a given wallet address.
func GetSessionKeysByWallet(db *gorm.DB, walletAddress string) ([]SessionKey, error) {
	var sessionKeys []SessionKey

	err := db.Where("wallet_address = ?", walletAddress).
		Order("created_at DESC").
		Find(&sessionKeys).Error

	if err != nil {
		return nil, fmt.Errorf("failed to retrieve session keys for wallet %s: %w", walletAddress, err)
	}

	return sessionKeys, nil
}

// GetActiveSessionKeysByWallet retrieves only non-expired session keys for a wallet.
func GetActiveSessionKeysByWallet(db *gorm.DB, walletAddress string, listOpts *rpc.ListOptions) ([]SessionKey, error) {
	var sessionKeys []SessionKey

	query := db.Where("wallet_address = ? AND expires_at > ?",
		walletAddress, time.Now().UTC()).
		Order("created_at DESC")

	if listOpts != nil {
		if listOpts.Limit > 0 {
			query = query.Limit(int(listOpts.Limit))
		}
		if listOpts.Offset > 0 {
			query = query.Offset(int(listOpts.Offset))
		}
	}

	err := query.Find(&sessionKeys).Error

	if err != nil {
		return nil, fmt.Errorf("failed to retrieve active session keys for wallet %s: %w", walletAddress, err)
	}

	return sessionKeys, nil
}

// GetSessionKeyIfActive retrieves a session key and validates its expiration.
func GetSessionKeyIfActive(db *gorm.DB, sessionKeyAddress string) (*SessionKey, error) {
	var sk SessionKey
	err := db.Where("address = ?", sessionKeyAddress).First(&sk).Error
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve session key %s: %w", sessionKeyAddress, err)
	}

	if sk.Application != AppNameTollgate && isExpired(sk.ExpiresAt) {
		return nil, fmt.Errorf("session key expired")
	}

	return &sk, nil
}

// GetActiveSessionKeyForWallet retrieves a session key and validates it
// belongs to the specified wallet and has not expired.
func GetActiveSessionKeyForWallet(tx *gorm.DB, sessionKeyAddress, walletAddress string) (*SessionKey, error) {
	var sk SessionKey
	err := tx.Where("address = ? AND wallet_address = ?", sessionKeyAddress, walletAddress).First(&sk).Error
	if err != nil {
		return nil, fmt.Errorf("session key not found for wallet")
	}

	if isExpired(sk.ExpiresAt) {
		return nil, fmt.Errorf("session key expired")
	}

	return &sk, nil
}

// CalculateSessionKeySpending totals the debits a session key has signed
// for one asset.
func CalculateSessionKeySpending(db *gorm.DB, sessionKeyAddress string, assetSymbol string) (decimal.Decimal, error) {
	switch db.Dialector.Name() {
	case "postgres":
		type result struct {
			TotalSpent decimal.Decimal
		}

		var res result
		err := db.Model(&Entry{}).
			Where("session_key = ? AND asset_symbol = ?", sessionKeyAddress, assetSymbol).
			Select("COALESCE(SUM(debit), 0) AS total_spent").
			Scan(&res).Error

		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to calculate session key spending: %w", err)
		}

		return res.TotalSpent, nil

	case "sqlite":
		var entries []Entry
		err := db.Model(&Entry{}).
			Where("session_key = ? AND asset_symbol = ?", sessionKeyAddress, assetSymbol).
			Find(&entries).Error
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to calculate session key spending: %w", err)
		}

		total := decimal.Zero
		for _, entry := range entries {
			total = total.Add(entry.Debit)
		}
		return total, nil

	default:
		return decimal.Zero, fmt.Errorf("unsupported database driver: %s", db.Dialector.Name())
	}
}

// ValidateSessionKeySpending checks that spending requestedAmount would not
// push the session key past its per-asset allowance. Keys issued for the
// broker itself are unrestricted.
func ValidateSessionKeySpending(db *gorm.DB, sessionKey *SessionKey, assetSymbol string, requestedAmount decimal.Decimal) error {
	if sessionKey.Application == AppNameTollgate {
		return nil
	}

	if sessionKey.Allowance == nil {
		return fmt.Errorf("operation denied: session key has no allowance configured")
	}

	var allowances []rpc.Allowance
	if err := json.Unmarshal([]byte(*sessionKey.Allowance), &allowances); err != nil {
		return fmt.Errorf("failed to parse allowances: %w", err)
	}

	var allowedAmount decimal.Decimal
	found := false
	for _, allowance := range allowances {
		if allowance.Asset == assetSymbol {
			var err error
			allowedAmount, err = decimal.NewFromString(allowance.Amount)
			if err != nil {
				return fmt.Errorf("operation denied: failed to parse allowed amount: %w", err)
			}
			found = true
			break
		}
	}

	if !found {
		return fmt.Errorf("operation denied: asset %s not allowed in session key allowance", assetSymbol)
	}

	currentSpending, err := CalculateSessionKeySpending(db, sessionKey.Address, assetSymbol)
	if err != nil {
		return err
	}

	newTotal := currentSpending.Add(requestedAmount)
	if newTotal.GreaterThan(allowedAmount) {
		return fmt.Errorf("operation denied: insufficient session key allowance: %s required, %s available",
			requestedAmount, allowedAmount.Sub(currentSpending))
	}

	return nil
}

// ValidateSessionKeyApplication checks the key was issued for the app
// session's application.
func ValidateSessionKeyApplication(sessionKey *SessionKey, appApplication string) error {
	if sessionKey.Application == AppNameTollgate {
		return nil
	}

	if sessionKey.Application != appApplication {
		return fmt.Errorf("session key application mismatch: session key is for '%s', but app session is for '%s'",
			sessionKey.Application, appApplication)
	}

	return nil
}

// RevokeSessionKeyFromDB revokes a session key by expiring it immediately.
func RevokeSessionKeyFromDB(tx *gorm.DB, sessionKeyAddress string) error {
	now := time.Now().UTC()
	if err := tx.Model(&SessionKey{}).
		Where("address = ?", sessionKeyAddress).
		Update("expires_at", now).Error; err != nil {
		return fmt.Errorf("failed to revoke session key: %w", err)
	}
	return nil
}
