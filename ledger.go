package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
)

const (
	ErrGetAccountBalance = "failed to get account balance"
	ErrRecordLedgerEntry = "failed to record a ledger entry"
)

// Entry is one double-entry ledger row. Exactly one of Credit/Debit is
// non-zero; balances are reconstructed by summing rows, never mutated in
// place.
type Entry struct {
	ID          uint            `gorm:"primaryKey"`
	AccountID   string          `gorm:"column:account_id;not null;index:idx_account_asset_symbol;index:idx_account_wallet"`
	AccountType rpc.AccountType `gorm:"column:account_type;not null"`
	AssetSymbol string          `gorm:"column:asset_symbol;not null;index:idx_account_asset_symbol"`
	Wallet      string          `gorm:"column:wallet;not null;index:idx_account_wallet"`
	Credit      decimal.Decimal `gorm:"column:credit;type:varchar(78);not null"`
	Debit       decimal.Decimal `gorm:"column:debit;type:varchar(78);not null"`
	SessionKey  *string         `gorm:"column:session_key;index:idx_session_key"`
	CreatedAt   time.Time
}

func (Entry) TableName() string {
	return "ledger"
}

// AccountID names a ledger account: a wallet address for unified accounts,
// "channel-<id>" for channel escrow, "app-<id>" for app sessions. Hex
// addresses are normalized to their checksummed form so lookups never
// depend on caller casing.
type AccountID string

func NewAccountID(accountID string) AccountID {
	if !common.IsHexAddress(accountID) {
		return AccountID(accountID)
	}

	return AccountID(common.HexToAddress(accountID).Hex())
}

// NewChannelAccountID names the escrow account funds are locked into while
// a channel is open.
func NewChannelAccountID(channelID string) AccountID {
	return AccountID("channel-" + channelID)
}

// NewAppAccountID names an app session's virtual account.
func NewAppAccountID(appSessionID string) AccountID {
	return AccountID("app-" + appSessionID)
}

func (a AccountID) String() string {
	return string(a)
}

// WalletLedger views the ledger through one wallet's rows. Every entry it
// records carries the wallet, so a wallet's positions within shared
// accounts (app sessions) stay separable.
type WalletLedger struct {
	wallet common.Address
	db     *gorm.DB
}

func GetWalletLedger(db *gorm.DB, wallet common.Address) *WalletLedger {
	return &WalletLedger{wallet: wallet, db: db}
}

// Record appends a ledger row for the given account. Positive amounts
// credit, negative amounts debit, zero is a no-op. sessionKey, when set,
// attributes the movement to a delegated key for allowance accounting.
func (l *WalletLedger) Record(accountID AccountID, assetSymbol string, amount decimal.Decimal, sessionKey *string) error {
	entry := &Entry{
		AccountID:   accountID.String(),
		AccountType: rpc.AssetDefault,
		Wallet:      l.wallet.Hex(),
		AssetSymbol: assetSymbol,
		Credit:      decimal.Zero,
		Debit:       decimal.Zero,
		SessionKey:  sessionKey,
		CreatedAt:   time.Now(),
	}

	if amount.IsPositive() {
		entry.Credit = amount
	} else if amount.IsNegative() {
		entry.Debit = amount.Abs()
	} else {
		return nil
	}

	if err := l.db.Create(entry).Error; err != nil {
		return fmt.Errorf(ErrRecordLedgerEntry+": %w", err)
	}
	return nil
}

// Balance sums the wallet's rows for one account and asset.
func (l *WalletLedger) Balance(accountID AccountID, assetSymbol string) (decimal.Decimal, error) {
	sums, err := sumByAsset(l.db, "account_id = ? AND asset_symbol = ? AND wallet = ?", accountID.String(), assetSymbol, l.wallet.Hex())
	if err != nil {
		return decimal.Zero, err
	}

	balance, ok := sums[assetSymbol]
	if !ok {
		return decimal.Zero, nil
	}
	return balance, nil
}

// GetBalances returns the wallet's per-asset balances within one account.
func (l *WalletLedger) GetBalances(accountID AccountID) ([]rpc.LedgerBalance, error) {
	sums, err := sumByAsset(l.db, "account_id = ? AND wallet = ?", accountID.String(), l.wallet.Hex())
	if err != nil {
		return nil, err
	}

	balances := make([]rpc.LedgerBalance, 0, len(sums))
	for asset, balance := range sums {
		balances = append(balances, rpc.LedgerBalance{
			Asset:  asset,
			Amount: balance,
		})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return balances, nil
}

// GetEntries lists raw rows filtered by account and asset. A zero wallet
// address skips the wallet filter so public queries can span wallets.
func (l *WalletLedger) GetEntries(accountID *AccountID, assetSymbol string) ([]Entry, error) {
	var entries []Entry
	q := l.db.Model(&Entry{})

	if accountID != nil && accountID.String() != "" {
		q = q.Where("account_id = ?", accountID.String())
	}

	if l.wallet != (common.Address{}) {
		q = q.Where("wallet = ?", l.wallet.Hex())
	}

	if assetSymbol != "" {
		q = q.Where("asset_symbol = ?", assetSymbol)
	}

	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// getAppSessionBalances sums an app session's account per asset across all
// participants.
func getAppSessionBalances(tx *gorm.DB, appSessionID AccountID) (map[string]decimal.Decimal, error) {
	sums, err := sumByAsset(tx, "account_id = ?", appSessionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances for account %s: %w", appSessionID, err)
	}
	return sums, nil
}

// sumByAsset aggregates credit minus debit per asset for the rows matching
// the condition. Postgres sums in SQL; on SQLite the rows are summed in Go
// because SUM over varchar coerces big numbers to floats.
func sumByAsset(db *gorm.DB, cond string, args ...any) (map[string]decimal.Decimal, error) {
	switch db.Dialector.Name() {
	case "postgres":
		type row struct {
			Asset   string          `gorm:"column:asset_symbol"`
			Balance decimal.Decimal `gorm:"column:balance"`
		}

		var rows []row
		if err := db.
			Model(&Entry{}).
			Where(cond, args...).
			Select("asset_symbol", "COALESCE(SUM(credit),0) - COALESCE(SUM(debit),0) AS balance").
			Group("asset_symbol").
			Scan(&rows).Error; err != nil {
			return nil, err
		}

		result := make(map[string]decimal.Decimal, len(rows))
		for _, r := range rows {
			result[r.Asset] = r.Balance
		}
		return result, nil

	case "sqlite":
		var entries []Entry
		if err := db.Model(&Entry{}).Where(cond, args...).Find(&entries).Error; err != nil {
			return nil, err
		}

		result := make(map[string]decimal.Decimal)
		for _, entry := range entries {
			result[entry.AssetSymbol] = result[entry.AssetSymbol].Add(entry.Credit).Sub(entry.Debit)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", db.Dialector.Name())
	}
}
