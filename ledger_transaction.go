package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/rpc"
)

// TransactionType codes group ledger movements by origin: 1xx direct
// transfers, 2xx custody deposits/withdrawals, 3xx app-session funding,
// 4xx channel escrow.
type TransactionType int

const (
	TransactionTypeTransfer      TransactionType = 100
	TransactionTypeDeposit       TransactionType = 201
	TransactionTypeWithdrawal    TransactionType = 202
	TransactionTypeAppDeposit    TransactionType = 301
	TransactionTypeAppWithdrawal TransactionType = 302
	TransactionTypeEscrowLock    TransactionType = 401
	TransactionTypeEscrowUnlock  TransactionType = 402
)

var (
	ErrInvalidLedgerTransactionType = rpc.NewError(rpc.CodeInvalidParams, "invalid ledger transaction type")
	ErrRecordTransaction            = "failed to record transaction"
)

// LedgerTransaction is the persisted movement between two ledger accounts.
// The individual double-entry rows live in the ledger table; this is the
// query-friendly summary.
type LedgerTransaction struct {
	ID          uint            `gorm:"primaryKey"`
	Type        TransactionType `gorm:"column:tx_type;not null;index:idx_type;index:idx_from_to_account"`
	FromAccount string          `gorm:"column:from_account;not null;index:idx_from_account;index:idx_from_to_account"`
	ToAccount   string          `gorm:"column:to_account;not null;index:idx_to_account;index:idx_from_to_account"`
	AssetSymbol string          `gorm:"column:asset_symbol;not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(38,18);not null"`
	CreatedAt   time.Time
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// RecordLedgerTransaction stores one movement between two accounts. The
// amount is recorded as an absolute value; direction lives in the account
// pair.
func RecordLedgerTransaction(tx *gorm.DB, txType TransactionType, fromAccount, toAccount AccountID, assetSymbol string, amount decimal.Decimal) (*LedgerTransaction, error) {
	transaction := &LedgerTransaction{
		Type:        txType,
		FromAccount: fromAccount.String(),
		ToAccount:   toAccount.String(),
		AssetSymbol: assetSymbol,
		Amount:      amount.Abs(),
	}

	if err := tx.Create(transaction).Error; err != nil {
		return nil, fmt.Errorf(ErrRecordTransaction+": %w", err)
	}
	return transaction, nil
}

// TransactionWithTags joins a transaction with the user tags of both
// account holders, when those accounts are tagged wallets.
type TransactionWithTags struct {
	LedgerTransaction
	FromAccountTag string `gorm:"column:from_tag"`
	ToAccountTag   string `gorm:"column:to_tag"`
}

// GetLedgerTransactionsWithTags lists transactions touching the given
// account, ordered by created_at then id. A nil options returns every
// matching row oldest first; otherwise the requested sort applies (newest
// first by default) and results are paginated.
func GetLedgerTransactionsWithTags(db *gorm.DB, accountID AccountID, assetSymbol string, txType *TransactionType, options *rpc.ListOptions) ([]TransactionWithTags, error) {
	var transactions []TransactionWithTags

	q := db.Model(&LedgerTransaction{}).
		Joins("LEFT JOIN user_tags AS from_tags ON from_tags.wallet = ledger_transactions.from_account").
		Joins("LEFT JOIN user_tags AS to_tags ON to_tags.wallet = ledger_transactions.to_account").
		Select("ledger_transactions.*, from_tags.tag as from_tag, to_tags.tag as to_tag")

	if accountID.String() != "" {
		q = q.Where("from_account = ? OR to_account = ?", accountID.String(), accountID.String())
	}
	if assetSymbol != "" {
		q = q.Where("asset_symbol = ?", assetSymbol)
	}
	if txType != nil {
		q = q.Where("tx_type = ?", txType)
	}

	sortDirection := rpc.SortTypeAscending
	if options != nil {
		sortDirection = rpc.SortTypeDescending
		if options.Sort != nil {
			sortDirection = *options.Sort
		}
	}
	q = q.Order("ledger_transactions.created_at " + sortDirection.ToString()).
		Order("ledger_transactions.id " + sortDirection.ToString())

	if options != nil {
		q = q.Offset(int(options.Offset)).Limit(clampLimit(options.Limit))
	}

	if err := q.Find(&transactions).Error; err != nil {
		return nil, err
	}

	return transactions, nil
}

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeTransfer:
		return "transfer"
	case TransactionTypeDeposit:
		return "deposit"
	case TransactionTypeWithdrawal:
		return "withdrawal"
	case TransactionTypeAppDeposit:
		return "app_deposit"
	case TransactionTypeAppWithdrawal:
		return "app_withdrawal"
	case TransactionTypeEscrowLock:
		return "escrow_lock"
	case TransactionTypeEscrowUnlock:
		return "escrow_unlock"
	default:
		return ""
	}
}

func parseLedgerTransactionType(s string) (TransactionType, error) {
	switch s {
	case "transfer":
		return TransactionTypeTransfer, nil
	case "deposit":
		return TransactionTypeDeposit, nil
	case "withdrawal":
		return TransactionTypeWithdrawal, nil
	case "app_deposit":
		return TransactionTypeAppDeposit, nil
	case "app_withdrawal":
		return TransactionTypeAppWithdrawal, nil
	case "escrow_lock":
		return TransactionTypeEscrowLock, nil
	case "escrow_unlock":
		return TransactionTypeEscrowUnlock, nil
	default:
		return 0, ErrInvalidLedgerTransactionType
	}
}

// FormatTransactions converts joined rows into their wire form. Tags stay
// empty for untagged accounts.
func FormatTransactions(transactions []TransactionWithTags) []rpc.LedgerTransaction {
	responses := make([]rpc.LedgerTransaction, len(transactions))
	for i, tx := range transactions {
		responses[i] = rpc.LedgerTransaction{
			Id:             tx.ID,
			TxType:         tx.Type.String(),
			FromAccount:    tx.FromAccount,
			FromAccountTag: tx.FromAccountTag,
			ToAccount:      tx.ToAccount,
			ToAccountTag:   tx.ToAccountTag,
			Asset:          tx.AssetSymbol,
			Amount:         tx.Amount,
			CreatedAt:      tx.CreatedAt,
		}
	}

	return responses
}
