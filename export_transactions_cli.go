package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"github.com/layer-3/tollgate/pkg/log"
)

var exportCSVHeader = []string{
	"ID", "Type", "FromAccount", "FromAccountTag",
	"ToAccount", "ToAccountTag", "AssetSymbol", "Amount", "CreatedAt",
}

// ExportOptions selects which transactions to export and where to put
// the resulting file.
type ExportOptions struct {
	AccountID   string
	AssetSymbol string
	TxType      *TransactionType
	OutputDir   string
}

// TransactionExporter writes ledger transactions as CSV.
type TransactionExporter struct {
	db *gorm.DB
}

func NewTransactionExporter(db *gorm.DB) *TransactionExporter {
	return &TransactionExporter{db: db}
}

func exportCSVRow(tx TransactionWithTags) []string {
	return []string{
		fmt.Sprintf("%d", tx.ID),
		tx.Type.String(),
		tx.FromAccount,
		tx.FromAccountTag,
		tx.ToAccount,
		tx.ToAccountTag,
		tx.AssetSymbol,
		tx.Amount.String(),
		tx.CreatedAt.String(),
	}
}

// ExportToCSV streams the selected transactions as CSV rows.
func (e *TransactionExporter) ExportToCSV(writer io.Writer, options ExportOptions) error {
	transactions, err := GetLedgerTransactionsWithTags(e.db, NewAccountID(options.AccountID), options.AssetSymbol, options.TxType, nil)
	if err != nil {
		return fmt.Errorf("failed to get transactions: %w", err)
	}

	out := csv.NewWriter(writer)
	defer out.Flush()

	if err := out.Write(exportCSVHeader); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}
	for _, tx := range transactions {
		if err := out.Write(exportCSVRow(tx)); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile writes the selected transactions into
// <OutputDir>/transactions_<accountID>.csv and returns the file name.
func (e *TransactionExporter) ExportToFile(options ExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("transactions_%s.csv", options.AccountID))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func runExportTransactionsCli(logger log.Logger) {
	if len(os.Args) < 3 || len(os.Args) > 5 {
		logger.Fatal("Usage: tollgate export-transactions <accountID> [asset] [txType]")
	}

	options := ExportOptions{
		AccountID: os.Args[2],
		OutputDir: "csv_export",
	}
	if len(os.Args) > 3 {
		options.AssetSymbol = os.Args[3]
	}
	if len(os.Args) > 4 {
		parsedType, err := parseLedgerTransactionType(os.Args[4])
		if err != nil {
			logger.Fatal("invalid transaction type", "type", os.Args[4], "error", err)
		}
		options.TxType = &parsedType
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf, logger)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	fileName, err := NewTransactionExporter(db).ExportToFile(options)
	if err != nil {
		logger.Fatal("failed to export transactions", "error", err)
	}
	logger.Info("successfully exported transactions", "file", fileName)
}
