package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

// ImportOptions narrows one import run. A nil date leaves the boundary open.
type ImportOptions struct {
	DateFrom           *time.Time
	DateTo             *time.Time
	SkipDuplicateCheck bool
}

// ImportResult is the per-account outcome the orchestrator aggregates.
// PendingDuplicates counts records that could not be deduplicated safely and
// are held back for review instead of imported.
type ImportResult struct {
	Imported          int
	Skipped           int
	PendingDuplicates int
	Errors            []string
}

// Importer pulls transactions for one linked account. Implementations must
// be idempotent per external transaction id. Constructor-injected into the
// orchestrator so there is no runtime lookup between the two.
type Importer interface {
	ImportFromSource(ctx context.Context, accountID, userID string, opts ImportOptions) (*ImportResult, error)
}

// TransactionImporter imports bank transactions from the aggregator into the
// primary transactions table.
type TransactionImporter struct {
	db *sql.DB
	gc *GoCardlessService
}

func NewTransactionImporter(db *sql.DB, gc *GoCardlessService) *TransactionImporter {
	return &TransactionImporter{db: db, gc: gc}
}

func (imp *TransactionImporter) ImportFromSource(ctx context.Context, accountID, userID string, opts ImportOptions) (*ImportResult, error) {
	dateTo := time.Now()
	if opts.DateTo != nil {
		dateTo = *opts.DateTo
	}
	dateFrom := dateTo.AddDate(0, 0, -90)
	if opts.DateFrom != nil {
		dateFrom = *opts.DateFrom
	}

	upstream, err := imp.gc.GetAccountTransactions(ctx, accountID, dateFrom, dateTo)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, tx := range upstream {
		outcome, err := imp.upsertTransaction(ctx, accountID, userID, tx, opts.SkipDuplicateCheck)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", tx.TransactionID, err))
			continue
		}
		switch outcome {
		case importOutcomeImported:
			result.Imported++
		case importOutcomeDuplicate:
			result.Skipped++
		case importOutcomePendingDuplicate:
			result.PendingDuplicates++
		}
	}

	return result, nil
}

type importOutcome int

const (
	importOutcomeImported importOutcome = iota
	importOutcomeDuplicate
	importOutcomePendingDuplicate
)

// upsertTransaction writes one upstream transaction, deduplicating on the
// external id so re-imports of the same window are no-ops. Transactions the
// bank sends without an id cannot be deduplicated safely; when a row with
// the same shape already exists they are held back as pending duplicates.
func (imp *TransactionImporter) upsertTransaction(ctx context.Context, accountID, userID string, tx AggregatorTransaction, skipDuplicateCheck bool) (importOutcome, error) {
	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", tx.Amount, err)
	}

	executionDate, err := time.Parse("2006-01-02", tx.BookingDate)
	if err != nil {
		return 0, fmt.Errorf("bad booking date %q: %w", tx.BookingDate, err)
	}

	description := tx.RemittanceInfo
	if description == "" {
		description = firstNonEmpty(tx.CreditorName, tx.DebtorName)
	}
	description = strings.TrimSpace(description)

	if !skipDuplicateCheck {
		if tx.TransactionID != "" {
			var exists bool
			err := imp.db.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM transactions WHERE external_id = $1 AND user_id = $2)`,
				tx.TransactionID, userID).Scan(&exists)
			if err != nil {
				return 0, err
			}
			if exists {
				return importOutcomeDuplicate, nil
			}
		} else {
			var exists bool
			err := imp.db.QueryRowContext(ctx, `
				SELECT EXISTS(
					SELECT 1 FROM transactions
					WHERE user_id = $1 AND account_id = $2 AND amount = $3
					  AND execution_date = $4 AND description = $5
				)`,
				userID, accountID, amount.Abs().String(), executionDate, description).Scan(&exists)
			if err != nil {
				return 0, err
			}
			if exists {
				return importOutcomePendingDuplicate, nil
			}
		}
	}

	_, err = imp.db.ExecContext(ctx, `
		INSERT INTO transactions (
			user_id, account_id, external_id, type, amount, currency,
			description, execution_date, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (user_id, external_id) DO NOTHING
	`, userID, accountID, tx.TransactionID, models.TypeForAmount(amount),
		amount.Abs().String(), tx.Currency, description, executionDate)
	if err != nil {
		return 0, err
	}

	return importOutcomeImported, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
