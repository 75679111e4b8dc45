package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
	"github.com/coffeebudget/coffee-budget-backend-sub001/utils"
)

// Matching tolerances. Fixed constants, not per-provider configuration.
const (
	matchDateWindowDays = 3
	sourceKeyword       = "paypal"
)

// matchAmountTolerance is the ±1% band around the secondary amount.
var matchAmountTolerance = decimal.NewFromFloat(0.01)

// nonMerchantKeywords flags money movements that can never reconcile against
// a merchant purchase: loans, fees, transfers, withdrawals, interest,
// adjustments, currency conversions, credit-line payments.
var nonMerchantKeywords = []string{
	"loan",
	"fee",
	"fees",
	"transfer",
	"withdrawal",
	"interest",
	"adjustment",
	"currency conversion",
	"conversion",
	"credit line",
	"general credit",
}

// tokenize splits text into lowercase alphanumeric words. Underscores and
// punctuation separate words, so "loan_payment" yields ["loan", "payment"]
// while "balloon" stays one word.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && !(r >= 'A' && r <= 'Z')
	})
}

// containsKeyword reports whether keyword occurs in text as whole words.
// "coffee" does not contain "fee"; "PayPal Fee for transaction" does.
func containsKeyword(text, keyword string) bool {
	words := tokenize(text)
	kwWords := tokenize(keyword)
	if len(kwWords) == 0 || len(words) < len(kwWords) {
		return false
	}

	for i := 0; i+len(kwWords) <= len(words); i++ {
		match := true
		for j, kw := range kwWords {
			if words[i+j] != kw {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func hitsNonMerchantKeyword(text string) bool {
	if text == "" {
		return false
	}
	for _, kw := range nonMerchantKeywords {
		if containsKeyword(text, kw) {
			return true
		}
	}
	return false
}

// DetermineInitialStatus classifies a freshly imported provider record.
// Non-merchant money movements are excluded from reconciliation for good:
// the upstream event type is checked first, then the merchant category, then
// the free-text description. Runs exactly once, at creation time.
func DetermineInitialStatus(record *models.PayPalTransaction) models.ReconciliationStatus {
	if hitsNonMerchantKeyword(record.EventType) {
		return models.ReconciliationNotApplicable
	}
	if hitsNonMerchantKeyword(record.Category) {
		return models.ReconciliationNotApplicable
	}
	if hitsNonMerchantKeyword(record.Description) {
		return models.ReconciliationNotApplicable
	}
	return models.ReconciliationPending
}

// withinAmountTolerance reports whether the primary amount lies within ±1%
// of the secondary amount, boundary inclusive.
func withinAmountTolerance(primary, secondary decimal.Decimal) bool {
	diff := primary.Sub(secondary).Abs()
	tolerance := secondary.Abs().Mul(matchAmountTolerance)
	return diff.LessThanOrEqual(tolerance)
}

// dayOf strips the time of day. Provider events carry RFC3339 timestamps
// while bank bookings are midnight; the window counts calendar days.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// withinDateWindow reports whether two execution dates are at most three
// calendar days apart, boundary inclusive.
func withinDateWindow(a, b time.Time) bool {
	diff := dayOf(a).Sub(dayOf(b))
	if diff < 0 {
		diff = -diff
	}
	return diff <= matchDateWindowDays*24*time.Hour
}

// matchConfidence scores how tight the match is: full confidence for the
// same day and exact amount, shaved for every day of distance and for the
// relative amount gap.
func matchConfidence(primary *models.Transaction, record *models.PayPalTransaction) float64 {
	days := dayOf(primary.ExecutionDate).Sub(dayOf(record.ExecutionDate)).Hours() / 24
	if days < 0 {
		days = -days
	}

	relDiff := 0.0
	if !record.Amount.IsZero() {
		rel, _ := primary.Amount.Sub(record.Amount).Abs().Div(record.Amount.Abs()).Float64()
		relDiff = rel
	}

	confidence := 1.0 - 0.05*days - relDiff
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

type ReconciliationService struct {
	db *sql.DB
}

func NewReconciliationService(db *sql.DB) *ReconciliationService {
	return &ReconciliationService{db: db}
}

// FindMatch searches the user's primary transactions for the bank movement
// explained by the provider record: same type, execution date within ±3
// days, amount within ±1%, description mentioning the source, not already
// reconciled. The earliest execution date wins ties deterministically.
func (s *ReconciliationService) FindMatch(ctx context.Context, record *models.PayPalTransaction, userID string) (*models.Transaction, error) {
	// Bounds in calendar days: the record timestamp carries a time of day,
	// bank bookings do not.
	day := dayOf(record.ExecutionDate)
	dateFrom := day.AddDate(0, 0, -matchDateWindowDays)
	dateTo := day.AddDate(0, 0, matchDateWindowDays+1)

	query := `
		SELECT id, user_id, COALESCE(account_id, ''), COALESCE(external_id, ''),
		       type, amount, currency, description, execution_date, created_at, updated_at
		FROM transactions t
		WHERE t.user_id = $1
		  AND t.type = $2
		  AND t.execution_date >= $3 AND t.execution_date < $4
		  AND LOWER(t.description) LIKE '%' || $5 || '%'
		  AND NOT EXISTS (
			SELECT 1 FROM paypal_transactions p
			WHERE p.matched_transaction_id = t.id
			  AND p.reconciliation_status IN ('reconciled', 'manual')
		  )
		ORDER BY t.execution_date ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		userID, record.Type, dateFrom, dateTo, sourceKeyword)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var tx models.Transaction
		var amount string
		err := rows.Scan(&tx.ID, &tx.UserID, &tx.AccountID, &tx.ExternalID,
			&tx.Type, &amount, &tx.Currency, &tx.Description,
			&tx.ExecutionDate, &tx.CreatedAt, &tx.UpdatedAt)
		if err != nil {
			return nil, err
		}
		tx.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount on transaction %s: %w", tx.ID, err)
		}

		if withinAmountTolerance(tx.Amount, record.Amount) && withinDateWindow(tx.ExecutionDate, record.ExecutionDate) {
			return &tx, nil
		}
	}

	return nil, rows.Err()
}

// enrichDescription appends the merchant name to the bank description when
// it is not already mentioned. Idempotent.
func enrichDescription(description, merchantName string) (string, bool) {
	if merchantName == "" {
		return description, false
	}
	if strings.Contains(strings.ToLower(description), strings.ToLower(merchantName)) {
		return description, false
	}
	return description + " - " + merchantName, true
}

// Reconcile links the provider record to the bank transaction and enriches
// the bank description with the merchant name. Both rows are written in one
// transaction: both or neither.
func (s *ReconciliationService) Reconcile(ctx context.Context, primary *models.Transaction, record *models.PayPalTransaction) error {
	confidence := matchConfidence(primary, record)
	description, enriched := enrichDescription(primary.Description, record.MerchantName)

	err := utils.WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE paypal_transactions
			SET reconciliation_status = $1, matched_transaction_id = $2,
			    match_confidence = $3, updated_at = NOW()
			WHERE id = $4 AND user_id = $5
		`, models.ReconciliationReconciled, primary.ID, confidence, record.ID, record.UserID); err != nil {
			return err
		}

		if enriched {
			if _, err := tx.ExecContext(ctx, `
				UPDATE transactions SET description = $1, updated_at = NOW() WHERE id = $2
			`, description, primary.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	record.ReconciliationStatus = models.ReconciliationReconciled
	record.MatchedTransactionID = primary.ID
	record.MatchConfidence = &confidence
	primary.Description = description
	return nil
}

// ManualReconcile links a user-chosen pair and marks the record manual.
// The chosen transaction must belong to the same user.
func (s *ReconciliationService) ManualReconcile(ctx context.Context, recordID, transactionID, userID string) error {
	return utils.WithTransaction(s.db, func(tx *sql.Tx) error {
		var owned bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1 AND user_id = $2)`,
			transactionID, userID).Scan(&owned)
		if err != nil {
			return err
		}
		if !owned {
			return ErrNotFound
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE paypal_transactions
			SET reconciliation_status = $1, matched_transaction_id = $2, updated_at = NOW()
			WHERE id = $3 AND user_id = $4
		`, models.ReconciliationManual, transactionID, recordID, userID)
		if err != nil {
			return err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ReconciliationSummary is the outcome of one batch pass for one user.
type ReconciliationSummary struct {
	Processed    int                        `json:"processed"`
	Reconciled   int                        `json:"reconciled"`
	Failed       int                        `json:"failed"`
	Unreconciled []models.PayPalTransaction `json:"unreconciled"`
}

// ProcessForUser attempts a match for every pending provider record of the
// user. A failure on one record never stops the rest; records without a
// match are collected for manual review.
func (s *ReconciliationService) ProcessForUser(ctx context.Context, userID string) (*ReconciliationSummary, error) {
	pending, err := s.GetPendingRecords(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &ReconciliationSummary{}
	for i := range pending {
		record := &pending[i]
		summary.Processed++

		primary, err := s.FindMatch(ctx, record, userID)
		if err != nil {
			log.Printf("⚠️ Match lookup failed for record %s: %v", record.ID, err)
			summary.Failed++
			continue
		}
		if primary == nil {
			summary.Unreconciled = append(summary.Unreconciled, *record)
			continue
		}

		if err := s.Reconcile(ctx, primary, record); err != nil {
			log.Printf("⚠️ Reconcile failed for record %s: %v", record.ID, err)
			summary.Failed++
			continue
		}
		summary.Reconciled++
	}

	return summary, nil
}

// GetPendingRecords returns every provider record still awaiting
// reconciliation for the user.
func (s *ReconciliationService) GetPendingRecords(ctx context.Context, userID string) ([]models.PayPalTransaction, error) {
	query := `
		SELECT id, user_id, external_id, COALESCE(merchant_name, ''),
		       COALESCE(category, ''), COALESCE(event_type, ''), type, amount,
		       currency, description, execution_date, reconciliation_status,
		       COALESCE(matched_transaction_id::text, ''), match_confidence,
		       created_at, updated_at
		FROM paypal_transactions
		WHERE user_id = $1 AND reconciliation_status = $2
		ORDER BY execution_date ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, models.ReconciliationPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PayPalTransaction
	for rows.Next() {
		var rec models.PayPalTransaction
		var amount string
		err := rows.Scan(&rec.ID, &rec.UserID, &rec.ExternalID, &rec.MerchantName,
			&rec.Category, &rec.EventType, &rec.Type, &amount, &rec.Currency,
			&rec.Description, &rec.ExecutionDate, &rec.ReconciliationStatus,
			&rec.MatchedTransactionID, &rec.MatchConfidence,
			&rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		rec.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("bad amount on record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}
