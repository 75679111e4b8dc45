package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

func TestContainsKeyword(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		keyword string
		want    bool
	}{
		{"exact word", "monthly fee charged", "fee", true},
		{"word inside compound is not a hit", "coffee purchase", "fee", false},
		{"underscore separates words", "loan_payment", "loan", true},
		{"compound word is not a hit", "balloon purchase", "loan", false},
		{"case insensitive", "Bank TRANSFER to savings", "transfer", true},
		{"multi word keyword", "automatic currency conversion applied", "currency conversion", true},
		{"multi word keyword split", "currency exchange conversion", "currency conversion", false},
		{"empty text", "", "fee", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, containsKeyword(tt.text, tt.keyword))
		})
	}
}

func TestDetermineInitialStatus(t *testing.T) {
	tests := []struct {
		name   string
		record models.PayPalTransaction
		want   models.ReconciliationStatus
	}{
		{
			name:   "merchant purchase stays pending",
			record: models.PayPalTransaction{Description: "Coffee purchase at Starbucks"},
			want:   models.ReconciliationPending,
		},
		{
			name:   "fee in description is excluded",
			record: models.PayPalTransaction{Description: "PayPal Fee for transaction"},
			want:   models.ReconciliationNotApplicable,
		},
		{
			name:   "balloon does not match loan",
			record: models.PayPalTransaction{Description: "Balloon purchase for party"},
			want:   models.ReconciliationPending,
		},
		{
			name:   "event type checked before description",
			record: models.PayPalTransaction{EventType: "loan_payment", Description: "Something harmless"},
			want:   models.ReconciliationNotApplicable,
		},
		{
			name:   "category hit",
			record: models.PayPalTransaction{Category: "Interest payment", Description: "Monthly statement"},
			want:   models.ReconciliationNotApplicable,
		},
		{
			name:   "withdrawal label from event code mapping",
			record: models.PayPalTransaction{EventType: "withdrawal"},
			want:   models.ReconciliationNotApplicable,
		},
		{
			name:   "raw event code is no hit",
			record: models.PayPalTransaction{EventType: "T0006", Description: "Grocery store"},
			want:   models.ReconciliationPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineInitialStatus(&tt.record))
		})
	}
}

func TestWithinAmountTolerance(t *testing.T) {
	tests := []struct {
		name      string
		primary   string
		secondary string
		want      bool
	}{
		{"identical", "100.00", "100.00", true},
		{"just inside one percent", "100.99", "100.00", true},
		{"exactly one percent", "101.00", "100.00", true},
		{"over one percent", "102.00", "100.00", false},
		{"below within tolerance", "99.10", "100.00", true},
		{"small amounts", "10.05", "10.00", true},
		{"small amounts over", "10.15", "10.00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := decimal.RequireFromString(tt.primary)
			secondary := decimal.RequireFromString(tt.secondary)
			assert.Equal(t, tt.want, withinAmountTolerance(primary, secondary))
		})
	}
}

func TestWithinDateWindow(t *testing.T) {
	base := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	assert.True(t, withinDateWindow(base, base))
	assert.True(t, withinDateWindow(base.AddDate(0, 0, 3), base))
	assert.True(t, withinDateWindow(base.AddDate(0, 0, -3), base))
	assert.False(t, withinDateWindow(base.AddDate(0, 0, 4), base))
	assert.False(t, withinDateWindow(base.AddDate(0, 0, -4), base))

	// Provider events carry a time of day; a midnight booking exactly three
	// calendar days away still matches.
	event := time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC)
	assert.True(t, withinDateWindow(base.AddDate(0, 0, -3), event))
	assert.True(t, withinDateWindow(base.AddDate(0, 0, 3), event))
	assert.False(t, withinDateWindow(base.AddDate(0, 0, -4), event))
}

func TestEnrichDescription(t *testing.T) {
	enriched, changed := enrichDescription("PayPal *Merchant", "Detailed Merchant Name LLC")
	assert.True(t, changed)
	assert.Contains(t, enriched, "Detailed Merchant Name LLC")

	// Re-running on the enriched description is a no-op.
	again, changed := enrichDescription(enriched, "Detailed Merchant Name LLC")
	assert.False(t, changed)
	assert.Equal(t, enriched, again)

	// Case-insensitive containment counts as already present.
	same, changed := enrichDescription("paypal detailed merchant name llc", "Detailed Merchant Name LLC")
	assert.False(t, changed)
	assert.Equal(t, "paypal detailed merchant name llc", same)

	// No merchant name, nothing to add.
	same, changed = enrichDescription("PayPal *Merchant", "")
	assert.False(t, changed)
	assert.Equal(t, "PayPal *Merchant", same)
}

func TestManualReconcileRejectsForeignTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tx-other-user", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	svc := NewReconciliationService(db)
	err = svc.ManualReconcile(context.Background(), "rec-1", "tx-other-user", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManualReconcileLinksOwnedTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tx-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE paypal_transactions").
		WithArgs(string(models.ReconciliationManual), "tx-1", "rec-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewReconciliationService(db)
	err = svc.ManualReconcile(context.Background(), "rec-1", "tx-1", "user-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchConfidence(t *testing.T) {
	date := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	primary := &models.Transaction{
		Amount:        decimal.RequireFromString("100.00"),
		ExecutionDate: date,
	}
	record := &models.PayPalTransaction{
		Amount:        decimal.RequireFromString("100.00"),
		ExecutionDate: date,
	}

	assert.InDelta(t, 1.0, matchConfidence(primary, record), 0.001)

	primary.ExecutionDate = date.AddDate(0, 0, 2)
	assert.InDelta(t, 0.9, matchConfidence(primary, record), 0.001)

	primary.Amount = decimal.RequireFromString("101.00")
	assert.Less(t, matchConfidence(primary, record), 0.9)
}
