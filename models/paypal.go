package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type ReconciliationStatus string

const (
	ReconciliationPending       ReconciliationStatus = "pending"
	ReconciliationNotApplicable ReconciliationStatus = "not_applicable"
	ReconciliationReconciled    ReconciliationStatus = "reconciled"
	ReconciliationFailed        ReconciliationStatus = "failed"
	ReconciliationManual        ReconciliationStatus = "manual"
)

// PayPalTransaction is an event from the payment provider that is not itself
// a bank transaction but may explain one. The reconciliation status is fixed
// once at import time and only mutated by reconciliation operations.
type PayPalTransaction struct {
	ID                   string               `json:"id"`
	UserID               string               `json:"user_id"`
	ExternalID           string               `json:"external_id"`
	MerchantName         string               `json:"merchant_name,omitempty"`
	Category             string               `json:"category,omitempty"`
	EventType            string               `json:"event_type,omitempty"`
	Type                 TransactionType      `json:"type"`
	Amount               decimal.Decimal      `json:"amount"`
	Currency             string               `json:"currency"`
	Description          string               `json:"description"`
	ExecutionDate        time.Time            `json:"execution_date"`
	RawPayload           json.RawMessage      `json:"-"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status"`
	MatchedTransactionID string               `json:"matched_transaction_id,omitempty"`
	MatchConfidence      *float64             `json:"match_confidence,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// Linked reports whether the record carries a reconciled-target link.
// The link is only valid for reconciled and manual records.
func (p *PayPalTransaction) Linked() bool {
	return p.MatchedTransactionID != "" &&
		(p.ReconciliationStatus == ReconciliationReconciled ||
			p.ReconciliationStatus == ReconciliationManual)
}
