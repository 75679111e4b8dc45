package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionExpense TransactionType = "expense"
	TransactionIncome  TransactionType = "income"
)

// TypeForAmount maps a signed upstream amount to a transaction type.
// Providers report debits as negative amounts; we store the absolute value
// plus the type.
func TypeForAmount(amount decimal.Decimal) TransactionType {
	if amount.IsNegative() {
		return TransactionExpense
	}
	return TransactionIncome
}

type Transaction struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	AccountID     string          `json:"account_id,omitempty"`
	ExternalID    string          `json:"-"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
	ExecutionDate time.Time       `json:"execution_date"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type BankAccount struct {
	ID                string     `json:"id"`
	ConnectionID      string     `json:"connection_id"`
	ExternalAccountID string     `json:"-"` // internal use only
	Name              string     `json:"name"`
	Mask              string     `json:"mask"`
	Currency          string     `json:"currency"`
	Balance           float64    `json:"balance"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
}
