package models

import (
	"time"
)

type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionExpiringSoon ConnectionStatus = "EXPIRING_SOON"
	ConnectionExpired      ConnectionStatus = "EXPIRED"
	ConnectionError        ConnectionStatus = "ERROR"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// Terminal reports whether the status may never be overwritten by a
// time-based recomputation.
func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionDisconnected
}

type BankConnection struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	RequisitionID      string           `json:"-"` // stored encrypted
	Reference          string           `json:"-"`
	InstitutionID      string           `json:"institution_id"`
	InstitutionName    string           `json:"institution_name"`
	InstitutionLogo    string           `json:"institution_logo,omitempty"`
	Status             ConnectionStatus `json:"status"`
	ConnectedAt        time.Time        `json:"connected_at"`
	AccessValidForDays int              `json:"access_valid_for_days"`
	ExpiresAt          time.Time        `json:"expires_at"`
	LastSyncAt         *time.Time       `json:"last_sync_at,omitempty"`
	LastSyncError      string           `json:"last_sync_error,omitempty"`
	AccountIDs         []string         `json:"-"` // stored encrypted
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ComputeExpiresAt derives the consent expiration from the moment the user
// completed the linking flow. ExpiresAt is never set independently.
func (c *BankConnection) ComputeExpiresAt() time.Time {
	return c.ConnectedAt.AddDate(0, 0, c.AccessValidForDays)
}

// Syncable reports whether the consent is still usable for imports.
func (c *BankConnection) Syncable() bool {
	return c.Status == ConnectionActive || c.Status == ConnectionExpiringSoon
}

// ExpirationAlert tells a user that one of their consents needs re-linking.
type ExpirationAlert struct {
	ConnectionID        string           `json:"connection_id"`
	InstitutionID       string           `json:"institution_id"`
	InstitutionName     string           `json:"institution_name"`
	Status              ConnectionStatus `json:"status"`
	ExpiresAt           time.Time        `json:"expires_at"`
	DaysUntilExpiration int              `json:"days_until_expiration"`
	AccountIDs          []string         `json:"account_ids"`
}

type PayPalConnection struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Status        ConnectionStatus `json:"status"`
	LinkedAt      time.Time        `json:"linked_at"`
	LastSyncAt    *time.Time       `json:"last_sync_at,omitempty"`
	LastSyncError string           `json:"last_sync_error,omitempty"`
}
