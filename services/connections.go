package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
	"github.com/coffeebudget/coffee-budget-backend-sub001/utils"
)

// expiringSoonWindow is how long before consent expiry a connection is
// flagged EXPIRING_SOON. The boundary is inclusive.
const expiringSoonWindow = 14 * 24 * time.Hour

// CalculateStatus derives the connection status from the consent expiry.
// Pure function of time; recomputed on every read and persisted
// opportunistically.
func CalculateStatus(expiresAt, now time.Time) models.ConnectionStatus {
	if expiresAt.Before(now) {
		return models.ConnectionExpired
	}
	if !expiresAt.After(now.Add(expiringSoonWindow)) {
		return models.ConnectionExpiringSoon
	}
	return models.ConnectionActive
}

// deriveStatus recomputes a connection status from the clock. DISCONNECTED
// is the only terminal status: an ERROR connection whose consent window is
// still open goes back to ACTIVE so the next scheduled run retries it.
func deriveStatus(current models.ConnectionStatus, expiresAt, now time.Time) models.ConnectionStatus {
	if current.Terminal() {
		return current
	}
	return CalculateStatus(expiresAt, now)
}

// ClassifyPostSyncError decides whether a failed sync points at a consent
// problem (EXPIRED) or something transient (ERROR). Keyword heuristic,
// best-effort, not authoritative.
func ClassifyPostSyncError(message string) models.ConnectionStatus {
	msg := strings.ToLower(message)
	for _, kw := range []string{"consent expired", "expired", "401", "403", "unauthorized", "forbidden"} {
		if strings.Contains(msg, kw) {
			return models.ConnectionExpired
		}
	}
	return models.ConnectionError
}

// BuildExpirationAlerts emits one alert per EXPIRING_SOON/EXPIRED connection
// whose linked accounts are not already covered by a newer ACTIVE connection,
// so users are not nagged again after re-linking. Connections must be ordered
// most-recently-connected first. Alerts are sorted most urgent first.
func BuildExpirationAlerts(connections []models.BankConnection, now time.Time) []models.ExpirationAlert {
	// First (= most recent) ACTIVE owner wins per account id.
	covered := make(map[string]string)
	for _, conn := range connections {
		if conn.Status != models.ConnectionActive {
			continue
		}
		for _, accountID := range conn.AccountIDs {
			if _, ok := covered[accountID]; !ok {
				covered[accountID] = conn.ID
			}
		}
	}

	var alerts []models.ExpirationAlert
	for _, conn := range connections {
		if conn.Status != models.ConnectionExpiringSoon && conn.Status != models.ConnectionExpired {
			continue
		}

		var uncovered []string
		for _, accountID := range conn.AccountIDs {
			if _, ok := covered[accountID]; !ok {
				uncovered = append(uncovered, accountID)
			}
		}
		if len(conn.AccountIDs) > 0 && len(uncovered) == 0 {
			continue // fully re-linked through a newer connection
		}

		// Floor so overdue consents get negative day counts and sort first.
		days := int(math.Floor(conn.ExpiresAt.Sub(now).Hours() / 24))

		alerts = append(alerts, models.ExpirationAlert{
			ConnectionID:        conn.ID,
			InstitutionID:       conn.InstitutionID,
			InstitutionName:     conn.InstitutionName,
			Status:              conn.Status,
			ExpiresAt:           conn.ExpiresAt,
			DaysUntilExpiration: days,
			AccountIDs:          uncovered,
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].DaysUntilExpiration < alerts[j].DaysUntilExpiration
	})

	return alerts
}

type ConnectionService struct {
	db *sql.DB
}

func NewConnectionService(db *sql.DB) *ConnectionService {
	return &ConnectionService{db: db}
}

// CreateConnection stores a freshly requested connection (status PENDING is
// not modelled; it is created once the linking flow starts and finalized on
// callback). The requisition id is encrypted before it touches SQL.
func (s *ConnectionService) CreateConnection(ctx context.Context, conn *models.BankConnection) error {
	encRequisition, err := utils.Encrypt([]byte(conn.RequisitionID))
	if err != nil {
		return fmt.Errorf("failed to encrypt requisition id: %w", err)
	}
	encAccounts, err := encryptAccountIDs(conn.AccountIDs)
	if err != nil {
		return err
	}

	conn.ExpiresAt = conn.ComputeExpiresAt()

	query := `
		INSERT INTO bank_connections (
			user_id, requisition_id, reference, institution_id, institution_name,
			institution_logo, status, connected_at, access_valid_for_days,
			expires_at, account_ids, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id
	`

	return s.db.QueryRowContext(ctx, query,
		conn.UserID, encRequisition, conn.Reference, conn.InstitutionID,
		conn.InstitutionName, conn.InstitutionLogo, conn.Status,
		conn.ConnectedAt, conn.AccessValidForDays, conn.ExpiresAt, encAccounts,
	).Scan(&conn.ID)
}

// FinalizeConnection is called when the user returns from the bank. It binds
// the linked account ids and restarts the consent clock.
func (s *ConnectionService) FinalizeConnection(ctx context.Context, connectionID string, accountIDs []string, connectedAt time.Time, accessValidForDays int) error {
	encAccounts, err := encryptAccountIDs(accountIDs)
	if err != nil {
		return err
	}

	expiresAt := connectedAt.AddDate(0, 0, accessValidForDays)

	result, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET account_ids = $1, connected_at = $2, access_valid_for_days = $3,
		    expires_at = $4, status = $5, updated_at = NOW()
		WHERE id = $6
	`, encAccounts, connectedAt, accessValidForDays, expiresAt, models.ConnectionActive, connectionID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUserConnections renvoie les connexions d'un utilisateur, la plus
// récente en premier.
func (s *ConnectionService) GetUserConnections(ctx context.Context, userID string) ([]models.BankConnection, error) {
	query := `
		SELECT id, user_id, requisition_id, reference, institution_id,
		       institution_name, institution_logo, status, connected_at,
		       access_valid_for_days, expires_at, last_sync_at, last_sync_error,
		       account_ids, created_at, updated_at
		FROM bank_connections
		WHERE user_id = $1
		ORDER BY connected_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.BankConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, *conn)
	}

	return connections, rows.Err()
}

func (s *ConnectionService) GetConnection(ctx context.Context, connectionID, userID string) (*models.BankConnection, error) {
	query := `
		SELECT id, user_id, requisition_id, reference, institution_id,
		       institution_name, institution_logo, status, connected_at,
		       access_valid_for_days, expires_at, last_sync_at, last_sync_error,
		       account_ids, created_at, updated_at
		FROM bank_connections
		WHERE id = $1 AND user_id = $2
	`

	row := s.db.QueryRowContext(ctx, query, connectionID, userID)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conn, err
}

// FindByReference retrouve la connexion créée au départ du linking flow.
func (s *ConnectionService) FindByReference(ctx context.Context, reference, userID string) (*models.BankConnection, error) {
	query := `
		SELECT id, user_id, requisition_id, reference, institution_id,
		       institution_name, institution_logo, status, connected_at,
		       access_valid_for_days, expires_at, last_sync_at, last_sync_error,
		       account_ids, created_at, updated_at
		FROM bank_connections
		WHERE reference = $1 AND user_id = $2
	`

	row := s.db.QueryRowContext(ctx, query, reference, userID)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conn, err
}

// RecomputeAndAlert refreshes every non-terminal connection status from the
// clock, persists the ones that changed and returns the expiration alerts
// for the user.
func (s *ConnectionService) RecomputeAndAlert(ctx context.Context, userID string) ([]models.ExpirationAlert, error) {
	connections, err := s.GetUserConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range connections {
		conn := &connections[i]
		derived := deriveStatus(conn.Status, conn.ExpiresAt, now)
		if derived == conn.Status {
			continue
		}
		conn.Status = derived
		if _, err := s.db.ExecContext(ctx,
			`UPDATE bank_connections SET status = $1, updated_at = NOW() WHERE id = $2`,
			derived, conn.ID); err != nil {
			log.Printf("⚠️ Failed to persist status for connection %s: %v", conn.ID, err)
		}
	}

	return BuildExpirationAlerts(connections, now), nil
}

// MarkSyncOutcome records the result of a sync attempt on the connection.
// A failure moves the connection to EXPIRED or ERROR depending on the error
// text; DISCONNECTED is terminal and never touched.
func (s *ConnectionService) MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error {
	if syncError == "" {
		_, err := s.db.ExecContext(ctx, `
			UPDATE bank_connections
			SET last_sync_at = NOW(), last_sync_error = NULL, updated_at = NOW()
			WHERE id = $1 AND status <> $2
		`, connectionID, models.ConnectionDisconnected)
		return err
	}

	status := ClassifyPostSyncError(syncError)
	_, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET last_sync_error = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND status <> $4
	`, syncError, status, connectionID, models.ConnectionDisconnected)
	return err
}

// Disconnect marks the connection DISCONNECTED. Terminal: the row is kept
// and never hard-deleted.
func (s *ConnectionService) Disconnect(ctx context.Context, connectionID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bank_connections
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3
	`, models.ConnectionDisconnected, connectionID, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAccount upserts display metadata for a linked account.
func (s *ConnectionService) SaveAccount(ctx context.Context, connectionID, externalAccountID, name, mask, currency string, balance float64) error {
	query := `
		INSERT INTO bank_accounts (
			connection_id, external_account_id, name, mask, currency, balance,
			last_synced_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (connection_id, external_account_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			balance = EXCLUDED.balance,
			last_synced_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, connectionID, externalAccountID, name, mask, currency, balance)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *ConnectionService) GetAccountsByConnection(ctx context.Context, connectionID string) ([]models.BankAccount, error) {
	query := `
		SELECT id, connection_id, external_account_id, name, mask, currency, balance, last_synced_at
		FROM bank_accounts
		WHERE connection_id = $1
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.BankAccount
	for rows.Next() {
		var acc models.BankAccount
		err := rows.Scan(
			&acc.ID, &acc.ConnectionID, &acc.ExternalAccountID, &acc.Name,
			&acc.Mask, &acc.Currency, &acc.Balance, &acc.LastSyncedAt,
		)
		if err != nil {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

type connectionScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row connectionScanner) (*models.BankConnection, error) {
	var conn models.BankConnection
	var encRequisition, encAccounts string
	var lastSyncError sql.NullString

	err := row.Scan(
		&conn.ID, &conn.UserID, &encRequisition, &conn.Reference,
		&conn.InstitutionID, &conn.InstitutionName, &conn.InstitutionLogo,
		&conn.Status, &conn.ConnectedAt, &conn.AccessValidForDays,
		&conn.ExpiresAt, &conn.LastSyncAt, &lastSyncError, &encAccounts,
		&conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.LastSyncError = lastSyncError.String

	if encRequisition != "" {
		plain, err := utils.Decrypt(encRequisition)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt requisition id: %w", err)
		}
		conn.RequisitionID = string(plain)
	}

	accountIDs, err := decryptAccountIDs(encAccounts)
	if err != nil {
		return nil, err
	}
	conn.AccountIDs = accountIDs

	return &conn, nil
}

func encryptAccountIDs(accountIDs []string) (string, error) {
	if len(accountIDs) == 0 {
		return "", nil
	}
	plain, err := json.Marshal(accountIDs)
	if err != nil {
		return "", err
	}
	enc, err := utils.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt account ids: %w", err)
	}
	return enc, nil
}

func decryptAccountIDs(encrypted string) ([]string, error) {
	if encrypted == "" {
		return nil, nil
	}
	plain, err := utils.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt account ids: %w", err)
	}
	var accountIDs []string
	if err := json.Unmarshal(plain, &accountIDs); err != nil {
		return nil, err
	}
	return accountIDs, nil
}
