package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

// Labels for the PayPal transaction event codes that represent non-merchant
// money movements. Everything else keeps the raw code and classification
// falls through to category and description.
var eventCodeLabels = map[string]string{
	"T0106": "chargeback fee",
	"T0200": "currency conversion",
	"T0201": "currency conversion",
	"T0202": "currency conversion",
	"T0300": "bank funding transfer",
	"T0301": "bank funding transfer",
	"T0400": "withdrawal",
	"T0401": "withdrawal",
	"T0700": "credit line payment",
	"T1105": "adjustment",
	"T1106": "adjustment",
	"T1900": "adjustment",
	"T3000": "loan payment",
}

// PayPalService is the secondary-provider client plus the activity store for
// its imported records. Implements Importer for the orchestrator.
type PayPalService struct {
	db           *sql.DB
	BaseURL      string
	ClientID     string
	ClientSecret string
	Client       *http.Client

	mu    sync.Mutex
	token sessionToken
}

func NewPayPalService(db *sql.DB) *PayPalService {
	return &PayPalService{
		db:           db,
		BaseURL:      "https://api-m.paypal.com",
		ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
		ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *PayPalService) ensureValidToken(ctx context.Context) (string, error) {
	if s.ClientID == "" || s.ClientSecret == "" {
		return "", ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.valid(time.Now()) {
		return s.token.value, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(s.ClientID, s.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode error: %v, body: %s", err, string(respBody))
	}

	s.token = sessionToken{
		value:     result.AccessToken,
		expiresAt: time.Now().Add(time.Duration(result.ExpiresIn-60) * time.Second),
	}

	return s.token.value, nil
}

type paypalTransaction struct {
	TransactionInfo struct {
		TransactionID     string `json:"transaction_id"`
		EventCode         string `json:"transaction_event_code"`
		InitiationDate    string `json:"transaction_initiation_date"`
		TransactionAmount struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"transaction_amount"`
		Subject string `json:"transaction_subject"`
		Note    string `json:"transaction_note"`
	} `json:"transaction_info"`
	PayerInfo struct {
		PayerName struct {
			AlternateFullName string `json:"alternate_full_name"`
		} `json:"payer_name"`
	} `json:"payer_info"`
	CartInfo struct {
		ItemDetails []struct {
			ItemName string `json:"item_name"`
		} `json:"item_details"`
	} `json:"cart_info"`
}

// listTransactions fetches the provider's reporting feed for the window.
func (s *PayPalService) listTransactions(ctx context.Context, dateFrom, dateTo time.Time) ([]paypalTransaction, error) {
	token, err := s.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/reporting/transactions?start_date=%s&end_date=%s&fields=all",
		s.BaseURL,
		url.QueryEscape(dateFrom.Format(time.RFC3339)),
		url.QueryEscape(dateTo.Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		TransactionDetails []paypalTransaction `json:"transaction_details"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode error: %v, body: %s", err, string(respBody))
	}

	return result.TransactionDetails, nil
}

// ImportFromSource pulls the provider feed for the window and stores every
// unseen event, classifying it exactly once. Idempotent per external id.
func (s *PayPalService) ImportFromSource(ctx context.Context, accountID, userID string, opts ImportOptions) (*ImportResult, error) {
	dateTo := time.Now()
	if opts.DateTo != nil {
		dateTo = *opts.DateTo
	}
	dateFrom := dateTo.AddDate(0, 0, -30)
	if opts.DateFrom != nil {
		dateFrom = *opts.DateFrom
	}

	upstream, err := s.listTransactions(ctx, dateFrom, dateTo)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, ptx := range upstream {
		record, err := s.buildRecord(userID, ptx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ptx.TransactionInfo.TransactionID, err))
			continue
		}

		if !opts.SkipDuplicateCheck {
			existing, err := s.FindByExternalID(ctx, record.ExternalID, userID)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ExternalID, err))
				continue
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}

		if err := s.Create(ctx, record); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ExternalID, err))
			continue
		}
		result.Imported++
	}

	return result, nil
}

func (s *PayPalService) buildRecord(userID string, ptx paypalTransaction) (*models.PayPalTransaction, error) {
	info := ptx.TransactionInfo

	amount, err := decimal.NewFromString(info.TransactionAmount.Value)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", info.TransactionAmount.Value, err)
	}

	executionDate, err := time.Parse(time.RFC3339, info.InitiationDate)
	if err != nil {
		return nil, fmt.Errorf("bad initiation date %q: %w", info.InitiationDate, err)
	}

	eventType := info.EventCode
	if label, ok := eventCodeLabels[eventType]; ok {
		eventType = label
	}

	description := firstNonEmpty(info.Subject, info.Note, ptx.PayerInfo.PayerName.AlternateFullName)
	category := ""
	if len(ptx.CartInfo.ItemDetails) > 0 {
		category = ptx.CartInfo.ItemDetails[0].ItemName
	}

	raw, _ := json.Marshal(ptx)

	record := &models.PayPalTransaction{
		UserID:        userID,
		ExternalID:    info.TransactionID,
		MerchantName:  ptx.PayerInfo.PayerName.AlternateFullName,
		Category:      category,
		EventType:     eventType,
		Type:          models.TypeForAmount(amount),
		Amount:        amount.Abs(),
		Currency:      info.TransactionAmount.CurrencyCode,
		Description:   description,
		ExecutionDate: executionDate,
		RawPayload:    raw,
	}
	record.ReconciliationStatus = DetermineInitialStatus(record)

	return record, nil
}

// FindByExternalID returns nil when the event was never imported.
func (s *PayPalService) FindByExternalID(ctx context.Context, externalID, userID string) (*models.PayPalTransaction, error) {
	query := `
		SELECT id, external_id, reconciliation_status
		FROM paypal_transactions
		WHERE external_id = $1 AND user_id = $2
	`

	var rec models.PayPalTransaction
	rec.UserID = userID
	err := s.db.QueryRowContext(ctx, query, externalID, userID).
		Scan(&rec.ID, &rec.ExternalID, &rec.ReconciliationStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PayPalService) Create(ctx context.Context, record *models.PayPalTransaction) error {
	query := `
		INSERT INTO paypal_transactions (
			user_id, external_id, merchant_name, category, event_type, type,
			amount, currency, description, execution_date, raw_payload,
			reconciliation_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (user_id, external_id) DO NOTHING
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		record.UserID, record.ExternalID, nullable(record.MerchantName),
		nullable(record.Category), nullable(record.EventType), record.Type,
		record.Amount.String(), record.Currency, record.Description,
		record.ExecutionDate, record.RawPayload, record.ReconciliationStatus,
	).Scan(&record.ID)
	if err == sql.ErrNoRows {
		return nil // concurrent import already wrote it
	}
	return err
}

// UpdateReconciliation mutates only the reconciliation fields of a record.
func (s *PayPalService) UpdateReconciliation(ctx context.Context, recordID, userID string, status models.ReconciliationStatus, matchedTransactionID string, confidence *float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE paypal_transactions
		SET reconciliation_status = $1, matched_transaction_id = NULLIF($2, ''),
		    match_confidence = $3, updated_at = NOW()
		WHERE id = $4 AND user_id = $5
	`, status, matchedTransactionID, confidence, recordID, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLinkedConnection returns the user's provider link, nil when none.
func (s *PayPalService) GetLinkedConnection(ctx context.Context, userID string) (*models.PayPalConnection, error) {
	query := `
		SELECT id, user_id, status, linked_at, last_sync_at, COALESCE(last_sync_error, '')
		FROM paypal_connections
		WHERE user_id = $1
	`

	var conn models.PayPalConnection
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&conn.ID, &conn.UserID, &conn.Status, &conn.LinkedAt,
		&conn.LastSyncAt, &conn.LastSyncError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// LinkConnection enables PayPal imports for the user.
func (s *PayPalService) LinkConnection(ctx context.Context, userID string) (*models.PayPalConnection, error) {
	query := `
		INSERT INTO paypal_connections (user_id, status, linked_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET status = EXCLUDED.status
		RETURNING id, user_id, status, linked_at
	`

	var conn models.PayPalConnection
	err := s.db.QueryRowContext(ctx, query, userID, models.ConnectionActive).
		Scan(&conn.ID, &conn.UserID, &conn.Status, &conn.LinkedAt)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// MarkSyncOutcome records the result of the latest provider import.
func (s *PayPalService) MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error {
	if syncError == "" {
		_, err := s.db.ExecContext(ctx, `
			UPDATE paypal_connections SET last_sync_at = NOW(), last_sync_error = NULL WHERE id = $1
		`, connectionID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE paypal_connections SET last_sync_error = $1, status = $2 WHERE id = $3
	`, syncError, models.ConnectionError, connectionID)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
