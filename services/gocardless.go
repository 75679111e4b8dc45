package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured is returned before any network call when the aggregator
// credentials are missing from the environment.
var ErrNotConfigured = errors.New("gocardless credentials are not configured")

// UpstreamError is the one error shape for every non-2xx aggregator response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gocardless returned %d: %s", e.StatusCode, e.Body)
}

// sessionToken is the transient bearer token for the aggregator API. It is
// never persisted and recreated whenever absent or expired.
type sessionToken struct {
	value     string
	expiresAt time.Time
}

func (t sessionToken) valid(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

type GoCardlessService struct {
	SecretID  string
	SecretKey string
	BaseURL   string
	Client    *http.Client

	mu    sync.Mutex
	token sessionToken
}

func NewGoCardlessService() *GoCardlessService {
	return &GoCardlessService{
		SecretID:  os.Getenv("GOCARDLESS_SECRET_ID"),
		SecretKey: os.Getenv("GOCARDLESS_SECRET_KEY"),
		BaseURL:   "https://bankaccountdata.gocardless.com/api/v2",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ensureValidToken returns the cached session token, re-issuing it through
// POST /token/new/ when absent or expired. The issuance call is the only one
// that does not carry a bearer token.
func (s *GoCardlessService) ensureValidToken(ctx context.Context) (string, error) {
	if s.SecretID == "" || s.SecretKey == "" {
		return "", ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.valid(time.Now()) {
		return s.token.value, nil
	}

	payload := map[string]string{
		"secret_id":  s.SecretID,
		"secret_key": s.SecretKey,
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.BaseURL+"/token/new/", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

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
		Access        string `json:"access"`
		AccessExpires int    `json:"access_expires"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode error: %v, body: %s", err, string(respBody))
	}

	// Renew one minute early so in-flight calls never carry a stale token.
	s.token = sessionToken{
		value:     result.Access,
		expiresAt: time.Now().Add(time.Duration(result.AccessExpires-60) * time.Second),
	}

	return s.token.value, nil
}

// doAuthorized performs one authenticated aggregator call and decodes the
// response into out (when out is non-nil).
func (s *GoCardlessService) doAuthorized(ctx context.Context, method, path string, payload, out interface{}) error {
	token, err := s.ensureValidToken(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode error: %v, body: %s", err, string(respBody))
	}
	return nil
}

// 1. Lister les banques disponibles par pays
type Institution struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Logo string `json:"logo"`
}

func (s *GoCardlessService) GetInstitutions(ctx context.Context, countryCode string) ([]Institution, error) {
	var institutions []Institution
	if err := s.doAuthorized(ctx, "GET", "/institutions/?country="+countryCode, nil, &institutions); err != nil {
		return nil, err
	}
	return institutions, nil
}

// 2. Créer un accord de consentement (durée d'accès et d'historique)
type EndUserAgreement struct {
	ID                 string `json:"id"`
	InstitutionID      string `json:"institution_id"`
	MaxHistoricalDays  int    `json:"max_historical_days"`
	AccessValidForDays int    `json:"access_valid_for_days"`
}

func (s *GoCardlessService) CreateAgreement(ctx context.Context, institutionID string, maxHistoricalDays, accessValidForDays int) (*EndUserAgreement, error) {
	payload := map[string]interface{}{
		"institution_id":        institutionID,
		"max_historical_days":   maxHistoricalDays,
		"access_valid_for_days": accessValidForDays,
		"access_scope":          []string{"balances", "details", "transactions"},
	}

	var agreement EndUserAgreement
	if err := s.doAuthorized(ctx, "POST", "/agreements/enduser/", payload, &agreement); err != nil {
		return nil, err
	}
	return &agreement, nil
}

// 3. Créer une "requisition" (= demande de connexion bancaire)
type Requisition struct {
	ID            string   `json:"id"`
	InstitutionID string   `json:"institution_id"`
	Reference     string   `json:"reference"`
	Status        string   `json:"status"`
	Link          string   `json:"link"` // URL où rediriger l'utilisateur
	Accounts      []string `json:"accounts"`
	AgreementID   string   `json:"agreement"`
}

func (s *GoCardlessService) CreateRequisition(ctx context.Context, institutionID, redirectURL, reference, agreementID string) (*Requisition, error) {
	payload := map[string]string{
		"redirect":       redirectURL,
		"institution_id": institutionID,
		"reference":      reference, // Pour retrouver la connexion au callback
	}
	if agreementID != "" {
		payload["agreement"] = agreementID
	}

	var requisition Requisition
	if err := s.doAuthorized(ctx, "POST", "/requisitions/", payload, &requisition); err != nil {
		return nil, err
	}
	return &requisition, nil
}

// 4. Récupérer une requisition (avec la liste des comptes liés)
func (s *GoCardlessService) GetRequisition(ctx context.Context, requisitionID string) (*Requisition, error) {
	var requisition Requisition
	if err := s.doAuthorized(ctx, "GET", "/requisitions/"+requisitionID+"/", nil, &requisition); err != nil {
		return nil, err
	}
	return &requisition, nil
}

// FindRequisitionByReference retrouve la requisition créée avec notre
// référence, en suivant la pagination de l'API.
func (s *GoCardlessService) FindRequisitionByReference(ctx context.Context, reference string) (*Requisition, error) {
	path := "/requisitions/?limit=100"
	for path != "" {
		var result struct {
			Next    string        `json:"next"`
			Results []Requisition `json:"results"`
		}
		if err := s.doAuthorized(ctx, "GET", path, nil, &result); err != nil {
			return nil, err
		}

		for _, req := range result.Results {
			if req.Reference == reference {
				return &req, nil
			}
		}

		path = s.relativePath(result.Next)
	}
	return nil, ErrNotFound
}

// relativePath rebases an absolute pagination URL onto BaseURL. Empty or
// unparseable input ends the pagination.
func (s *GoCardlessService) relativePath(absolute string) string {
	if absolute == "" {
		return ""
	}
	next, err := url.Parse(absolute)
	if err != nil {
		return ""
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	path := strings.TrimPrefix(next.Path, base.Path)
	if next.RawQuery != "" {
		path += "?" + next.RawQuery
	}
	return path
}

// 5. Récupérer les détails d'un compte (nom, IBAN, etc.)
type AccountDetails struct {
	IBAN     string `json:"iban"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func (s *GoCardlessService) GetAccountDetails(ctx context.Context, accountID string) (*AccountDetails, error) {
	var result struct {
		Account AccountDetails `json:"account"`
	}
	if err := s.doAuthorized(ctx, "GET", "/accounts/"+accountID+"/details/", nil, &result); err != nil {
		return nil, err
	}
	return &result.Account, nil
}

// 6. Récupérer le solde d'un compte
func (s *GoCardlessService) GetAccountBalance(ctx context.Context, accountID string) (float64, string, error) {
	var result struct {
		Balances []struct {
			BalanceAmount struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"balanceAmount"`
			BalanceType string `json:"balanceType"`
		} `json:"balances"`
	}
	if err := s.doAuthorized(ctx, "GET", "/accounts/"+accountID+"/balances/", nil, &result); err != nil {
		return 0, "", err
	}

	// Chercher le solde "interimAvailable" ou "expected"
	for _, bal := range result.Balances {
		if bal.BalanceType == "interimAvailable" || bal.BalanceType == "expected" {
			var amount float64
			fmt.Sscanf(bal.BalanceAmount.Amount, "%f", &amount)
			return amount, bal.BalanceAmount.Currency, nil
		}
	}

	return 0, "", fmt.Errorf("no suitable balance found")
}

// 7. Récupérer les transactions d'un compte sur une plage de dates
type AggregatorTransaction struct {
	TransactionID  string `json:"transactionId"`
	BookingDate    string `json:"bookingDate"`
	ValueDate      string `json:"valueDate"`
	Amount         string `json:"-"`
	Currency       string `json:"-"`
	CreditorName   string `json:"creditorName"`
	DebtorName     string `json:"debtorName"`
	RemittanceInfo string `json:"remittanceInformationUnstructured"`
}

func (tx *AggregatorTransaction) UnmarshalJSON(data []byte) error {
	type alias AggregatorTransaction
	aux := struct {
		*alias
		TransactionAmount struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"transactionAmount"`
	}{alias: (*alias)(tx)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	tx.Amount = aux.TransactionAmount.Amount
	tx.Currency = aux.TransactionAmount.Currency
	return nil
}

func (s *GoCardlessService) GetAccountTransactions(ctx context.Context, accountID string, dateFrom, dateTo time.Time) ([]AggregatorTransaction, error) {
	path := fmt.Sprintf("/accounts/%s/transactions/?date_from=%s&date_to=%s",
		accountID, dateFrom.Format("2006-01-02"), dateTo.Format("2006-01-02"))

	var result struct {
		Transactions struct {
			Booked  []AggregatorTransaction `json:"booked"`
			Pending []AggregatorTransaction `json:"pending"`
		} `json:"transactions"`
	}
	if err := s.doAuthorized(ctx, "GET", path, nil, &result); err != nil {
		return nil, err
	}

	return result.Transactions.Booked, nil
}
