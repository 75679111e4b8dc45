package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGoCardlessService(baseURL string) *GoCardlessService {
	return &GoCardlessService{
		SecretID:  "test-id",
		SecretKey: "test-key",
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func TestEnsureValidTokenNotConfigured(t *testing.T) {
	svc := &GoCardlessService{Client: http.DefaultClient}

	_, err := svc.GetInstitutions(context.Background(), "IT")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	tokenCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token/new/":
			tokenCalls++
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "test-id", creds["secret_id"])
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "token-abc",
				"access_expires": 86400,
			})
		case "/institutions/":
			assert.Equal(t, "Bearer token-abc", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode([]Institution{{ID: "BANK_IT", Name: "Banca Prova"}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	for i := 0; i < 3; i++ {
		institutions, err := svc.GetInstitutions(context.Background(), "IT")
		require.NoError(t, err)
		require.Len(t, institutions, 1)
		assert.Equal(t, "BANK_IT", institutions[0].ID)
	}

	assert.Equal(t, 1, tokenCalls)
}

func TestExpiredTokenIsReissued(t *testing.T) {
	tokenCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/new/" {
			tokenCalls++
			// access_expires below the 60s early-renewal margin, so the
			// token is stale as soon as it is issued.
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "short-lived",
				"access_expires": 30,
			})
			return
		}
		json.NewEncoder(w).Encode([]Institution{})
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	_, err := svc.GetInstitutions(context.Background(), "IT")
	require.NoError(t, err)
	_, err = svc.GetInstitutions(context.Background(), "IT")
	require.NoError(t, err)

	assert.Equal(t, 2, tokenCalls)
}

func TestUpstreamErrorCarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/new/" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "token-abc",
				"access_expires": 86400,
			})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"detail":"rate limit exceeded"}`))
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	_, err := svc.GetInstitutions(context.Background(), "IT")
	require.Error(t, err)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusTooManyRequests, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "rate limit exceeded")
}

func TestGetAccountTransactionsFlattensAmount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/new/" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "token-abc",
				"access_expires": 86400,
			})
			return
		}

		assert.Equal(t, "/accounts/acct-1/transactions/", r.URL.Path)
		assert.Equal(t, "2025-05-01", r.URL.Query().Get("date_from"))
		assert.Equal(t, "2025-05-31", r.URL.Query().Get("date_to"))

		w.Write([]byte(`{
			"transactions": {
				"booked": [{
					"transactionId": "tx-1",
					"bookingDate": "2025-05-12",
					"transactionAmount": {"amount": "-42.50", "currency": "EUR"},
					"remittanceInformationUnstructured": "PayPal *Merchant"
				}],
				"pending": [{
					"transactionId": "tx-2",
					"bookingDate": "2025-05-30",
					"transactionAmount": {"amount": "-3.00", "currency": "EUR"}
				}]
			}
		}`))
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	dateFrom := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	dateTo := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	txs, err := svc.GetAccountTransactions(context.Background(), "acct-1", dateFrom, dateTo)
	require.NoError(t, err)

	// Only booked transactions are imported.
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].TransactionID)
	assert.Equal(t, "-42.50", txs[0].Amount)
	assert.Equal(t, "EUR", txs[0].Currency)
	assert.Equal(t, "PayPal *Merchant", txs[0].RemittanceInfo)
}

func TestFindRequisitionByReferenceFollowsPagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/new/" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "token-abc",
				"access_expires": 86400,
			})
			return
		}

		require.Equal(t, "/requisitions/", r.URL.Path)
		if r.URL.Query().Get("offset") == "" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"next":    server.URL + "/requisitions/?limit=100&offset=100",
				"results": []Requisition{{ID: "req-1", Reference: "other-ref"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"next":    nil,
			"results": []Requisition{{ID: "req-2", Reference: "ref-wanted"}},
		})
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	req, err := svc.FindRequisitionByReference(context.Background(), "ref-wanted")
	require.NoError(t, err)
	assert.Equal(t, "req-2", req.ID)

	_, err = svc.FindRequisitionByReference(context.Background(), "ref-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRequisitionSendsReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token/new/" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access":         "token-abc",
				"access_expires": 86400,
			})
			return
		}

		require.Equal(t, "/requisitions/", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "BANK_IT", payload["institution_id"])
		assert.Equal(t, "ref-123", payload["reference"])
		assert.Equal(t, "agr-1", payload["agreement"])

		json.NewEncoder(w).Encode(Requisition{
			ID:        "req-1",
			Reference: "ref-123",
			Link:      "https://bank.example/authorize",
		})
	}))
	defer server.Close()

	svc := newTestGoCardlessService(server.URL)

	req, err := svc.CreateRequisition(context.Background(), "BANK_IT", "https://app.example/callback", "ref-123", "agr-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.ID)
	assert.Equal(t, "https://bank.example/authorize", req.Link)
}
