package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

type stubUserStore struct {
	ids []string
	err error
}

func (s *stubUserStore) ListSyncableUserIDs(ctx context.Context) ([]string, error) {
	return s.ids, s.err
}

type stubReportStore struct {
	saved []*models.SyncReport
	err   error
}

func (s *stubReportStore) SaveReport(ctx context.Context, report *models.SyncReport) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, report)
	return nil
}

type syncOutcome struct {
	connectionID string
	syncError    string
}

type stubConnectionSource struct {
	connections map[string][]models.BankConnection
	errs        map[string]error
	outcomes    []syncOutcome
}

func (s *stubConnectionSource) GetUserConnections(ctx context.Context, userID string) ([]models.BankConnection, error) {
	if err := s.errs[userID]; err != nil {
		return nil, err
	}
	return s.connections[userID], nil
}

func (s *stubConnectionSource) MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error {
	s.outcomes = append(s.outcomes, syncOutcome{connectionID: connectionID, syncError: syncError})
	return nil
}

type stubPayPalSource struct {
	linked   map[string]*models.PayPalConnection
	outcomes []syncOutcome
}

func (s *stubPayPalSource) GetLinkedConnection(ctx context.Context, userID string) (*models.PayPalConnection, error) {
	return s.linked[userID], nil
}

func (s *stubPayPalSource) MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error {
	s.outcomes = append(s.outcomes, syncOutcome{connectionID: connectionID, syncError: syncError})
	return nil
}

type importCall struct {
	accountID string
	userID    string
	opts      ImportOptions
}

type stubImporter struct {
	results map[string]*ImportResult
	errs    map[string]error
	calls   []importCall
}

func (s *stubImporter) ImportFromSource(ctx context.Context, accountID, userID string, opts ImportOptions) (*ImportResult, error) {
	s.calls = append(s.calls, importCall{accountID: accountID, userID: userID, opts: opts})
	if err := s.errs[accountID]; err != nil {
		return nil, err
	}
	if result, ok := s.results[accountID]; ok {
		return result, nil
	}
	return &ImportResult{}, nil
}

type stubReconciler struct {
	processed []string
	err       error
}

func (s *stubReconciler) ProcessForUser(ctx context.Context, userID string) (*ReconciliationSummary, error) {
	s.processed = append(s.processed, userID)
	if s.err != nil {
		return nil, s.err
	}
	return &ReconciliationSummary{}, nil
}

type stubNotifier struct {
	notified []string
}

func (s *stubNotifier) SyncCompleted(userID string, report *models.SyncReport) {
	s.notified = append(s.notified, userID)
}

func activeConnection(id string, accountIDs ...string) models.BankConnection {
	return models.BankConnection{
		ID:         id,
		Status:     models.ConnectionActive,
		ExpiresAt:  time.Now().AddDate(0, 0, 60),
		AccountIDs: accountIDs,
	}
}

func newTestSyncService(users *stubUserStore, reports *stubReportStore, conns *stubConnectionSource, paypal *stubPayPalSource, bank, pp *stubImporter, rec *stubReconciler, notif *stubNotifier) *SyncService {
	return &SyncService{
		users:          users,
		reports:        reports,
		connections:    conns,
		paypal:         paypal,
		bankImporter:   bank,
		paypalImporter: pp,
		reconciler:     rec,
		notifier:       notif,
	}
}

func TestSyncUserAggregatesPerAccountResults(t *testing.T) {
	conn := activeConnection("conn-1", "acct-a", "acct-b")
	conns := &stubConnectionSource{connections: map[string][]models.BankConnection{
		"user-1": {conn},
	}}
	reports := &stubReportStore{}
	bank := &stubImporter{
		results: map[string]*ImportResult{
			"acct-a": {Imported: 4, Skipped: 2},
		},
		errs: map[string]error{
			"acct-b": errors.New("upstream returned 500"),
		},
	}
	rec := &stubReconciler{}
	notif := &stubNotifier{}

	svc := newTestSyncService(&stubUserStore{}, reports, conns, &stubPayPalSource{}, bank, &stubImporter{}, rec, notif)

	report, err := svc.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, 2, report.AccountsAttempted())
	assert.Equal(t, 1, report.AccountsSucceeded())
	assert.Equal(t, 1, report.AccountsFailed())
	assert.Equal(t, 4, report.TotalImported())
	assert.Equal(t, 2, report.TotalSkipped())
	assert.Equal(t, models.SyncPartial, report.Status())

	// The failing account's error is recorded on the connection.
	require.Len(t, conns.outcomes, 1)
	assert.Equal(t, "conn-1", conns.outcomes[0].connectionID)
	assert.Contains(t, conns.outcomes[0].syncError, "500")

	// The report reached the store, the user and the reconciler.
	require.Len(t, reports.saved, 1)
	assert.Equal(t, []string{"user-1"}, notif.notified)
	assert.Equal(t, []string{"user-1"}, rec.processed)
}

func TestSyncUserSkipsUnsyncableConnections(t *testing.T) {
	conns := &stubConnectionSource{connections: map[string][]models.BankConnection{
		"user-1": {
			{ID: "conn-expired", Status: models.ConnectionExpired, AccountIDs: []string{"acct-a"}},
			{ID: "conn-gone", Status: models.ConnectionDisconnected, AccountIDs: []string{"acct-b"}},
		},
	}}
	reports := &stubReportStore{}
	bank := &stubImporter{}
	rec := &stubReconciler{}

	svc := newTestSyncService(&stubUserStore{}, reports, conns, &stubPayPalSource{}, bank, &stubImporter{}, rec, &stubNotifier{})

	report, err := svc.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)

	assert.Empty(t, bank.calls)
	assert.Equal(t, 0, report.AccountsAttempted())
	// Nothing attempted, nothing persisted, no reconciliation run.
	assert.Empty(t, reports.saved)
	assert.Empty(t, rec.processed)
}

func TestSyncUserReconciliationFailureIsNotFatal(t *testing.T) {
	conns := &stubConnectionSource{connections: map[string][]models.BankConnection{
		"user-1": {activeConnection("conn-1", "acct-a")},
	}}
	reports := &stubReportStore{}
	rec := &stubReconciler{err: errors.New("reconciliation blew up")}

	svc := newTestSyncService(&stubUserStore{}, reports, conns, &stubPayPalSource{}, &stubImporter{}, &stubImporter{}, rec, &stubNotifier{})

	report, err := svc.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSuccess, report.Status())
	require.Len(t, reports.saved, 1)
	assert.Equal(t, []string{"user-1"}, rec.processed)
}

func TestSyncUserIncludesLinkedPayPal(t *testing.T) {
	linkedAt := time.Now().AddDate(0, 0, -30)
	paypal := &stubPayPalSource{linked: map[string]*models.PayPalConnection{
		"user-1": {ID: "pp-1", UserID: "user-1", Status: models.ConnectionActive, LinkedAt: linkedAt},
	}}
	ppImporter := &stubImporter{results: map[string]*ImportResult{
		"pp-1": {Imported: 3},
	}}
	reports := &stubReportStore{}

	svc := newTestSyncService(&stubUserStore{}, reports, &stubConnectionSource{}, paypal, &stubImporter{}, ppImporter, &stubReconciler{}, &stubNotifier{})

	report, err := svc.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)

	require.Len(t, ppImporter.calls, 1)
	assert.Equal(t, "pp-1", ppImporter.calls[0].accountID)
	assert.Equal(t, 3, report.TotalImported())
	require.Len(t, paypal.outcomes, 1)
	assert.Empty(t, paypal.outcomes[0].syncError)
}

func TestSyncUserSkipsDisconnectedPayPal(t *testing.T) {
	paypal := &stubPayPalSource{linked: map[string]*models.PayPalConnection{
		"user-1": {ID: "pp-1", Status: models.ConnectionDisconnected},
	}}
	ppImporter := &stubImporter{}

	svc := newTestSyncService(&stubUserStore{}, &stubReportStore{}, &stubConnectionSource{}, paypal, &stubImporter{}, ppImporter, &stubReconciler{}, &stubNotifier{})

	_, err := svc.SyncUser(context.Background(), "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, ppImporter.calls)
}

func TestLookbackWindow(t *testing.T) {
	svc := &SyncService{}

	t.Run("never synced gets the wide window", func(t *testing.T) {
		opts := svc.lookbackWindow(false, nil)
		require.NotNil(t, opts.DateFrom)
		days := time.Since(*opts.DateFrom).Hours() / 24
		assert.InDelta(t, 90, days, 1)
	})

	t.Run("manual run gets the wide window", func(t *testing.T) {
		lastSync := time.Now().Add(-time.Hour)
		opts := svc.lookbackWindow(true, &lastSync)
		require.NotNil(t, opts.DateFrom)
		days := time.Since(*opts.DateFrom).Hours() / 24
		assert.InDelta(t, 90, days, 1)
	})

	t.Run("periodic run gets 48 hours", func(t *testing.T) {
		lastSync := time.Now().Add(-time.Hour)
		opts := svc.lookbackWindow(false, &lastSync)
		require.NotNil(t, opts.DateFrom)
		assert.InDelta(t, 48, time.Since(*opts.DateFrom).Hours(), 1)
	})
}

func TestRunScheduledSyncIsolatesUserFailures(t *testing.T) {
	users := &stubUserStore{ids: []string{"user-ok", "user-broken"}}
	conns := &stubConnectionSource{
		connections: map[string][]models.BankConnection{
			"user-ok": {activeConnection("conn-1", "acct-a")},
		},
		errs: map[string]error{
			"user-broken": errors.New("connection lookup failed"),
		},
	}
	reports := &stubReportStore{}
	bank := &stubImporter{results: map[string]*ImportResult{
		"acct-a": {Imported: 1},
	}}

	svc := newTestSyncService(users, reports, conns, &stubPayPalSource{}, bank, &stubImporter{}, &stubReconciler{}, &stubNotifier{})

	summary := svc.RunScheduledSync(context.Background())

	assert.Equal(t, 1, summary.UsersProcessed)
	assert.Equal(t, 1, summary.UsersFailed)
	assert.Equal(t, 1, summary.ReportsSaved)
	require.Len(t, reports.saved, 1)
	assert.Equal(t, "user-ok", reports.saved[0].UserID)
}

func TestRunScheduledSyncUserListFailure(t *testing.T) {
	users := &stubUserStore{err: errors.New("db down")}

	svc := newTestSyncService(users, &stubReportStore{}, &stubConnectionSource{}, &stubPayPalSource{}, &stubImporter{}, &stubImporter{}, &stubReconciler{}, &stubNotifier{})

	summary := svc.RunScheduledSync(context.Background())
	assert.Equal(t, 0, summary.UsersProcessed)
	assert.Equal(t, 0, summary.UsersFailed)
	assert.Equal(t, 0, summary.ReportsSaved)
}
