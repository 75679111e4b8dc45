package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/coffeebudget/coffee-budget-backend-sub001/models"
)

const (
	// periodicLookback tolerates delayed settlement on scheduled runs.
	periodicLookback = 48 * time.Hour
	// initialLookbackDays is the wider window for first-time or manual runs.
	initialLookbackDays = 90
)

type UserStore interface {
	ListSyncableUserIDs(ctx context.Context) ([]string, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, report *models.SyncReport) error
}

type ConnectionSource interface {
	GetUserConnections(ctx context.Context, userID string) ([]models.BankConnection, error)
	MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error
}

type PayPalSource interface {
	GetLinkedConnection(ctx context.Context, userID string) (*models.PayPalConnection, error)
	MarkSyncOutcome(ctx context.Context, connectionID, syncError string) error
}

type Reconciler interface {
	ProcessForUser(ctx context.Context, userID string) (*ReconciliationSummary, error)
}

// SyncNotifier pushes a finished report to connected clients. Optional.
type SyncNotifier interface {
	SyncCompleted(userID string, report *models.SyncReport)
}

// SyncService is the scheduled entry point: it fans out over users and
// linked accounts, aggregates one report per user, and triggers
// reconciliation as a non-fatal follow-up. Every collaborator is
// constructor-injected.
type SyncService struct {
	users          UserStore
	reports        ReportStore
	connections    ConnectionSource
	paypal         PayPalSource
	bankImporter   Importer
	paypalImporter Importer
	reconciler     Reconciler
	notifier       SyncNotifier
}

func NewSyncService(db *sql.DB, connections *ConnectionService, paypal *PayPalService, bankImporter Importer, reconciler *ReconciliationService, notifier SyncNotifier) *SyncService {
	return &SyncService{
		users:          &sqlUserStore{db: db},
		reports:        &sqlReportStore{db: db},
		connections:    connections,
		paypal:         paypal,
		bankImporter:   bankImporter,
		paypalImporter: paypal,
		reconciler:     reconciler,
		notifier:       notifier,
	}
}

// BatchSummary is what the scheduled entry point reports back.
type BatchSummary struct {
	UsersProcessed int `json:"users_processed"`
	UsersFailed    int `json:"users_failed"`
	ReportsSaved   int `json:"reports_saved"`
}

// RunScheduledSync processes every eligible user. It never returns an
// error: a failure for one user is logged and the loop moves on.
func (s *SyncService) RunScheduledSync(ctx context.Context) *BatchSummary {
	summary := &BatchSummary{}

	userIDs, err := s.users.ListSyncableUserIDs(ctx)
	if err != nil {
		log.Printf("❌ Scheduled sync could not list users: %v", err)
		return summary
	}

	log.Printf("🔄 Scheduled sync starting for %d users", len(userIDs))

	for _, userID := range userIDs {
		report, err := s.SyncUser(ctx, userID, false)
		if err != nil {
			log.Printf("❌ Sync failed for user %s: %v", userID, err)
			summary.UsersFailed++
			continue
		}
		summary.UsersProcessed++
		if report != nil && report.AccountsAttempted() > 0 {
			summary.ReportsSaved++
		}
	}

	log.Printf("✅ Scheduled sync done: %d users processed, %d failed, %d reports",
		summary.UsersProcessed, summary.UsersFailed, summary.ReportsSaved)

	return summary
}

// SyncUser imports every linked account of one user into a single report.
// A failing account is captured in the report and never aborts its siblings.
// The report is persisted only when at least one account was attempted;
// reconciliation runs afterwards and its failure is never propagated.
func (s *SyncService) SyncUser(ctx context.Context, userID string, manual bool) (*models.SyncReport, error) {
	report := &models.SyncReport{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
	}

	connections, err := s.connections.GetUserConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, conn := range connections {
		if !conn.Syncable() {
			continue
		}

		opts := s.lookbackWindow(manual, conn.LastSyncAt)
		connError := ""
		for _, accountID := range conn.AccountIDs {
			outcome := s.importAccount(ctx, s.bankImporter, accountID, userID, "gocardless", opts)
			if outcome.Failed() && connError == "" {
				connError = outcome.Error
			}
			report.AddResult(outcome)
		}

		if len(conn.AccountIDs) > 0 {
			if err := s.connections.MarkSyncOutcome(ctx, conn.ID, connError); err != nil {
				log.Printf("⚠️ Could not record sync outcome for connection %s: %v", conn.ID, err)
			}
		}
	}

	paypalConn, err := s.paypal.GetLinkedConnection(ctx, userID)
	if err != nil {
		log.Printf("⚠️ Could not resolve PayPal link for user %s: %v", userID, err)
	} else if paypalConn != nil && !paypalConn.Status.Terminal() {
		opts := s.lookbackWindow(manual, paypalConn.LastSyncAt)
		outcome := s.importAccount(ctx, s.paypalImporter, paypalConn.ID, userID, "paypal", opts)
		report.AddResult(outcome)
		if err := s.paypal.MarkSyncOutcome(ctx, paypalConn.ID, outcome.Error); err != nil {
			log.Printf("⚠️ Could not record sync outcome for PayPal link %s: %v", paypalConn.ID, err)
		}
	}

	report.CompletedAt = time.Now()

	if report.AccountsAttempted() == 0 {
		return report, nil
	}

	if err := s.reports.SaveReport(ctx, report); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.SyncCompleted(userID, report)
	}

	// Reconciliation is a follow-up, never a reason to fail the sync.
	if s.reconciler != nil {
		if summary, err := s.reconciler.ProcessForUser(ctx, userID); err != nil {
			log.Printf("⚠️ Reconciliation failed for user %s: %v", userID, err)
		} else if summary.Reconciled > 0 {
			log.Printf("🔗 Reconciled %d records for user %s (%d left for review)",
				summary.Reconciled, userID, len(summary.Unreconciled))
		}
	}

	return report, nil
}

func (s *SyncService) importAccount(ctx context.Context, importer Importer, accountID, userID, provider string, opts ImportOptions) models.AccountSyncResult {
	outcome := models.AccountSyncResult{AccountID: accountID, Provider: provider}

	result, err := importer.ImportFromSource(ctx, accountID, userID, opts)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Imported = result.Imported
	outcome.Skipped = result.Skipped
	outcome.PendingDuplicates = result.PendingDuplicates
	for _, itemErr := range result.Errors {
		log.Printf("⚠️ Import warning on account %s: %s", accountID, itemErr)
	}
	return outcome
}

// lookbackWindow picks the re-fetch range: 48 hours on the periodic run,
// 90 days for manual runs and accounts that never synced.
func (s *SyncService) lookbackWindow(manual bool, lastSyncAt *time.Time) ImportOptions {
	now := time.Now()
	var dateFrom time.Time
	if manual || lastSyncAt == nil {
		dateFrom = now.AddDate(0, 0, -initialLookbackDays)
	} else {
		dateFrom = now.Add(-periodicLookback)
	}
	return ImportOptions{DateFrom: &dateFrom, DateTo: &now}
}

type sqlUserStore struct {
	db *sql.DB
}

// ListSyncableUserIDs excludes demo users from the scheduled batch.
func (s *sqlUserStore) ListSyncableUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE is_demo = FALSE ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

type sqlReportStore struct {
	db *sql.DB
}

func (s *sqlReportStore) SaveReport(ctx context.Context, report *models.SyncReport) error {
	results, err := json.Marshal(report.Results)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_reports (
			id, user_id, started_at, completed_at, status,
			accounts_attempted, accounts_succeeded, accounts_failed,
			imported, skipped, pending_duplicates, results, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`, report.ID, report.UserID, report.StartedAt, report.CompletedAt,
		report.Status(), report.AccountsAttempted(), report.AccountsSucceeded(),
		report.AccountsFailed(), report.TotalImported(), report.TotalSkipped(),
		report.TotalPendingDuplicates(), results)
	return err
}
