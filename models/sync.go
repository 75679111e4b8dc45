package models

import (
	"time"
)

type SyncReportStatus string

const (
	SyncSuccess SyncReportStatus = "success"
	SyncPartial SyncReportStatus = "partial"
	SyncFailed  SyncReportStatus = "failed"
)

// AccountSyncResult is the outcome of importing one linked account. An
// outcome with a non-empty Error counts as failed but never aborts sibling
// accounts.
type AccountSyncResult struct {
	AccountID         string `json:"account_id"`
	Provider          string `json:"provider"`
	Imported          int    `json:"imported"`
	Skipped           int    `json:"skipped"`
	PendingDuplicates int    `json:"pending_duplicates"`
	Error             string `json:"error,omitempty"`
}

func (r AccountSyncResult) Failed() bool {
	return r.Error != ""
}

// SyncReport aggregates one scheduled run for one user.
type SyncReport struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Results     []AccountSyncResult `json:"results"`
}

func (r *SyncReport) AddResult(res AccountSyncResult) {
	r.Results = append(r.Results, res)
}

func (r *SyncReport) AccountsAttempted() int {
	return len(r.Results)
}

func (r *SyncReport) AccountsFailed() int {
	n := 0
	for _, res := range r.Results {
		if res.Failed() {
			n++
		}
	}
	return n
}

func (r *SyncReport) AccountsSucceeded() int {
	return r.AccountsAttempted() - r.AccountsFailed()
}

func (r *SyncReport) TotalImported() int {
	n := 0
	for _, res := range r.Results {
		n += res.Imported
	}
	return n
}

func (r *SyncReport) TotalSkipped() int {
	n := 0
	for _, res := range r.Results {
		n += res.Skipped
	}
	return n
}

func (r *SyncReport) TotalPendingDuplicates() int {
	n := 0
	for _, res := range r.Results {
		n += res.PendingDuplicates
	}
	return n
}

// Status is always derived from the per-account outcomes, never stored and
// trusted later.
func (r *SyncReport) Status() SyncReportStatus {
	if r.AccountsAttempted() == 0 || r.AccountsFailed() == 0 {
		return SyncSuccess
	}
	if r.AccountsFailed() == r.AccountsAttempted() {
		return SyncFailed
	}
	return SyncPartial
}
