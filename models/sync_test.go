package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncReportStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []AccountSyncResult
		want    SyncReportStatus
	}{
		{
			name:    "no accounts attempted",
			results: nil,
			want:    SyncSuccess,
		},
		{
			name: "all accounts clean",
			results: []AccountSyncResult{
				{AccountID: "a", Imported: 3},
				{AccountID: "b", Skipped: 2},
			},
			want: SyncSuccess,
		},
		{
			name: "one of two failed",
			results: []AccountSyncResult{
				{AccountID: "a", Imported: 3},
				{AccountID: "b", Error: "upstream returned 500"},
			},
			want: SyncPartial,
		},
		{
			name: "every account failed",
			results: []AccountSyncResult{
				{AccountID: "a", Error: "timeout"},
				{AccountID: "b", Error: "timeout"},
			},
			want: SyncFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &SyncReport{UserID: "user-1"}
			for _, res := range tt.results {
				report.AddResult(res)
			}
			assert.Equal(t, tt.want, report.Status())
		})
	}
}

func TestSyncReportTotals(t *testing.T) {
	report := &SyncReport{}
	report.AddResult(AccountSyncResult{AccountID: "a", Imported: 4, Skipped: 1})
	report.AddResult(AccountSyncResult{AccountID: "b", Imported: 2, PendingDuplicates: 3})
	report.AddResult(AccountSyncResult{AccountID: "c", Error: "boom"})

	assert.Equal(t, 3, report.AccountsAttempted())
	assert.Equal(t, 2, report.AccountsSucceeded())
	assert.Equal(t, 1, report.AccountsFailed())
	assert.Equal(t, 6, report.TotalImported())
	assert.Equal(t, 1, report.TotalSkipped())
	assert.Equal(t, 3, report.TotalPendingDuplicates())
}
