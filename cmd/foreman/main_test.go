package main

import (
	"path/filepath"
	"testing"

	"github.com/deixis/foreman/internal/jobs"
)

// Each CLI invocation opens the store under a freshly generated session id,
// so the default listing must not scope to the opener's own session or it
// would never see jobs recorded by earlier invocations.
func TestJobsFilter_DefaultSeesOtherSessions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")

	first, err := jobs.Open(dbPath, "sess_one", "run_one")
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	if _, err := first.Create("seed job", "", "", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := jobs.Open(dbPath, "sess_two", "run_two")
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	defer second.Close()

	records, err := second.List(jobsFilter("", "", 0))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("default listing sees %d job(s), want 1", len(records))
	}
	if records[0].SessionID != "sess_one" {
		t.Errorf("SessionID = %q, want sess_one", records[0].SessionID)
	}
}

func TestJobsFilter_ExplicitSessionScopes(t *testing.T) {
	f := jobsFilter("sess_x", "done", 10)
	if f.AllSessions {
		t.Error("AllSessions = true, want scoped listing for an explicit session")
	}
	if f.SessionID != "sess_x" {
		t.Errorf("SessionID = %q, want sess_x", f.SessionID)
	}
	if f.Status != jobs.StatusDone {
		t.Errorf("Status = %q, want done", f.Status)
	}
	if f.Limit != 10 {
		t.Errorf("Limit = %d, want 10", f.Limit)
	}
}
