package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Store:     newTestStore(t),
		Registry:  NewRegistry(),
		Timeout:   10 * time.Second,
		MaxOutput: 1 << 20,
		Log:       zerolog.Nop(),
	}
}

// waitTerminal polls until the job leaves the running state.
func waitTerminal(t *testing.T, r *Runner, id string) *Record {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := r.Store.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec.Status.Terminal() {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return nil
}

func TestRunner_StartAsyncDone(t *testing.T) {
	r := newTestRunner(t)

	job, err := r.StartAsync(StartSpec{Task: "say hi", Argv: []string{"echo", "hi"}})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if job.Status != StatusRunning {
		t.Errorf("Status = %q, want running immediately after start", job.Status)
	}

	rec := waitTerminal(t, r, job.ID)
	if rec.Status != StatusDone {
		t.Errorf("Status = %q, want done", rec.Status)
	}
	if !strings.Contains(rec.ResultJSON, `"exit_code":0`) {
		t.Errorf("ResultJSON = %q, want exit_code 0", rec.ResultJSON)
	}
	if r.Registry.Contains(job.ID) {
		t.Error("registry still holds the finished job")
	}

	events, err := r.Store.ListEvents(job.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Type != "start" || events[1].Type != "finish" {
		t.Errorf("events = %+v, want start then finish", events)
	}
}

func TestRunner_StartAsyncError(t *testing.T) {
	r := newTestRunner(t)

	job, err := r.StartAsync(StartSpec{Task: "fail", Argv: []string{"sh", "-c", "exit 2"}})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	rec := waitTerminal(t, r, job.ID)
	if rec.Status != StatusError {
		t.Errorf("Status = %q, want error", rec.Status)
	}
}

func TestRunner_StartAsyncThenCancel(t *testing.T) {
	r := newTestRunner(t)

	job, err := r.StartAsync(StartSpec{Task: "long sleep", Argv: []string{"sleep", "10"}})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	rec, err := r.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", rec.Status)
	}

	final := waitTerminal(t, r, job.ID)
	if final.Status != StatusCancelled {
		t.Errorf("final Status = %q, want cancelled", final.Status)
	}

	// The flag must be gone once the background run unwinds.
	deadline := time.Now().Add(10 * time.Second)
	for r.Registry.Contains(job.ID) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if r.Registry.Contains(job.ID) {
		t.Error("registry still holds the cancelled job")
	}
}

func TestRunner_CancelUnknownRegistryEntry(t *testing.T) {
	r := newTestRunner(t)
	job, _ := r.Store.Create("never started", "", "", nil)

	// No registry entry exists; cancelling must not panic and must mark
	// the stored record.
	rec, err := r.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Errorf("Status = %q, want cancelled", rec.Status)
	}
}

func TestRunner_CancelMissingJob(t *testing.T) {
	r := newTestRunner(t)
	if _, err := r.Cancel("job_missing"); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}

func TestRunner_RunSync(t *testing.T) {
	r := newTestRunner(t)

	rec, res, err := r.RunSync(context.Background(), StartSpec{
		Task: "inline",
		Argv: []string{"echo", "inline-output"},
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if rec.Status != StatusDone {
		t.Errorf("Status = %q, want done", rec.Status)
	}
	if !strings.Contains(res.Stdout, "inline-output") {
		t.Errorf("Stdout = %q, want 'inline-output'", res.Stdout)
	}
}

func TestRunner_EnvOverlayReachesChild(t *testing.T) {
	r := newTestRunner(t)

	rec, res, err := r.RunSync(context.Background(), StartSpec{
		Task:    "env check",
		AgentID: "agent-env",
		Argv:    []string{"sh", "-c", "echo $FOREMAN_AGENT_ID:$FOREMAN_SESSION_ID"},
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !strings.Contains(res.Stdout, "agent-env:session-1") {
		t.Errorf("Stdout = %q, want overlay values", res.Stdout)
	}
	_ = rec
}

func TestRunner_ValidateSpec(t *testing.T) {
	r := newTestRunner(t)

	if _, err := r.StartAsync(StartSpec{Task: "no command"}); err == nil {
		t.Error("expected error for spec without argv or prompt")
	}
	if _, err := r.StartAsync(StartSpec{Argv: []string{"echo"}}); err == nil {
		t.Error("expected error for spec without task")
	}
	if _, err := r.StartAsync(StartSpec{Task: "prompt", Prompt: "hello"}); err == nil {
		t.Error("expected error when no prompt command is configured")
	}
}

func TestRunner_PromptJob(t *testing.T) {
	r := newTestRunner(t)
	r.PromptCommand = []string{"cat"}
	r.PromptTimeout = 10 * time.Second
	r.PromptMaxOutput = 1 << 20

	job, err := r.StartAsync(StartSpec{Task: "prompted", Prompt: "SYSTEM: be brief"})
	if err != nil {
		t.Fatalf("StartAsync: %v", err)
	}

	rec := waitTerminal(t, r, job.ID)
	if rec.Status != StatusDone {
		t.Errorf("Status = %q, want done", rec.Status)
	}
	if !strings.Contains(rec.ResultJSON, "be brief") {
		t.Errorf("ResultJSON = %q, want echoed prompt", rec.ResultJSON)
	}
}

func TestRegistry_CancelAbsent(t *testing.T) {
	reg := NewRegistry()
	if reg.Cancel("nope") {
		t.Error("Cancel = true for absent id, want false")
	}
}
