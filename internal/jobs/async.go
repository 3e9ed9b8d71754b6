package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/deixis/foreman/internal/runner"
)

// Runner orchestrates create→run→persist for jobs. Synchronous jobs hold
// the caller for the whole execution; asynchronous jobs return a pollable
// job id immediately and finish on a background goroutine.
type Runner struct {
	Store    *Store
	Registry *Registry

	// Timeout and MaxOutput apply to exec jobs; the Prompt* variants
	// apply to the AI-prompt path.
	Timeout   time.Duration
	MaxOutput int

	// PromptCommand is the argv the composed prompt is piped into. The
	// prompt path is unavailable when empty.
	PromptCommand   []string
	PromptTimeout   time.Duration
	PromptMaxOutput int

	Log zerolog.Logger
}

// StartSpec describes one job. Either Argv (an exec job) or Prompt (an
// AI-prompt job piped into the configured prompt command) must be set.
type StartSpec struct {
	Task      string
	AgentID   string
	CommandID string

	Argv []string
	Dir  string
	Env  map[string]string

	Prompt string

	// Payload is stored verbatim on the job record for later inspection.
	Payload any
}

// resultPayload is the JSON result shape persisted on the job record.
type resultPayload struct {
	Status          Status `json:"status"`
	JobID           string `json:"job_id"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code"`
	Signal          string `json:"signal,omitempty"`
	PID             int    `json:"pid"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	DurationMs      int64  `json:"duration_ms"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
	TimedOut        bool   `json:"timed_out"`
	Error           string `json:"error,omitempty"`
}

// StartAsync creates the job, transitions it to running, registers a fresh
// cancellation flag, and hands execution to a background goroutine. The
// returned record is already in the running state.
func (r *Runner) StartAsync(spec StartSpec) (*Record, error) {
	if err := r.validate(spec); err != nil {
		return nil, err
	}

	job, err := r.begin(spec)
	if err != nil {
		return nil, err
	}

	flag := r.Registry.add(job.ID)
	go func() {
		res, runErr := r.execute(context.Background(), spec, job.ID, flag)
		r.finish(job.ID, res, runErr)
		r.Registry.remove(job.ID)
	}()

	return job, nil
}

// RunSync creates the job and executes it in the calling goroutine,
// returning the terminal record together with the raw execution result.
// Cancellation is available through ctx only; the registry is not involved.
func (r *Runner) RunSync(ctx context.Context, spec StartSpec) (*Record, *runner.Result, error) {
	if err := r.validate(spec); err != nil {
		return nil, nil, err
	}

	job, err := r.begin(spec)
	if err != nil {
		return nil, nil, err
	}

	res, runErr := r.execute(ctx, spec, job.ID, nil)
	rec := r.finish(job.ID, res, runErr)
	if runErr != nil {
		return rec, nil, runErr
	}
	return rec, res, nil
}

// Cancel requests cancellation of a job. Setting the flag is a no-op when
// the job already finished (or never registered); the stored record is
// marked cancelled only while it is still non-terminal, so a concurrently
// finishing job keeps its legitimate outcome.
func (r *Runner) Cancel(id string) (*Record, error) {
	r.Registry.Cancel(id)
	rec, applied, err := r.Store.UpdateStatusIf(id, StatusCancelled, "", runner.Cancelled)
	if err != nil {
		return nil, err
	}
	if !applied {
		r.Log.Debug().Str("job_id", id).Str("status", string(rec.Status)).
			Msg("cancel after terminal state; record unchanged")
	}
	return rec, nil
}

func (r *Runner) validate(spec StartSpec) error {
	if spec.Task == "" {
		return fmt.Errorf("task is required")
	}
	if len(spec.Argv) == 0 && spec.Prompt == "" {
		return fmt.Errorf("job needs a command or a prompt")
	}
	if len(spec.Argv) == 0 && len(r.PromptCommand) == 0 {
		return fmt.Errorf("prompt jobs are not configured: set the prompt command")
	}
	return nil
}

// begin persists the queued record, moves it to running, and appends the
// start event. Any failure here surfaces synchronously so no record is
// left stuck before execution.
func (r *Runner) begin(spec StartSpec) (*Record, error) {
	job, err := r.Store.Create(spec.Task, spec.AgentID, spec.CommandID, spec.Payload)
	if err != nil {
		return nil, err
	}
	job, err = r.Store.UpdateStatus(job.ID, StatusRunning, "", "")
	if err != nil {
		return nil, err
	}
	_, err = r.Store.AppendEvent(job.ID, "start", map[string]any{
		"agent_id":   spec.AgentID,
		"command_id": spec.CommandID,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Runner) execute(ctx context.Context, spec StartSpec, jobID string, flag *runner.Flag) (*runner.Result, error) {
	env := r.overlay(spec, jobID)

	if len(spec.Argv) == 0 {
		return runner.Run(ctx, runner.CommandSpec{
			Argv:  r.PromptCommand,
			Env:   env,
			Stdin: spec.Prompt,
		}, runner.Options{
			InactivityTimeout: r.PromptTimeout,
			MaxOutputBytes:    r.PromptMaxOutput,
			Cancel:            flag,
		})
	}

	return runner.Run(ctx, runner.CommandSpec{
		Argv: spec.Argv,
		Dir:  spec.Dir,
		Env:  env,
	}, runner.Options{
		InactivityTimeout: r.Timeout,
		MaxOutputBytes:    r.MaxOutput,
		Cancel:            flag,
	})
}

// overlay builds the per-invocation environment handed to the child. Job
// identifiers travel through it; the process-wide environment is never
// touched.
func (r *Runner) overlay(spec StartSpec, jobID string) map[string]string {
	env := map[string]string{
		"FOREMAN_JOB_ID":     jobID,
		"FOREMAN_TASK":       spec.Task,
		"FOREMAN_AGENT_ID":   spec.AgentID,
		"FOREMAN_COMMAND_ID": spec.CommandID,
		"FOREMAN_SESSION_ID": r.Store.SessionID(),
		"FOREMAN_RUN_ID":     r.Store.RunID(),
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// finish derives the terminal status, persists it with a compare-and-swap
// write, and appends the finish event. Persistence failures are logged:
// by this point the execution outcome exists only in memory and there is
// no caller left to return an error to.
func (r *Runner) finish(jobID string, res *runner.Result, runErr error) *Record {
	var (
		status     Status
		resultJSON string
		errMsg     string
	)
	if runErr != nil {
		status = StatusError
		errMsg = runErr.Error()
	} else {
		status = deriveStatus(res)
		errMsg = res.Err
		payload := resultPayload{
			Status:          status,
			JobID:           jobID,
			Stdout:          res.Stdout,
			Stderr:          res.Stderr,
			ExitCode:        res.ExitCode,
			Signal:          res.Signal,
			PID:             res.PID,
			StartedAt:       res.StartedAt.UTC().Format(time.RFC3339Nano),
			FinishedAt:      res.FinishedAt.UTC().Format(time.RFC3339Nano),
			DurationMs:      res.Duration.Milliseconds(),
			StdoutTruncated: res.StdoutTruncated,
			StderrTruncated: res.StderrTruncated,
			TimedOut:        res.TimedOut,
			Error:           res.Err,
		}
		if data, err := json.Marshal(payload); err == nil {
			resultJSON = string(data)
		}
	}

	rec, applied, err := r.Store.UpdateStatusIf(jobID, status, resultJSON, errMsg)
	if err != nil {
		r.Log.Error().Err(err).Str("job_id", jobID).Msg("persisting terminal job status failed")
	} else if !applied {
		r.Log.Debug().Str("job_id", jobID).Str("status", string(rec.Status)).
			Msg("job already terminal; result write skipped")
	}

	evPayload := map[string]any{"status": status}
	if runErr == nil {
		evPayload["exit_code"] = res.ExitCode
		evPayload["signal"] = res.Signal
	}
	if _, err := r.Store.AppendEvent(jobID, "finish", evPayload); err != nil {
		r.Log.Error().Err(err).Str("job_id", jobID).Msg("appending finish event failed")
	}

	if rec == nil {
		rec, _ = r.Store.Get(jobID)
	}
	return rec
}

// deriveStatus maps an execution result to a terminal job status:
// cancelled when the run recorded the cancellation marker, done on a clean
// zero exit without timeout, error otherwise.
func deriveStatus(res *runner.Result) Status {
	if res.Err == runner.Cancelled {
		return StatusCancelled
	}
	if res.ExitCode != nil && *res.ExitCode == 0 && !res.TimedOut {
		return StatusDone
	}
	return StatusError
}
