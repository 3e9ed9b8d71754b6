// Package jobs persists the asynchronous job lifecycle and orchestrates
// background execution with cooperative cancellation. Job state is the
// cross-component contract pollers rely on, so every write is synchronous
// and visible before the call returns.
package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Status is a job lifecycle state. A job is created queued, moves to
// running when execution starts, and ends in exactly one terminal state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Record is one persisted job.
type Record struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	Task        string `json:"task"`
	AgentID     string `json:"agentId,omitempty"`
	CommandID   string `json:"commandId,omitempty"`
	PayloadJSON string `json:"payloadJson,omitempty"`
	ResultJSON  string `json:"resultJson,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	SessionID   string `json:"sessionId"`
	RunID       string `json:"runId,omitempty"`
}

// Event is one append-only entry in a job's event log.
type Event struct {
	ID          string `json:"id"`
	JobID       string `json:"jobId"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payloadJson,omitempty"`
	CreatedAt   string `json:"createdAt"`
	SessionID   string `json:"sessionId"`
	RunID       string `json:"runId,omitempty"`
}

// SessionSummary aggregates jobs per session for listSessions.
type SessionSummary struct {
	SessionID     string `json:"sessionId"`
	Jobs          int    `json:"jobs"`
	LastCreatedAt string `json:"lastCreatedAt"`
}

// Store persists jobs and their event logs in SQLite. The database runs in
// WAL mode with relaxed synchronisation: job records need read-your-writes
// consistency within a process, not cross-crash durability.
type Store struct {
	db        *sql.DB
	sessionID string
	runID     string
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	task TEXT NOT NULL,
	agent_id TEXT,
	command_id TEXT,
	payload_json TEXT,
	result_json TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT
);
CREATE INDEX IF NOT EXISTS jobs_session_idx ON jobs(session_id);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs(status);

CREATE TABLE IF NOT EXISTS job_events (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload_json TEXT,
	created_at TEXT NOT NULL,
	session_id TEXT NOT NULL,
	run_id TEXT
);
CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events(job_id);
`

// Open opens (creating if needed) the job database at path. sessionID and
// runID scope every record written through this store.
func Open(path, sessionID, runID string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening job database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating job schema: %w", err)
	}

	return &Store{db: db, sessionID: sessionID, runID: runID}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SessionID returns the session scope records are written under.
func (s *Store) SessionID() string { return s.sessionID }

// RunID returns the run scope records are written under.
func (s *Store) RunID() string { return s.runID }

// Create inserts a new queued job and returns it.
func (s *Store) Create(task, agentID, commandID string, payload any) (*Record, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	now := timestamp()
	rec := &Record{
		ID:          newID("job"),
		Status:      StatusQueued,
		Task:        task,
		AgentID:     agentID,
		CommandID:   commandID,
		PayloadJSON: payloadJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
		SessionID:   s.sessionID,
		RunID:       s.runID,
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (
			id, status, task, agent_id, command_id, payload_json, result_json, error,
			created_at, updated_at, session_id, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.Task, nullable(rec.AgentID), nullable(rec.CommandID),
		nullable(rec.PayloadJSON), nil, nil, rec.CreatedAt, rec.UpdatedAt,
		rec.SessionID, nullable(rec.RunID),
	)
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return rec, nil
}

// UpdateStatus overwrites status, result, and error unconditionally. It
// does not enforce lifecycle legality; callers must only move forward.
// Terminal writes that may race should use UpdateStatusIf instead.
func (s *Store) UpdateStatus(id string, status Status, resultJSON, errMsg string) (*Record, error) {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, result_json = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		status, nullable(resultJSON), nullable(errMsg), timestamp(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating job %s: %w", id, err)
	}
	return s.Get(id)
}

// UpdateStatusIf writes a terminal status only when the job is not already
// terminal. It returns false (with the current record) when the write lost
// the race, so a finishing job and a concurrent cancel cannot clobber each
// other's outcome.
func (s *Store) UpdateStatusIf(id string, status Status, resultJSON, errMsg string) (*Record, bool, error) {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, result_json = ?, error = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, nullable(resultJSON), nullable(errMsg), timestamp(), id,
		StatusDone, StatusError, StatusCancelled,
	)
	if err != nil {
		return nil, false, fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("updating job %s: %w", id, err)
	}
	rec, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}
	return rec, n > 0, nil
}

// Get returns the job by id, or an error if it does not exist.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, status, task, agent_id, command_id, payload_json, result_json,
		       error, created_at, updated_at, session_id, run_id
		FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return rec, nil
}

// ListFilter narrows List results. The zero value lists the store's own
// session, any status, up to the default limit.
type ListFilter struct {
	SessionID   string // empty means the store's session
	Status      Status // empty means any
	AllSessions bool
	Limit       int // <= 0 means 200
}

// List returns jobs newest-first matching the filter.
func (s *Store) List(f ListFilter) ([]*Record, error) {
	var conds []string
	var args []any

	if st := Status(strings.ToLower(strings.TrimSpace(string(f.Status)))); st != "" {
		conds = append(conds, "status = ?")
		args = append(args, st)
	}
	if !f.AllSessions {
		sid := strings.TrimSpace(f.SessionID)
		if sid == "" {
			sid = s.sessionID
		}
		conds = append(conds, "session_id = ?")
		args = append(args, sid)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	query := `
		SELECT id, status, task, agent_id, command_id, payload_json, result_json,
		       error, created_at, updated_at, session_id, run_id
		FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing jobs: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListSessions returns per-session job counts, most recent first.
func (s *Store) ListSessions(limit int) ([]*SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM jobs GROUP BY session_id
		ORDER BY MAX(created_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		sum := &SessionSummary{}
		if err := rows.Scan(&sum.SessionID, &sum.Jobs, &sum.LastCreatedAt); err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendEvent records one entry in a job's append-only event log.
func (s *Store) AppendEvent(jobID, eventType string, payload any) (*Event, error) {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		ID:          newID("event"),
		JobID:       jobID,
		Type:        eventType,
		PayloadJSON: payloadJSON,
		CreatedAt:   timestamp(),
		SessionID:   s.sessionID,
		RunID:       s.runID,
	}
	_, err = s.db.Exec(`
		INSERT INTO job_events (id, job_id, type, payload_json, created_at, session_id, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.JobID, ev.Type, nullable(ev.PayloadJSON), ev.CreatedAt,
		ev.SessionID, nullable(ev.RunID),
	)
	if err != nil {
		return nil, fmt.Errorf("appending %s event for %s: %w", eventType, jobID, err)
	}
	return ev, nil
}

// ListEvents returns a job's events oldest-first.
func (s *Store) ListEvents(jobID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, type, payload_json, created_at, session_id, run_id
		FROM job_events WHERE job_id = ?
		ORDER BY created_at ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var payload, runID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &payload, &ev.CreatedAt,
			&ev.SessionID, &runID); err != nil {
			return nil, fmt.Errorf("listing events for %s: %w", jobID, err)
		}
		ev.PayloadJSON = payload.String
		ev.RunID = runID.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var agentID, commandID, payload, result, errMsg, runID sql.NullString
	err := row.Scan(&rec.ID, &rec.Status, &rec.Task, &agentID, &commandID,
		&payload, &result, &errMsg, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.SessionID, &runID)
	if err != nil {
		return nil, err
	}
	rec.AgentID = agentID.String
	rec.CommandID = commandID.String
	rec.PayloadJSON = payload.String
	rec.ResultJSON = result.String
	rec.Error = errMsg.String
	rec.RunID = runID.String
	return rec, nil
}

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling payload: %w", err)
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func newID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
