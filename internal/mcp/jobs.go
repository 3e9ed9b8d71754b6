package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deixis/foreman/internal/jobs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type jobParams struct {
	Task      string            `json:"task,omitempty" jsonschema:"short description of what the job does"`
	Argv      []string          `json:"argv,omitempty" jsonschema:"program and arguments to execute"`
	Prompt    string            `json:"prompt,omitempty" jsonschema:"prompt text piped into the configured prompt command instead of argv"`
	DirPath   string            `json:"dir_path,omitempty" jsonschema:"working directory, absolute or relative to the workspace root"`
	Env       map[string]string `json:"env,omitempty" jsonschema:"extra environment variables for this job only"`
	AgentID   string            `json:"agent_id,omitempty" jsonschema:"optional agent identifier recorded on the job"`
	CommandID string            `json:"command_id,omitempty" jsonschema:"optional command identifier recorded on the job"`
}

func (h *handler) buildSpec(params jobParams) (jobs.StartSpec, error) {
	dir, err := h.resolveDir(params.DirPath)
	if err != nil {
		return jobs.StartSpec{}, err
	}
	return jobs.StartSpec{
		Task:      params.Task,
		AgentID:   params.AgentID,
		CommandID: params.CommandID,
		Argv:      params.Argv,
		Dir:       dir,
		Env:       params.Env,
		Prompt:    params.Prompt,
		Payload:   params,
	}, nil
}

func (h *handler) runJobHandler(ctx context.Context, req *mcp.CallToolRequest, params jobParams) (*mcp.CallToolResult, any, error) {
	spec, err := h.buildSpec(params)
	if err != nil {
		return errorResult(err.Error())
	}

	rec, _, err := h.jobs.RunSync(ctx, spec)
	if err != nil && rec == nil {
		return errorResult(fmt.Sprintf("run_job: %v", err))
	}
	return renderRecord(rec)
}

func (h *handler) startJobHandler(ctx context.Context, req *mcp.CallToolRequest, params jobParams) (*mcp.CallToolResult, any, error) {
	spec, err := h.buildSpec(params)
	if err != nil {
		return errorResult(err.Error())
	}

	rec, err := h.jobs.StartAsync(spec)
	if err != nil {
		return errorResult(fmt.Sprintf("start_job: %v", err))
	}
	return renderRecord(rec)
}

type jobIDParams struct {
	JobID string `json:"job_id" jsonschema:"the job id returned by run_job or start_job"`
}

func (h *handler) jobStatusHandler(ctx context.Context, req *mcp.CallToolRequest, params jobIDParams) (*mcp.CallToolResult, any, error) {
	if params.JobID == "" {
		return errorResult("job_id is required")
	}
	rec, err := h.store.Get(params.JobID)
	if err != nil {
		return errorResult(err.Error())
	}
	return renderRecord(rec)
}

func (h *handler) cancelJobHandler(ctx context.Context, req *mcp.CallToolRequest, params jobIDParams) (*mcp.CallToolResult, any, error) {
	if params.JobID == "" {
		return errorResult("job_id is required")
	}
	rec, err := h.jobs.Cancel(params.JobID)
	if err != nil {
		return errorResult(err.Error())
	}
	return renderRecord(rec)
}

type listJobsParams struct {
	SessionID   string `json:"session_id,omitempty" jsonschema:"filter by session id; defaults to the current session"`
	Status      string `json:"status,omitempty" jsonschema:"filter by status: queued, running, done, error, or cancelled"`
	AllSessions bool   `json:"all_sessions,omitempty" jsonschema:"list jobs across all sessions"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of records to return"`
}

func (h *handler) listJobsHandler(ctx context.Context, req *mcp.CallToolRequest, params listJobsParams) (*mcp.CallToolResult, any, error) {
	if params.Status != "" && !validStatus(jobs.Status(params.Status)) {
		return errorResult(fmt.Sprintf("unknown status %q", params.Status))
	}

	records, err := h.store.List(jobs.ListFilter{
		SessionID:   params.SessionID,
		Status:      jobs.Status(params.Status),
		AllSessions: params.AllSessions,
		Limit:       params.Limit,
	})
	if err != nil {
		return errorResult(err.Error())
	}

	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec))
	}
	return renderJSON(map[string]any{
		"count": len(views),
		"jobs":  views,
	})
}

type listEventsParams struct {
	JobID string `json:"job_id" jsonschema:"the job whose event log to read"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of events to return"`
}

func (h *handler) listJobEventsHandler(ctx context.Context, req *mcp.CallToolRequest, params listEventsParams) (*mcp.CallToolResult, any, error) {
	if params.JobID == "" {
		return errorResult("job_id is required")
	}
	if _, err := h.store.Get(params.JobID); err != nil {
		return errorResult(err.Error())
	}

	events, err := h.store.ListEvents(params.JobID, params.Limit)
	if err != nil {
		return errorResult(err.Error())
	}
	return renderJSON(map[string]any{
		"jobId":  params.JobID,
		"count":  len(events),
		"events": events,
	})
}

type listSessionsParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of sessions to return"`
}

func (h *handler) listSessionsHandler(ctx context.Context, req *mcp.CallToolRequest, params listSessionsParams) (*mcp.CallToolResult, any, error) {
	sessions, err := h.store.ListSessions(params.Limit)
	if err != nil {
		return errorResult(err.Error())
	}
	return renderJSON(map[string]any{
		"currentSessionId": h.store.SessionID(),
		"count":            len(sessions),
		"sessions":         sessions,
	})
}

func validStatus(s jobs.Status) bool {
	switch s {
	case jobs.StatusQueued, jobs.StatusRunning, jobs.StatusDone, jobs.StatusError, jobs.StatusCancelled:
		return true
	}
	return false
}

// recordView is a Record with the raw payload and result JSON inlined as
// objects instead of escaped strings.
type recordView struct {
	jobs.Record
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func newRecordView(rec *jobs.Record) recordView {
	v := recordView{Record: *rec}
	if json.Valid([]byte(rec.PayloadJSON)) {
		v.Payload = json.RawMessage(rec.PayloadJSON)
		v.PayloadJSON = ""
	}
	if json.Valid([]byte(rec.ResultJSON)) {
		v.Result = json.RawMessage(rec.ResultJSON)
		v.ResultJSON = ""
	}
	return v
}

func renderRecord(rec *jobs.Record) (*mcp.CallToolResult, any, error) {
	return renderJSON(newRecordView(rec))
}

func renderJSON(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encoding result: %v", err))
	}
	return textResult(string(b))
}
