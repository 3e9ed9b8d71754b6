// Package mcp provides the Foreman MCP server, registering the shell
// and job tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/foreman"
	"github.com/deixis/foreman/internal/config"
	"github.com/deixis/foreman/internal/jobs"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	cfg       *config.Config
	jobs      *jobs.Runner
	store     *jobs.Store
	workspace string
	log       zerolog.Logger
}

// NewServer creates an MCP server with all Foreman tools registered.
func NewServer(cfg *config.Config, store *jobs.Store, jr *jobs.Runner, workspace string, log zerolog.Logger) *mcp.Server {
	h := &handler{
		cfg:       cfg,
		jobs:      jr,
		store:     store,
		workspace: workspace,
		log:       log,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "foreman", Version: foreman.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "run_shell",
		Description: `Execute a shell command and return its combined output.

The command runs under a POSIX shell with a combined stdout/stderr transcript,
an inactivity timeout (reset on every output chunk), and an output ceiling.
Background processes started by the command are detected and reported so they
can be cleaned up later.`,
	}, h.runShellHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "run_job",
		Description: `Run a job to completion and return its terminal record.

A job executes either an explicit argv or a prompt piped into the configured
prompt command. The full lifecycle (queued, running, terminal state, event log)
is persisted and can be inspected later via get_job_status and list_job_events.`,
	}, h.runJobHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "start_job",
		Description: `Start a job in the background and return immediately.

The returned record is already in the running state; poll get_job_status for
the terminal result, or cancel_job to request cooperative cancellation.`,
	}, h.startJobHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_job_status",
		Description: "Fetch the current record of a job by id, including its result once terminal.",
	}, h.jobStatusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "cancel_job",
		Description: `Request cancellation of a running job.

Cancellation is cooperative: the running process receives a graceful stop and
is killed after a short grace period. A job that already reached a terminal
state keeps its original outcome.`,
	}, h.cancelJobHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_jobs",
		Description: "List job records, newest first, optionally filtered by session and status.",
	}, h.listJobsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_job_events",
		Description: "List the append-only event log of a job, oldest first.",
	}, h.listJobEventsHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List sessions that have recorded jobs, with per-session job counts.",
	}, h.listSessionsHandler)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and updates the
// handler's workspace and configuration if a valid root is returned.
// This is called during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil {
		return
	}
	if len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	workspace := u.Path

	cfg, err := config.Load(workspace)
	if err != nil {
		return
	}

	h.workspace = workspace
	h.cfg = cfg

	h.jobs.Timeout = cfg.Timeout()
	h.jobs.MaxOutput = cfg.MaxOutputBytes()
	h.jobs.PromptCommand = cfg.Prompt.Command
	h.jobs.PromptTimeout = cfg.PromptTimeout()
	h.jobs.PromptMaxOutput = cfg.PromptMaxOutputBytes()
}

// resolveDir resolves a tool-supplied directory relative to the workspace
// and validates it is within the workspace boundary.
func (h *handler) resolveDir(dirPath string) (string, error) {
	if dirPath == "" {
		return h.workspace, nil
	}

	var dir string
	if filepath.IsAbs(dirPath) {
		dir = filepath.Clean(dirPath)
	} else {
		dir = filepath.Clean(filepath.Join(h.workspace, dirPath))
	}

	rel, err := filepath.Rel(h.workspace, dir)
	if err != nil {
		return "", fmt.Errorf("resolving dir_path: %w", err)
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("dir_path %q is outside workspace %q", dirPath, h.workspace)
	}
	return dir, nil
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
