package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/deixis/foreman/internal/config"
	"github.com/deixis/foreman/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type shellParams struct {
	Command        string `json:"command" jsonschema:"the shell command to execute"`
	DirPath        string `json:"dir_path,omitempty" jsonschema:"working directory, absolute or relative to the workspace root"`
	TimeoutMs      int    `json:"timeout_ms,omitempty" jsonschema:"inactivity timeout override in milliseconds"`
	MaxOutputBytes int    `json:"max_output_bytes,omitempty" jsonschema:"output ceiling override in bytes"`
}

func (h *handler) runShellHandler(ctx context.Context, req *mcp.CallToolRequest, params shellParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Command) == "" {
		return errorResult("command is required")
	}
	if err := checkCommandAllowed(params.Command, h.cfg.Shell); err != nil {
		return errorResult(err.Error())
	}

	dir, err := h.resolveDir(params.DirPath)
	if err != nil {
		return errorResult(err.Error())
	}

	timeout := h.cfg.Timeout()
	if params.TimeoutMs > 0 {
		timeout = clampTimeout(time.Duration(params.TimeoutMs) * time.Millisecond)
	}
	maxOutput := h.cfg.MaxOutputBytes()
	if params.MaxOutputBytes > 0 {
		maxOutput = clampOutput(params.MaxOutputBytes)
	}

	h.log.Debug().Str("dir", dir).Dur("timeout", timeout).Msg("run_shell")

	res, err := runner.RunShell(ctx, params.Command, runner.ShellOptions{
		Dir:               dir,
		InactivityTimeout: timeout,
		MaxOutputBytes:    maxOutput,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("run_shell: %v", err))
	}

	out := renderShellResult(params.Command, dir, res)
	if res.Error != "" || res.TimedOut {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out}},
			IsError: true,
		}, nil, nil
	}
	return textResult(out)
}

// checkCommandAllowed applies the configured command-root allow and deny
// lists. The root is the basename of the command's first word, so both
// "rm" and "/bin/rm -rf" match a "rm" entry.
func checkCommandAllowed(command string, sc config.ShellConfig) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("command is required")
	}
	root := filepath.Base(fields[0])

	for _, d := range sc.Deny {
		if root == d {
			return fmt.Errorf("command %q is denied by configuration", root)
		}
	}
	if len(sc.Allow) == 0 {
		return nil
	}
	for _, a := range sc.Allow {
		if root == a {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the configured allowlist", root)
}

func clampTimeout(d time.Duration) time.Duration {
	if d < config.MinTimeout {
		return config.MinTimeout
	}
	if d > config.MaxTimeout {
		return config.MaxTimeout
	}
	return d
}

func clampOutput(n int) int {
	if n < config.MinMaxOutput {
		return config.MinMaxOutput
	}
	if n > config.MaxMaxOutput {
		return config.MaxMaxOutput
	}
	return n
}

// renderShellResult builds the JSON payload returned to the model. Absent
// values render as "(none)" so the shape stays stable across outcomes.
func renderShellResult(command, dir string, res *runner.ShellResult) string {
	payload := map[string]any{
		"command":         command,
		"directory":       dir,
		"output":          res.Output,
		"stdout":          res.Stdout,
		"stderr":          res.Stderr,
		"error":           orNone(res.Error),
		"exit_code":       exitCodeField(res.ExitCode),
		"signal":          orNone(res.Signal),
		"pid":             res.PID,
		"background_pids": res.BackgroundPIDs,
		"timed_out":       res.TimedOut,
		"truncated":       res.Truncated,
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", payload)
	}
	return string(b)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func exitCodeField(code *int) any {
	if code == nil {
		return "(none)"
	}
	return *code
}
