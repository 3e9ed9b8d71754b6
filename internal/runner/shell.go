package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShellOptions controls one shell execution.
type ShellOptions struct {
	// Dir is the working directory for the shell. Empty means inherit.
	Dir string

	// InactivityTimeout is measured from the last observed output byte.
	// Zero or negative means unbounded.
	InactivityTimeout time.Duration

	// MaxOutputBytes caps the combined stdout+stderr transcript.
	MaxOutputBytes int

	// Env is an overlay merged over the parent environment.
	Env map[string]string

	// Cancel is an optional cooperative cancellation flag.
	Cancel *Flag
}

// ShellResult is the structured outcome of a shell execution. Empty
// captures are rendered as an explicit placeholder rather than left blank.
type ShellResult struct {
	// Output is the combined stdout+stderr transcript in arrival order.
	Output string `json:"output"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// Error is the engine-level outcome message, or empty.
	Error string `json:"error,omitempty"`

	ExitCode *int   `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	PID      int    `json:"pid"`

	// BackgroundPIDs lists processes the command left running in its
	// process group (e.g. via "&"). Always empty on non-POSIX platforms.
	BackgroundPIDs []int `json:"background_pids"`

	TimedOut  bool `json:"timed_out"`
	Truncated bool `json:"truncated"`
}

// RunShell executes user-supplied command text under a platform shell with
// combined output accounting. On POSIX the command is wrapped so that the
// original exit code survives the trailing bookkeeping, and a
// process-group-scoped pgrep discovers processes left running in the
// background. On other platforms the text runs unwrapped and background-pid
// discovery returns empty.
func RunShell(ctx context.Context, command string, opts ShellOptions) (*ShellResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	var (
		argv    []string
		tmpPath string
	)
	if runtime.GOOS == "windows" {
		argv = []string{"powershell.exe", "-NoProfile", "-Command", strings.TrimSpace(command)}
	} else {
		tmpPath = filepath.Join(os.TempDir(), fmt.Sprintf("shell_pgrep_%s.tmp", uuid.New()))
		argv = []string{"bash", "-c", wrapPOSIX(command, tmpPath)}
		defer os.Remove(tmpPath)
	}

	res, err := Run(ctx, CommandSpec{Argv: argv, Dir: opts.Dir, Env: opts.Env}, Options{
		InactivityTimeout: opts.InactivityTimeout,
		MaxOutputBytes:    opts.MaxOutputBytes,
		CombinedLimit:     true,
		Cancel:            opts.Cancel,
	})
	if err != nil {
		return nil, err
	}

	out := &ShellResult{
		Output:         res.Combined,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		Error:          res.Err,
		ExitCode:       res.ExitCode,
		Signal:         res.Signal,
		PID:            res.PID,
		BackgroundPIDs: []int{},
		TimedOut:       res.TimedOut,
		Truncated:      res.StdoutTruncated || res.StderrTruncated,
	}
	if tmpPath != "" {
		out.BackgroundPIDs = readBackgroundPIDs(tmpPath, res.PID)
	}
	return out, nil
}

// wrapPOSIX wraps the command so its exit code is preserved across the
// pgrep bookkeeping. A trailing "&" is left intact so backgrounding the
// whole command still works.
func wrapPOSIX(command, tmpPath string) string {
	cmd := strings.TrimSpace(command)
	if !strings.HasSuffix(cmd, "&") {
		cmd += ";"
	}
	return fmt.Sprintf("{ %s }; __code=$?; pgrep -g 0 >%s 2>&1; exit $__code;", cmd, tmpPath)
}

// readBackgroundPIDs parses the pgrep output file, excluding the shell's
// own pid. A missing or unreadable file yields an empty list.
func readBackgroundPIDs(path string, selfPID int) []int {
	pids := []int{}
	data, err := os.ReadFile(path)
	if err != nil {
		return pids
	}
	for _, line := range strings.Split(string(data), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid == selfPID {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
