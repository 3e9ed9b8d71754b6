// Package runner executes external commands under supervision: output is
// drained concurrently from both pipes, inactivity is detected against a
// configurable timeout, and termination escalates from a graceful signal to
// a forceful kill. Child misbehaviour (non-zero exit, signals, timeouts) is
// reported in the Result; only setup failures are returned as errors.
package runner

import (
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Default supervision parameters.
const (
	// readChunkSize is the fixed read size for each pipe drain loop.
	readChunkSize = 4096

	// pollInterval bounds how long the control loop waits for a stream
	// event before re-checking timeouts, cancellation, and child exit.
	pollInterval = 100 * time.Millisecond

	// killGracePeriod is how long a child gets to exit after a graceful
	// termination request before the forceful kill is sent.
	killGracePeriod = 2 * time.Second
)

// Cancelled is the fixed error marker recorded when a run was stopped by a
// cancellation flag. Callers compare Result.Err against it to distinguish
// cancellation from ordinary failures.
const Cancelled = "cancelled"

// CommandSpec describes one command invocation. It is not modified once
// execution starts.
type CommandSpec struct {
	// Argv is the program followed by its arguments. Must be non-empty.
	Argv []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env is an overlay merged over the parent environment at spawn time.
	// The parent process environment is never mutated.
	Env map[string]string

	// Stdin, when non-empty, is written to the child's stdin which is then
	// closed. When empty the child gets no stdin (the null device).
	Stdin string
}

// Options controls supervision of a single run.
type Options struct {
	// InactivityTimeout is measured from the last observed output byte
	// (or process start if none). Zero or negative means unbounded.
	InactivityTimeout time.Duration

	// MaxOutputBytes caps captured text. It applies to each stream
	// independently unless CombinedLimit is set, in which case it caps
	// stdout and stderr together.
	MaxOutputBytes int

	// CombinedLimit switches MaxOutputBytes to a shared budget across
	// both streams. Used by the shell variant.
	CombinedLimit bool

	// Cancel is an optional cooperative cancellation flag, polled at
	// pollInterval granularity. May be nil.
	Cancel *Flag
}

// Result holds the outcome of a supervised run.
type Result struct {
	Stdout string
	Stderr string

	// Combined is the arrival-ordered transcript of both streams. Only
	// populated when Options.CombinedLimit is set.
	Combined string

	// ExitCode is nil when the child did not exit normally (e.g. it was
	// killed by a signal).
	ExitCode *int

	// Signal is the terminating signal number as a string, or empty.
	Signal string

	PID int

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	StdoutTruncated bool
	StderrTruncated bool

	TimedOut bool

	// Err is the engine-level outcome: an inactivity-timeout message,
	// the Cancelled marker, or empty.
	Err string
}

// Flag is a cooperative cancellation flag shared between a registry and a
// running supervision loop. The zero value is usable; a nil *Flag reads as
// not set.
type Flag struct {
	v atomic.Bool
}

// Set requests cancellation. Safe to call from any goroutine, and a no-op
// once the run has finished.
func (f *Flag) Set() {
	f.v.Store(true)
}

// IsSet reports whether cancellation has been requested.
func (f *Flag) IsSet() bool {
	if f == nil {
		return false
	}
	return f.v.Load()
}

// mergedEnv combines the parent environment with the overlay. Overlay keys
// win over inherited ones.
func mergedEnv(overlay map[string]string) []string {
	if len(overlay) == 0 {
		return nil // inherit as-is
	}
	env := os.Environ()
	out := make([]string, 0, len(env)+len(overlay))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overlay[key]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
