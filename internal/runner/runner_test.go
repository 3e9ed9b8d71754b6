package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func run(t *testing.T, spec CommandSpec, opts Options) *Result {
	t.Helper()
	res, err := Run(context.Background(), spec, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func defaultOptions() Options {
	return Options{MaxOutputBytes: 1 << 20}
}

func TestRun_Success(t *testing.T) {
	res := run(t, CommandSpec{Argv: []string{"echo", "hello"}}, defaultOptions())
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("Stdout = %q, want to contain 'hello'", res.Stdout)
	}
	if res.Stderr != "(empty)" {
		t.Errorf("Stderr = %q, want '(empty)'", res.Stderr)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false")
	}
	if res.PID == 0 {
		t.Error("PID is zero")
	}
	if res.Duration <= 0 {
		t.Error("Duration is not positive")
	}
}

func TestRun_EmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), CommandSpec{}, defaultOptions())
	if err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestRun_BinaryNotFound(t *testing.T) {
	_, err := Run(context.Background(), CommandSpec{Argv: []string{"nonexistent-binary-xyz-123"}}, defaultOptions())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "nonexistent-binary-xyz-123") {
		t.Errorf("error = %q, want to mention the binary name", err)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	res := run(t, CommandSpec{Argv: []string{"sh", "-c", "exit 3"}}, defaultOptions())
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", res.ExitCode)
	}
	if res.Err != "" {
		t.Errorf("Err = %q, want empty", res.Err)
	}
}

func TestRun_StdinPayload(t *testing.T) {
	res := run(t, CommandSpec{Argv: []string{"cat"}, Stdin: "piped input"}, defaultOptions())
	if !strings.Contains(res.Stdout, "piped input") {
		t.Errorf("Stdout = %q, want to contain 'piped input'", res.Stdout)
	}
}

func TestRun_EnvOverlay(t *testing.T) {
	res := run(t, CommandSpec{
		Argv: []string{"sh", "-c", "echo $FOREMAN_TEST_VALUE"},
		Env:  map[string]string{"FOREMAN_TEST_VALUE": "overlay-wins"},
	}, defaultOptions())
	if !strings.Contains(res.Stdout, "overlay-wins") {
		t.Errorf("Stdout = %q, want to contain 'overlay-wins'", res.Stdout)
	}
}

func TestRun_StreamsSeparated(t *testing.T) {
	res := run(t, CommandSpec{Argv: []string{"sh", "-c", "echo out; echo err 1>&2"}}, defaultOptions())
	if !strings.Contains(res.Stdout, "out") || strings.Contains(res.Stdout, "err") {
		t.Errorf("Stdout = %q, want 'out' only", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "err") || strings.Contains(res.Stderr, "out") {
		t.Errorf("Stderr = %q, want 'err' only", res.Stderr)
	}
}

func TestRun_PerStreamTruncation(t *testing.T) {
	opts := defaultOptions()
	opts.MaxOutputBytes = 10

	res := run(t, CommandSpec{
		Argv: []string{"sh", "-c", "dd if=/dev/zero bs=1000000 count=1 2>/dev/null | tr '\\0' a"},
	}, opts)
	if !res.StdoutTruncated {
		t.Error("StdoutTruncated = false, want true")
	}
	if got := len(res.Stdout); got > 10+len(truncationMarker) {
		t.Errorf("len(Stdout) = %d, want <= %d", got, 10+len(truncationMarker))
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", res.ExitCode)
	}
	if res.StderrTruncated {
		t.Error("StderrTruncated = true, want false")
	}
}

func TestRun_TruncationMarkerAppearsOnce(t *testing.T) {
	opts := defaultOptions()
	opts.MaxOutputBytes = 10

	res := run(t, CommandSpec{
		Argv: []string{"sh", "-c", "for i in 1 2 3 4 5; do printf 0123456789abcdef; done"},
	}, opts)
	if got := strings.Count(res.Stdout, strings.TrimSpace(truncationMarker)); got != 1 {
		t.Errorf("marker count = %d, want 1", got)
	}
}

func TestRun_InactivityTimeout(t *testing.T) {
	opts := defaultOptions()
	opts.InactivityTimeout = 500 * time.Millisecond

	start := time.Now()
	res := run(t, CommandSpec{Argv: []string{"sleep", "10"}}, opts)
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if !strings.Contains(res.Err, "500") {
		t.Errorf("Err = %q, want to name the 500ms timeout", res.Err)
	}
	// Graceful termination should stop sleep well before its 10s.
	if elapsed > 4*time.Second {
		t.Errorf("run took %v, want well under 4s", elapsed)
	}
	if res.ExitCode != nil {
		t.Errorf("ExitCode = %d, want nil for signal death", *res.ExitCode)
	}
	if res.Signal == "" {
		t.Error("Signal is empty, want the terminating signal")
	}
}

func TestRun_ForcefulEscalation(t *testing.T) {
	opts := defaultOptions()
	opts.InactivityTimeout = 300 * time.Millisecond

	start := time.Now()
	// Ignored signals survive exec, so the sleep ignores the graceful TERM.
	res := run(t, CommandSpec{Argv: []string{"sh", "-c", `trap "" TERM; exec sleep 10`}}, opts)
	elapsed := time.Since(start)

	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	// The forceful kill fires 2s after the graceful request.
	if elapsed < 2*time.Second {
		t.Errorf("run took %v, want >= 2s (kill grace period)", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("run took %v, want well under 5s", elapsed)
	}
	if res.Signal != "9" {
		t.Errorf("Signal = %q, want \"9\" (SIGKILL)", res.Signal)
	}
}

func TestRun_CancelFlag(t *testing.T) {
	opts := defaultOptions()
	opts.Cancel = &Flag{}

	go func() {
		time.Sleep(200 * time.Millisecond)
		opts.Cancel.Set()
	}()

	start := time.Now()
	res := run(t, CommandSpec{Argv: []string{"sleep", "10"}}, opts)
	elapsed := time.Since(start)

	if res.Err != Cancelled {
		t.Errorf("Err = %q, want %q", res.Err, Cancelled)
	}
	if res.TimedOut {
		t.Error("TimedOut = true, want false for cancellation")
	}
	if elapsed > 3*time.Second {
		t.Errorf("run took %v, want well under 3s", elapsed)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res, err := Run(ctx, CommandSpec{Argv: []string{"sleep", "10"}}, defaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Err != Cancelled {
		t.Errorf("Err = %q, want %q", res.Err, Cancelled)
	}
}

func TestFlag_NilIsNotSet(t *testing.T) {
	var f *Flag
	if f.IsSet() {
		t.Error("nil flag reads as set")
	}
}

func TestAggregator_CombinedLimit(t *testing.T) {
	agg := newAggregator(Options{MaxOutputBytes: 8, CombinedLimit: true})
	agg.add(streamStdout, []byte("aaaa"))
	agg.add(streamStderr, []byte("bbbb"))
	agg.add(streamStdout, []byte("cccc")) // over budget, dropped

	stdout, stderr, combined, stdoutTrunc, stderrTrunc := agg.finish()
	if combined != "aaaabbbb"+truncationMarker {
		t.Errorf("combined = %q", combined)
	}
	// The marker lands on the most-recently-active stream.
	if !stderrTrunc || stdoutTrunc {
		t.Errorf("trunc flags = (%v, %v), want (false, true)", stdoutTrunc, stderrTrunc)
	}
	if !strings.HasSuffix(stderr, truncationMarker) {
		t.Errorf("stderr = %q, want truncation marker suffix", stderr)
	}
	if strings.Contains(stdout, strings.TrimSpace(truncationMarker)) {
		t.Errorf("stdout = %q, want no marker", stdout)
	}
}

func TestAggregator_InvalidUTF8Replaced(t *testing.T) {
	agg := newAggregator(Options{MaxOutputBytes: 64})
	agg.add(streamStdout, []byte{'o', 'k', 0xff, 0xfe})

	stdout, _, _, _, _ := agg.finish()
	if !strings.HasPrefix(stdout, "ok") {
		t.Errorf("stdout = %q, want 'ok' prefix", stdout)
	}
	if strings.Contains(stdout, "\xff") {
		t.Errorf("stdout = %q, want invalid bytes replaced", stdout)
	}
}
