package runner

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"time"
)

// Run spawns the command described by spec and supervises it until both
// output pipes are drained and the child has exited.
//
// The child never makes Run fail: non-zero exits, signal deaths, inactivity
// timeouts, and cancellations are all reported through the Result. Run
// returns an error only for setup failures — an empty argv, a spawn
// failure, or a stdin write failure.
//
// Context cancellation is treated like the cancellation flag: the child is
// asked to terminate and the run records a cancelled outcome.
func Run(ctx context.Context, spec CommandSpec, opts Options) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := osexec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)

	// Plain os.Pipes rather than cmd.StdoutPipe: Wait must not close the
	// read side while a reader goroutine is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	var stdin *os.File
	if spec.Stdin != "" {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		cmd.Stdin = r
		stdin = w
		defer r.Close()
	}

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		if stdin != nil {
			stdin.Close()
		}
		return nil, fmt.Errorf("spawning %s: %w", spec.Argv[0], err)
	}

	// The parent's copies of the write ends must be closed so the readers
	// see EOF when the child exits.
	stdoutW.Close()
	stderrW.Close()

	if stdin != nil {
		_, werr := stdin.WriteString(spec.Stdin)
		stdin.Close()
		if werr != nil {
			terminate(cmd.Process, false)
			_ = cmd.Wait()
			stdoutR.Close()
			stderrR.Close()
			return nil, fmt.Errorf("writing stdin: %w", werr)
		}
	}

	events := make(chan event, 16)
	go readStream(stdoutR, streamStdout, events)
	go readStream(stderrR, streamStderr, events)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	agg := newAggregator(opts)

	var (
		stdoutDone, stderrDone bool
		exited                 bool
		timedOut, cancelled    bool
		termRequested          bool
		killDeadline           time.Time
	)
	lastActivity := time.Now()

	requestTermination := func() {
		termRequested = true
		terminate(cmd.Process, true)
		killDeadline = time.Now().Add(killGracePeriod)
	}

	for {
		if !exited {
			select {
			case <-waitCh:
				exited = true
			default:
			}
		}

		if stdoutDone && stderrDone && exited {
			break
		}

		if opts.InactivityTimeout > 0 && !termRequested &&
			time.Since(lastActivity) >= opts.InactivityTimeout {
			timedOut = true
			requestTermination()
		}

		if !termRequested && (opts.Cancel.IsSet() || ctx.Err() != nil) {
			cancelled = true
			requestTermination()
		}

		if !killDeadline.IsZero() && !time.Now().Before(killDeadline) {
			terminate(cmd.Process, false)
			killDeadline = time.Time{}
		}

		select {
		case ev := <-events:
			if ev.done {
				if ev.stream == streamStdout {
					stdoutDone = true
				} else {
					stderrDone = true
				}
			} else {
				lastActivity = time.Now()
				agg.add(ev.stream, ev.data)
			}
		case <-time.After(pollInterval):
		}
	}

	finishedAt := time.Now()
	state := cmd.ProcessState

	res := &Result{
		PID:        cmd.Process.Pid,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
		TimedOut:   timedOut,
	}
	res.Stdout, res.Stderr, res.Combined, res.StdoutTruncated, res.StderrTruncated = agg.finish()

	if code := state.ExitCode(); code >= 0 {
		res.ExitCode = &code
	}
	res.Signal = exitSignal(state)

	switch {
	case timedOut:
		res.Err = fmt.Sprintf("command was cancelled after %dms of inactivity",
			opts.InactivityTimeout.Milliseconds())
	case cancelled:
		res.Err = Cancelled
	}

	return res, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
