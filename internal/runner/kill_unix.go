//go:build unix

package runner

import (
	"os"
	"strconv"
	"syscall"
)

// terminate signals the child process: SIGTERM when graceful, SIGKILL
// otherwise. Signal delivery failures are ignored — the child may already
// have exited, and the definitive wait reports the real outcome.
func terminate(p *os.Process, graceful bool) {
	if graceful {
		_ = p.Signal(syscall.SIGTERM)
		return
	}
	_ = p.Kill()
}

// exitSignal returns the terminating signal number as a string, or empty
// when the process exited normally.
func exitSignal(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return strconv.Itoa(int(ws.Signal()))
}
