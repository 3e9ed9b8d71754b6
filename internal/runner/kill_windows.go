//go:build !unix

package runner

import "os"

// terminate stops the child process. Platforms without distinct graceful
// and forceful signals map both requests to the one available terminate
// primitive.
func terminate(p *os.Process, graceful bool) {
	_ = p.Kill()
}

// exitSignal is always empty on platforms without POSIX exit signals.
func exitSignal(state *os.ProcessState) string {
	return ""
}
