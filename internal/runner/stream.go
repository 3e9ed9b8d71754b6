package runner

import "io"

// stream identifies which pipe a chunk came from.
type stream int

const (
	streamStdout stream = iota
	streamStderr
)

// event is one message from a reader goroutine to the control loop.
// Events from a single stream arrive in production order; no ordering is
// guaranteed between the two streams.
type event struct {
	stream stream
	data   []byte
	done   bool
}

// readStream drains one pipe in fixed-size chunks, publishing data events
// followed by exactly one done event on EOF or read error. It runs in its
// own goroutine so a slow or silent stream can never starve the other.
func readStream(r io.ReadCloser, s stream, events chan<- event) {
	defer r.Close()
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events <- event{stream: s, data: data}
		}
		if err != nil {
			events <- event{stream: s, done: true}
			return
		}
	}
}
