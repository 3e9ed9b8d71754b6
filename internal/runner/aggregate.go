package runner

import "strings"

// truncationMarker is appended once to each capture that hit its ceiling.
const truncationMarker = "\n[output truncated]"

// emptyPlaceholder replaces captures that received no bytes.
const emptyPlaceholder = "(empty)"

// aggregator accumulates stream output under a byte ceiling. In per-stream
// mode each stream has an independent budget; in combined mode stdout and
// stderr share one budget and an arrival-ordered transcript is kept.
// Once a capture is truncated it stays truncated for the rest of the run.
type aggregator struct {
	limit    int
	combined bool

	bufs  [2]strings.Builder
	sizes [2]int
	trunc [2]bool

	transcript strings.Builder
	total      int
	totalTrunc bool
	last       stream
}

func newAggregator(opts Options) *aggregator {
	return &aggregator{limit: opts.MaxOutputBytes, combined: opts.CombinedLimit}
}

// add applies one data chunk with truncation accounting. Byte budgets are
// counted on the raw chunk; the kept slice is decoded permissively so
// invalid byte sequences are replaced rather than failing the run.
func (a *aggregator) add(s stream, chunk []byte) {
	if a.combined {
		a.addCombined(s, chunk)
		return
	}
	if a.trunc[s] {
		return
	}
	remaining := a.limit - a.sizes[s]
	if remaining <= 0 {
		a.trunc[s] = true
		return
	}
	if len(chunk) > remaining {
		a.trunc[s] = true
		chunk = chunk[:remaining]
	}
	a.bufs[s].WriteString(decode(chunk))
	a.sizes[s] += len(chunk)
}

func (a *aggregator) addCombined(s stream, chunk []byte) {
	if a.totalTrunc {
		return
	}
	remaining := a.limit - a.total
	if remaining <= 0 {
		a.totalTrunc = true
		return
	}
	if len(chunk) > remaining {
		a.totalTrunc = true
		chunk = chunk[:remaining]
	}
	text := decode(chunk)
	a.transcript.WriteString(text)
	a.bufs[s].WriteString(text)
	a.total += len(chunk)
	a.last = s
}

// finish renders the final captures, appending the truncation marker once
// per affected capture and substituting the placeholder for empty ones.
// In combined mode only the most-recently-active stream carries the marker,
// matching the shell transcript it mirrors.
func (a *aggregator) finish() (stdout, stderr, combined string, stdoutTrunc, stderrTrunc bool) {
	if a.combined {
		if a.totalTrunc {
			a.transcript.WriteString(truncationMarker)
			a.bufs[a.last].WriteString(truncationMarker)
			if a.last == streamStderr {
				stderrTrunc = true
			} else {
				stdoutTrunc = true
			}
		}
		combined = a.transcript.String()
	} else {
		for s := range a.bufs {
			if a.trunc[s] {
				a.bufs[s].WriteString(truncationMarker)
			}
		}
		stdoutTrunc = a.trunc[streamStdout]
		stderrTrunc = a.trunc[streamStderr]
	}

	stdout = a.bufs[streamStdout].String()
	stderr = a.bufs[streamStderr].String()
	if stdout == "" {
		stdout = emptyPlaceholder
	}
	if stderr == "" {
		stderr = emptyPlaceholder
	}
	if a.combined && combined == "" {
		combined = emptyPlaceholder
	}
	return stdout, stderr, combined, stdoutTrunc, stderrTrunc
}

func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
