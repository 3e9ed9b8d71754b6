package jobs

import (
	"sync"

	"github.com/deixis/foreman/internal/runner"
)

// Registry maps running job ids to their shared cancellation flags. A flag
// exists exactly while a supervised run for that job is in flight: inserted
// when the background task starts, removed exactly once when it reaches a
// terminal state.
type Registry struct {
	mu    sync.Mutex
	flags map[string]*runner.Flag
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]*runner.Flag)}
}

// add registers a fresh cancellation flag for the job id.
func (r *Registry) add(id string) *runner.Flag {
	f := &runner.Flag{}
	r.mu.Lock()
	r.flags[id] = f
	r.mu.Unlock()
	return f
}

// remove drops the job's flag. Safe to call for an unknown id.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.flags, id)
	r.mu.Unlock()
}

// Cancel sets the job's cancellation flag if one is registered. It reports
// whether a flag was found; cancelling an absent id is a no-op.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	f, ok := r.flags[id]
	r.mu.Unlock()
	if ok {
		f.Set()
	}
	return ok
}

// Contains reports whether a flag is registered for the job id.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	_, ok := r.flags[id]
	r.mu.Unlock()
	return ok
}
