package server

import (
	"context"
	"slices"
	"sync"
)

// ActiveRuns tracks scripts currently executing on behalf of remote callers
// so they can be cancelled individually or all at once on shutdown.
type ActiveRuns struct {
	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// NewActiveRuns creates an empty tracker.
func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{runs: make(map[string]context.CancelFunc)}
}

// Start registers a run under id and returns a context that is cancelled by
// Cancel or CancelAll. done must be called when the run ends.
func (a *ActiveRuns) Start(ctx context.Context, id string) (runCtx context.Context, done func()) {
	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.runs[id] = cancel
	a.mu.Unlock()

	return runCtx, func() {
		a.mu.Lock()
		delete(a.runs, id)
		a.mu.Unlock()
		cancel()
	}
}

// Cancel stops one run. It reports whether the run was active.
func (a *ActiveRuns) Cancel(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.runs[id]
	if ok {
		cancel()
		delete(a.runs, id)
	}
	return ok
}

// IDs lists the active runs in sorted order.
func (a *ActiveRuns) IDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.runs))
	for id := range a.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// CancelAll cancels every active run.
func (a *ActiveRuns) CancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.runs {
		cancel()
		delete(a.runs, id)
	}
}
