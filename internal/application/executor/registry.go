package executor

import (
	"context"
	"sync"
)

// Registry tracks in-flight bulk operations so the cancel endpoint can reach
// the goroutine driving each one.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Track derives a cancellable context for the run and registers it under the
// operation ID. The returned release func must be called when the run ends.
func (r *Registry) Track(ctx context.Context, operationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancels[operationID] = cancel
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		delete(r.cancels, operationID)
		r.mu.Unlock()
		cancel()
	}
}

// Cancel aborts the run with the given operation ID. It reports whether the
// operation was in flight.
func (r *Registry) Cancel(operationID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[operationID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of in-flight operations.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
