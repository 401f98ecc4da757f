package client

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token is a first-class cancellation handle for one bulk operation. It
// aborts the in-flight request and any backoff wait by cancelling the
// context the run loop derives from it.
//
// Cancel is idempotent and safe to call from any goroutine.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	once      sync.Once
	cancelled atomic.Bool
}

func newToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. The first call wins; later calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		t.cancel()
	})
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool { return t.cancelled.Load() }

// Context returns the context the run loop and its HTTP request derive from.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed once cancellation is requested.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }
