package store

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// ErrAborted is returned by any suspension point that observed cancellation.
// Callers map it to a terminal "cancelled" status rather than "failed".
var ErrAborted = trace.Errorf("operation aborted")

// AbortToken is a task-scoped cancellation token threaded into every I/O
// helper used by the batch executor and transfer orchestrator, per
// spec.md §9 ("abort signal plumbing ... do NOT rely on per-call callbacks
// checking a shared flag"). It wraps a context so suspension points can
// select on ctx.Done() directly, but also exposes Cancel/Cancelled for call
// sites that only need a boolean check.
type AbortToken struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
}

// NewAbortToken derives a cancellable token from parent.
func NewAbortToken(parent context.Context) *AbortToken {
	ctx, cancel := context.WithCancel(parent)
	return &AbortToken{ctx: ctx, cancel: cancel}
}

// Context returns the underlying context for use with context-aware APIs.
func (a *AbortToken) Context() context.Context {
	return a.ctx
}

// Cancel fires the abort signal. Idempotent.
func (a *AbortToken) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
	a.cancel()
}

// Cancelled reports whether Cancel has been called.
func (a *AbortToken) Cancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// Done returns a channel closed when the token is cancelled.
func (a *AbortToken) Done() <-chan struct{} {
	return a.ctx.Done()
}

// CheckAborted returns ErrAborted if the token has fired, nil otherwise. Call
// this at every suspension point named in spec.md §5.
func (a *AbortToken) CheckAborted() error {
	select {
	case <-a.ctx.Done():
		return ErrAborted
	default:
		return nil
	}
}
