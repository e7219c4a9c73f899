package compiler

import "context"

// CancelHandle is checked by the loop at round start and at every wave join.
// Cancelling it also cancels the context given to in-flight tool calls.
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelHandle creates a handle that is also cancelled with parent.
func NewCancelHandle(parent context.Context) *CancelHandle {
	ctx, cancel := context.WithCancel(parent)
	return &CancelHandle{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. Safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.cancel()
}

// Cancelled reports whether cancellation was requested.
func (h *CancelHandle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Context returns the context tied to the handle.
func (h *CancelHandle) Context() context.Context {
	return h.ctx
}

// Done is closed when the handle is cancelled.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}
