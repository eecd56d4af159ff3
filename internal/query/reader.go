package query

import (
	"context"

	"crossmargin/internal/engine"
)

// LoopReader implements StateReader by marshalling callbacks onto the
// goroutine that owns the engine. The orchestrator drains Requests()
// in the same select that dispatches instructions, so a view callback
// never observes a half-applied instruction.
type LoopReader struct {
	requests chan viewRequest
}

type viewRequest struct {
	fn   func(st *engine.State, sequence int64)
	done chan struct{}
}

func NewLoopReader(buffer int) *LoopReader {
	return &LoopReader{requests: make(chan viewRequest, buffer)}
}

// View blocks until the engine goroutine has run fn or ctx expires.
func (lr *LoopReader) View(ctx context.Context, fn func(st *engine.State, sequence int64)) error {
	req := viewRequest{fn: fn, done: make(chan struct{})}

	select {
	case lr.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requests exposes the pending view queue to the engine loop.
func (lr *LoopReader) Requests() <-chan viewRequest {
	return lr.requests
}

// Serve runs one view against the engine. Called only from the engine
// goroutine.
func (lr *LoopReader) Serve(req viewRequest, e *engine.Engine) {
	req.fn(e.State(), e.Sequence()-1)
	close(req.done)
}
