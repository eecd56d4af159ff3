package query

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crossmargin/internal/engine"
)

func TestLoopReader_ServesViewOnEngineGoroutine(t *testing.T) {
	eng := engine.NewEngine(engine.NewState(), 5, nil, nil, nil, nil, zerolog.Nop())
	reader := NewLoopReader(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-reader.Requests():
				reader.Serve(req, eng)
			}
		}
	}()

	var gotSeq int64
	var gotState *engine.State
	err := reader.View(ctx, func(st *engine.State, sequence int64) {
		gotState = st
		gotSeq = sequence
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if gotSeq != 4 {
		t.Errorf("as-of sequence = %d, want 4", gotSeq)
	}
	if gotState != eng.State() {
		t.Error("view saw a different state than the engine's")
	}
}

func TestLoopReader_ViewHonorsContext(t *testing.T) {
	reader := NewLoopReader(0)

	// Nothing drains the queue: View must give up when the context
	// expires instead of blocking forever.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := reader.View(ctx, func(*engine.State, int64) {})
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
}
