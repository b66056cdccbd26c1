package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/machina/pkg/logging"
)

func TestWheelAdvance(t *testing.T) {
	ctx := context.Background()
	w := NewWheel(logging.Nop())

	var a, b int
	w.Register("a", func(ctx context.Context, tick uint64) { a++ })
	w.Register("b", func(ctx context.Context, tick uint64) { b++ })
	if w.Registered() != 2 {
		t.Fatalf("Registered = %d, want 2", w.Registered())
	}

	w.Advance(ctx, 3)
	if a != 3 || b != 3 {
		t.Fatalf("a=%d b=%d, want 3/3", a, b)
	}
	if w.Tick() != 3 {
		t.Fatalf("Tick = %d, want 3", w.Tick())
	}

	w.Deregister("b")
	w.Advance(ctx, 2)
	if a != 5 || b != 3 {
		t.Fatalf("a=%d b=%d after deregister, want 5/3", a, b)
	}
}

func TestWheelTickCounterVisibleToHandlers(t *testing.T) {
	ctx := context.Background()
	w := NewWheel(logging.Nop())

	var last uint64
	w.Register("a", func(ctx context.Context, tick uint64) { last = tick })
	w.Advance(ctx, 4)
	if last != 4 {
		t.Fatalf("handler saw tick %d, want 4", last)
	}
}

func TestWheelHandlerMayDeregisterItself(t *testing.T) {
	ctx := context.Background()
	w := NewWheel(logging.Nop())

	calls := 0
	w.Register("a", func(ctx context.Context, tick uint64) {
		calls++
		w.Deregister("a")
	})
	w.Advance(ctx, 3)
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestWheelStartStop(t *testing.T) {
	ctx := context.Background()
	w := NewWheel(logging.Nop())

	var ticks atomic.Uint64
	w.Register("a", func(ctx context.Context, tick uint64) { ticks.Store(tick) })

	w.Start(ctx, time.Millisecond)
	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("wheel delivered only %d ticks", ticks.Load())
		case <-time.After(time.Millisecond):
		}
	}
	w.Stop()

	settled := w.Tick()
	time.Sleep(10 * time.Millisecond)
	if w.Tick() != settled {
		t.Fatal("wheel still advancing after Stop")
	}
}
