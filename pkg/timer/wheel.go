// Package timer provides the runtime's single logical tick source.
//
// Ticks are monotonic, integer and unitless from the engine's perspective;
// the host binds a tick to wall time with Start (e.g. 1 tick = 1 ms). Tests
// drive the wheel manually with Advance.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/machina/pkg/logging"
)

// TickFunc is invoked once per tick for every registered machine. The tick
// argument is the wheel's monotonic counter after the advance.
type TickFunc func(ctx context.Context, tick uint64)

// Wheel fans each tick out to every registered machine. Registration and
// deregistration follow state entry/exit in the registry.
type Wheel struct {
	mu       sync.RWMutex
	handlers map[string]TickFunc
	tick     uint64

	cancel context.CancelFunc
	done   chan struct{}
	logger logging.Logger
}

// NewWheel creates a stopped wheel.
func NewWheel(logger logging.Logger) *Wheel {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Wheel{
		handlers: make(map[string]TickFunc),
		logger:   logger,
	}
}

// Register adds (or replaces) the tick handler for a machine id.
func (w *Wheel) Register(id string, fn TickFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[id] = fn
}

// Deregister removes the tick handler for a machine id.
func (w *Wheel) Deregister(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.handlers, id)
}

// Registered returns the number of registered handlers.
func (w *Wheel) Registered() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

// Tick returns the current tick counter.
func (w *Wheel) Tick() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tick
}

// Advance moves the wheel forward n ticks, delivering each tick to every
// registered handler. Used directly by tests; Start calls it once per period.
func (w *Wheel) Advance(ctx context.Context, n uint64) {
	for i := uint64(0); i < n; i++ {
		w.mu.Lock()
		w.tick++
		tick := w.tick
		handlers := make(map[string]TickFunc, len(w.handlers))
		for id, fn := range w.handlers {
			handlers[id] = fn
		}
		w.mu.Unlock()

		for _, fn := range handlers {
			fn(ctx, tick)
		}
	}
}

// Start binds the wheel to wall time: one Advance per period until Stop.
func (w *Wheel) Start(ctx context.Context, period time.Duration) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		w.logger.Infof("timer wheel started, period %v", period)
		for {
			select {
			case <-ticker.C:
				w.Advance(ctx, 1)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the wall-clock binding. Registered handlers stay registered.
func (w *Wheel) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		w.logger.Info("timer wheel stopped")
	}
}
