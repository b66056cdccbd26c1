package archive

import (
	"context"
	"time"

	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/metrics"
	"github.com/fluxorio/machina/pkg/store"
)

// RetentionConfig configures a RetentionManager.
type RetentionConfig struct {
	// Horizon is how long history rows are kept. Must be positive.
	Horizon time.Duration
	// SweepInterval is the fixed delay between sweeps. Default 1h.
	SweepInterval time.Duration
	// BatchSize bounds deletions per store call so one sweep never holds a
	// single transaction across the whole store. Default 500.
	BatchSize int
}

func (c *RetentionConfig) defaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.BatchSize < 1 {
		c.BatchSize = 500
	}
}

// RetentionManager periodically purges history rows older than the horizon.
type RetentionManager struct {
	history store.HistoryStore
	cfg     RetentionConfig

	cancel context.CancelFunc
	done   chan struct{}

	logger logging.Logger
	mx     *metrics.Metrics
	clock  func() time.Time
}

// NewRetentionManager creates a stopped retention manager.
func NewRetentionManager(history store.HistoryStore, cfg RetentionConfig, logger logging.Logger, mx *metrics.Metrics) *RetentionManager {
	cfg.defaults()
	if logger == nil {
		logger = logging.NewDefault()
	}
	if mx == nil {
		mx = metrics.Get()
	}
	return &RetentionManager{
		history: history,
		cfg:     cfg,
		logger:  logger,
		mx:      mx,
		clock:   time.Now,
	}
}

// SetClock overrides the wall-clock source. For tests.
func (rm *RetentionManager) SetClock(clock func() time.Time) {
	rm.clock = clock
}

// Start runs the fixed-delay sweep loop.
func (rm *RetentionManager) Start(ctx context.Context) {
	ctx, rm.cancel = context.WithCancel(ctx)
	rm.done = make(chan struct{})

	go func() {
		defer close(rm.done)
		rm.logger.Infof("retention manager started: horizon %v, sweep every %v",
			rm.cfg.Horizon, rm.cfg.SweepInterval)
		for {
			select {
			case <-time.After(rm.cfg.SweepInterval):
				if _, err := rm.PerformCleanupNow(ctx); err != nil {
					rm.logger.Errorf("retention sweep: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the sweep loop.
func (rm *RetentionManager) Shutdown() {
	if rm.cancel != nil {
		rm.cancel()
		<-rm.done
		rm.cancel = nil
		rm.logger.Info("retention manager stopped")
	}
}

// PerformCleanupNow runs one synchronous sweep and returns how many rows
// were deleted. Deletions run in batches until the horizon is clear.
func (rm *RetentionManager) PerformCleanupNow(ctx context.Context) (int, error) {
	cutoff := rm.clock().Add(-rm.cfg.Horizon)
	total := 0
	for {
		n, err := rm.history.DeleteOlderThan(ctx, cutoff, rm.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < rm.cfg.BatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}

	rm.mx.RetentionSweeps.Inc()
	if total > 0 {
		rm.mx.RetentionDeleted.Add(float64(total))
		rm.logger.Infof("retention sweep deleted %d history rows older than %v", total, cutoff.UTC())
	}
	return total, nil
}
