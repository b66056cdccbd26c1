// Package archive moves terminal machines from the active snapshot store to
// the history store, and ages history out per the retention horizon.
//
// The manager is a bounded work queue consumed by a worker pool. Failures
// retry with exponential backoff; items that exhaust their retries are
// parked in a dead-letter counter and the row stays in the active store, so
// nothing is ever orphaned.
package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/metrics"
	"github.com/fluxorio/machina/pkg/store"
)

// Errors.
var (
	// ErrBackpressure reports that the archival queue stayed full beyond the
	// configured enqueue bound.
	ErrBackpressure = errors.New("archive: queue full")

	// ErrInterrupted reports that shutdown cancelled an in-flight operation.
	ErrInterrupted = errors.New("archive: interrupted by shutdown")

	// ErrClosed reports an enqueue after Shutdown.
	ErrClosed = errors.New("archive: manager is shut down")
)

// item is one unit of archival work.
type item struct {
	machineID string
	context   []byte
}

// Stats exposes the manager's operational counters.
type Stats struct {
	Attempted    int64 `json:"attempted"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
	QueueDepth   int   `json:"queueDepth"`
}

// Config configures a Manager.
type Config struct {
	// Workers is the consumer pool size. Default 4.
	Workers int
	// QueueCapacity bounds the work queue. Default 1024.
	QueueCapacity int
	// MaxRetries bounds attempts per item. Default 5.
	MaxRetries int
	// BackoffBase is the first retry delay, doubled per attempt. Default 50ms.
	BackoffBase time.Duration
	// EnqueueWait bounds how long ArchiveMachine blocks on a full queue
	// before failing with ErrBackpressure. Default 0 (fail immediately).
	EnqueueWait time.Duration
	// ScanPageSize pages the startup scan. Default 100.
	ScanPageSize int
}

func (c *Config) defaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 1024
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	if c.ScanPageSize < 1 {
		c.ScanPageSize = 100
	}
}

// Manager is the asynchronous archival pipeline.
type Manager struct {
	active  store.SnapshotStore
	history store.HistoryStore
	cfg     Config

	queue  chan item
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closeMu fences enqueues against the queue close in Shutdown.
	closeMu sync.RWMutex
	closed  atomic.Bool

	attempted    atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64

	logger logging.Logger
	mx     *metrics.Metrics
}

// NewManager creates a stopped manager; call Start before enqueueing.
func NewManager(active store.SnapshotStore, history store.HistoryStore, cfg Config, logger logging.Logger, mx *metrics.Metrics) *Manager {
	cfg.defaults()
	if logger == nil {
		logger = logging.NewDefault()
	}
	if mx == nil {
		mx = metrics.Get()
	}
	return &Manager{
		active:  active,
		history: history,
		cfg:     cfg,
		queue:   make(chan item, cfg.QueueCapacity),
		logger:  logger,
		mx:      mx,
	}
}

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(m.cfg.Workers)
	for i := 0; i < m.cfg.Workers; i++ {
		go m.worker(i)
	}
	m.logger.Infof("archival manager started: %d workers, queue %d", m.cfg.Workers, m.cfg.QueueCapacity)
}

// ArchiveMachine enqueues a terminal machine for migration and returns
// immediately. With a full queue it blocks up to EnqueueWait, then fails
// with ErrBackpressure.
func (m *Manager) ArchiveMachine(id string, contextData []byte) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed.Load() {
		return ErrClosed
	}
	it := item{machineID: id, context: contextData}

	select {
	case m.queue <- it:
		m.mx.ArchivalQueueDepth.Set(float64(len(m.queue)))
		return nil
	default:
	}

	if m.cfg.EnqueueWait <= 0 {
		return fmt.Errorf("%w: machine %s", ErrBackpressure, id)
	}

	timer := time.NewTimer(m.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case m.queue <- it:
		m.mx.ArchivalQueueDepth.Set(float64(len(m.queue)))
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: machine %s", ErrBackpressure, id)
	}
}

// MoveAllFinishedMachines scans the active store and enqueues every row
// whose state is in finalStates. Run at startup to reconcile machines that
// terminated before a crash or shutdown finished their archival.
func (m *Manager) MoveAllFinishedMachines(ctx context.Context, finalStates []string) (int, error) {
	enqueued := 0
	cursor := ""
	for {
		rows, next, err := m.active.ScanWhereStateIn(ctx, finalStates, cursor, m.cfg.ScanPageSize)
		if err != nil {
			return enqueued, fmt.Errorf("startup scan: %w", err)
		}
		for _, row := range rows {
			if err := m.ArchiveMachine(row.MachineID, row.ContextData); err != nil {
				return enqueued, err
			}
			enqueued++
		}
		if next == "" {
			return enqueued, nil
		}
		cursor = next
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Attempted:    m.attempted.Load(),
		Succeeded:    m.succeeded.Load(),
		Failed:       m.failed.Load(),
		Retried:      m.retried.Load(),
		DeadLettered: m.deadLettered.Load(),
		QueueDepth:   len(m.queue),
	}
}

// Shutdown stops intake, drains the queue within the context's deadline,
// then cancels remaining workers. Returns ErrInterrupted when the drain
// deadline expired with work outstanding.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed.Swap(true) {
		m.closeMu.Unlock()
		return nil
	}
	close(m.queue)
	m.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		m.logger.Info("archival manager drained and stopped")
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		m.logger.Warnf("archival manager interrupted with %d items queued", len(m.queue))
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for it := range m.queue {
		m.mx.ArchivalQueueDepth.Set(float64(len(m.queue)))
		if err := m.process(it); err != nil {
			m.deadLettered.Add(1)
			m.mx.ArchivalDeadLetter.Inc()
			m.logger.Errorf("worker %d: archival of %s exhausted retries: %v", id, it.machineID, err)
		}
	}
}

// process migrates one machine with bounded retries. The insert-then-delete
// order plus the idempotent history insert make the whole sequence safe to
// repeat: a failure at any step leaves the row in the active store.
func (m *Manager) process(it item) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.retried.Add(1)
			m.mx.ArchivalRetried.Inc()
			backoff := m.cfg.BackoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return fmt.Errorf("%w: %v", ErrInterrupted, lastErr)
			}
		}

		m.attempted.Add(1)
		m.mx.ArchivalAttempted.Inc()

		err := m.migrate(it)
		if err == nil {
			m.succeeded.Add(1)
			m.mx.ArchivalSucceeded.Inc()
			return nil
		}

		lastErr = err
		m.failed.Add(1)
		m.mx.ArchivalFailed.Inc()
		m.logger.Warnf("archival of %s failed (attempt %d/%d): %v",
			it.machineID, attempt+1, m.cfg.MaxRetries, err)
	}
	return lastErr
}

func (m *Manager) migrate(it item) error {
	ctx := m.ctx

	// The active store row is authoritative; the enqueued context is only a
	// fallback for rows deleted between enqueue and processing.
	row, err := m.active.FindLatest(ctx, it.machineID)
	if errors.Is(err, store.ErrNotFound) {
		// Already migrated (idempotent).
		return nil
	}
	if err != nil {
		return fmt.Errorf("read active row: %w", err)
	}

	if err := m.history.Insert(ctx, row); err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}

	if err := m.active.Delete(ctx, it.machineID); err != nil {
		return fmt.Errorf("delete active row: %w", err)
	}
	return nil
}
