// Package registry hosts the in-memory index of live state machines.
//
// Machines are materialized lazily: an event or CreateOrGet for an id that is
// not in memory rehydrates it from the snapshot store, or constructs it fresh
// when storage has never seen the id. Every committed transition is persisted
// write-through before the caller is acknowledged; machines that reach a
// final state are handed to the archiver and evicted.
//
// Concurrency: the registry map has one mutex; each machine has its own entry
// lock, so different machines process events fully in parallel while all
// mutations of a single machine are serialized.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/machina/pkg/fsm"
	"github.com/fluxorio/machina/pkg/logging"
	"github.com/fluxorio/machina/pkg/metrics"
	"github.com/fluxorio/machina/pkg/store"
	"github.com/fluxorio/machina/pkg/timer"
)

// Factory builds a fresh, uninitialized machine for the given id.
type Factory func(id string) (*fsm.Machine, error)

// Archiver receives terminal machines for asynchronous migration to the
// history store. Implemented by archive.Manager.
type Archiver interface {
	ArchiveMachine(id string, contextData []byte) error
}

// Result reports a committed event delivery.
type Result struct {
	MachineID string `json:"machineId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Trigger   string `json:"trigger"`
	Complete  bool   `json:"complete"`
}

// TransitionListener is notified after a transition has been committed and
// persisted. Listeners run on the delivering goroutine; keep them cheap.
type TransitionListener func(Result)

// Options configures a Registry.
type Options struct {
	// DefaultFactory rehydrates machines on SendEvent. Optional; without it
	// only CreateOrGet can materialize machines.
	DefaultFactory Factory

	// Archiver receives terminal machines. Optional.
	Archiver Archiver

	// Wheel, when set, drives per-machine ticks for every live machine.
	Wheel *timer.Wheel

	// RehydrateTimeout bounds a single rehydration. Zero disables the bound.
	RehydrateTimeout time.Duration

	// IdleTTL evicts machines not touched for this long. Zero disables the
	// sweeper.
	IdleTTL time.Duration

	// SweepInterval is the idle sweeper period. Defaults to IdleTTL/2.
	SweepInterval time.Duration

	// Tracer, when set, opens a span per delivered event.
	Tracer trace.Tracer

	Logger  logging.Logger
	Metrics *metrics.Metrics

	// Clock is the wall-clock source for snapshot timestamps and idle
	// accounting. Defaults to time.Now. Tests may override it.
	Clock func() time.Time
}

// entry is one live-map slot. Its lock serializes every mutation of the
// machine it holds; a nil machine marks an in-flight materialization.
type entry struct {
	mu          sync.Mutex
	m           *fsm.Machine
	lastUpdated time.Time
	removed     bool
}

// Registry is the in-memory index of live FSM instances.
type Registry struct {
	snapshots store.SnapshotStore
	rehydr    *Rehydrator
	opts      Options

	mu          sync.Mutex
	live        map[string]*entry
	quarantined map[string]error
	listeners   []TransitionListener

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	logger logging.Logger
	mx     *metrics.Metrics
	clock  func() time.Time
}

// New creates a registry over the given stores.
func New(snapshots store.SnapshotStore, history store.HistoryStore, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	mx := opts.Metrics
	if mx == nil {
		mx = metrics.Get()
	}
	return &Registry{
		snapshots:   snapshots,
		rehydr:      NewRehydrator(snapshots, history, logger),
		opts:        opts,
		live:        make(map[string]*entry),
		quarantined: make(map[string]error),
		logger:      logger,
		mx:          mx,
		clock:       clock,
	}
}

// AddListener registers a transition listener.
func (r *Registry) AddListener(l TransitionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// IsInMemory reports whether the id has a live instance.
func (r *Registry) IsInMemory(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[id]
	return ok && e.m != nil
}

// LiveCount returns the number of live instances.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.live {
		if e.m != nil {
			n++
		}
	}
	return n
}

// Register inserts an externally constructed machine into the live set. The
// machine is initialized if it is not yet, and its initial snapshot is
// persisted.
func (r *Registry) Register(ctx context.Context, id string, m *fsm.Machine) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyPresent, id)
	}
	e := &entry{}
	e.mu.Lock()
	r.live[id] = e
	r.mu.Unlock()
	defer e.mu.Unlock()

	if !m.Initialized() {
		if err := m.Init(ctx); err != nil {
			r.dropEntry(id, e)
			return err
		}
	}
	if err := r.persist(ctx, id, m); err != nil {
		r.dropEntry(id, e)
		return err
	}

	r.adopt(id, e, m)
	return nil
}

// CreateOrGet returns the live instance for id, materializing it first when
// needed: cache hit, rehydration from the snapshot store, or fresh
// construction via factory (invoked at most once across concurrent callers).
// An empty id gets a generated one.
func (r *Registry) CreateOrGet(ctx context.Context, id string, factory Factory) (*fsm.Machine, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	for {
		r.mu.Lock()
		if qerr, ok := r.quarantined[id]; ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s: %v", ErrQuarantined, id, qerr)
		}
		e, ok := r.live[id]
		if !ok {
			e = &entry{}
			r.live[id] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			// Lost a race with eviction or a failed materialization;
			// the map slot is gone, take a fresh one.
			e.mu.Unlock()
			continue
		}
		if e.m != nil {
			m := e.m
			e.lastUpdated = r.clock()
			e.mu.Unlock()
			return m, nil
		}

		m, err := r.materialize(ctx, id, factory)
		if err != nil {
			r.dropEntry(id, e)
			e.mu.Unlock()
			return nil, err
		}
		r.adopt(id, e, m)
		e.mu.Unlock()
		return m, nil
	}
}

// materialize rehydrates id from storage, or builds and persists a fresh
// machine when storage has never seen it. Caller holds the entry lock.
func (r *Registry) materialize(ctx context.Context, id string, factory Factory) (*fsm.Machine, error) {
	if r.opts.RehydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RehydrateTimeout)
		defer cancel()
	}

	m, err := r.rehydr.Rehydrate(ctx, id, factory)
	switch {
	case err == nil:
		r.mx.Rehydrations.WithLabelValues("ok").Inc()
		return m, nil

	case errors.Is(err, store.ErrNotFound):
		// Absent everywhere: fresh creation.
		fresh, ferr := factory(id)
		if ferr != nil {
			return nil, fmt.Errorf("factory for %s: %w", id, ferr)
		}
		if ierr := fresh.Init(ctx); ierr != nil {
			return nil, ierr
		}
		if perr := r.persist(ctx, id, fresh); perr != nil {
			return nil, perr
		}
		return fresh, nil

	case errors.Is(err, store.ErrCorrupt), errors.Is(err, ErrDefinitionMismatch):
		r.mx.Rehydrations.WithLabelValues("fatal").Inc()
		r.quarantine(id, err)
		return nil, err

	default:
		r.mx.Rehydrations.WithLabelValues("error").Inc()
		return nil, err
	}
}

// SendEvent delivers an event to the machine, rehydrating it first if
// needed. The post-transition snapshot is durable before SendEvent returns;
// a terminal post-state schedules archival and evicts the machine.
func (r *Registry) SendEvent(ctx context.Context, id string, event fsm.Event) (Result, error) {
	if r.opts.Tracer != nil {
		var span trace.Span
		ctx, span = r.opts.Tracer.Start(ctx, "machina.registry/send_event",
			trace.WithAttributes(
				attribute.String("machine.id", id),
				attribute.String("event.name", event.Name),
			))
		defer span.End()
	}

	factory := r.opts.DefaultFactory
	var m *fsm.Machine
	var err error
	if factory != nil {
		m, err = r.CreateOrGet(ctx, id, factory)
	} else {
		m, err = r.getLive(id)
	}
	if err != nil {
		return Result{}, err
	}

	e := r.entryFor(id)
	if e == nil {
		// Evicted between lookup and lock; retry from the top.
		return r.SendEvent(ctx, id, event)
	}

	e.mu.Lock()
	if e.removed || e.m != m {
		e.mu.Unlock()
		return r.SendEvent(ctx, id, event)
	}
	defer e.mu.Unlock()

	from := m.Current()
	cp := m.Checkpoint()

	if err := m.Process(ctx, event); err != nil {
		r.countRejection(err)
		return Result{}, err
	}

	if err := r.persist(ctx, id, m); err != nil {
		m.Restore(cp)
		return Result{}, err
	}

	res := Result{
		MachineID: id,
		From:      from,
		To:        m.Current(),
		Trigger:   event.Discriminator(m.Definition().Strategy),
		Complete:  m.Complete(),
	}
	e.lastUpdated = r.clock()
	r.commit(id, e, m, res)
	return res, nil
}

// Tick is the timer-wheel callback for one machine: it advances the
// machine's timer and, when a timeout transition fires, persists and
// archives exactly like an external event. Storage errors on this path are
// logged and counted, never surfaced (there is no caller to surface to).
func (r *Registry) Tick(ctx context.Context, id string) {
	e := r.entryFor(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.m == nil {
		return
	}
	m := e.m
	from := m.Current()

	changed, err := m.Update(ctx)
	if err != nil {
		r.logger.Errorf("tick for machine %s: %v", id, err)
		return
	}
	if !changed {
		return
	}

	if err := r.persist(ctx, id, m); err != nil {
		// Keep the in-memory state; the snapshot catches up on the next
		// committed transition.
		r.logger.Errorf("persist after timeout for machine %s: %v", id, err)
		return
	}

	res := Result{
		MachineID: id,
		From:      from,
		To:        m.Current(),
		Trigger:   fsm.TimeoutEvent,
		Complete:  m.Complete(),
	}
	e.lastUpdated = r.clock()
	r.commit(id, e, m, res)
}

// RemoveMachine evicts the machine from memory, marking its snapshot
// offline. The persisted snapshot is retained.
func (r *Registry) RemoveMachine(ctx context.Context, id string) error {
	e := r.entryFor(id)
	if e != nil {
		e.mu.Lock()
		if e.m != nil && !e.removed {
			r.evictLocked(id, e, "remove")
		}
		e.mu.Unlock()
	}
	if err := r.snapshots.MarkOffline(ctx, id, true); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// ClearQuarantine lifts the quarantine for an id.
func (r *Registry) ClearQuarantine(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.quarantined, id)
}

// StartSweeper runs the idle-TTL eviction loop. No-op when IdleTTL is zero.
func (r *Registry) StartSweeper(ctx context.Context) {
	ttl := r.opts.IdleTTL
	if ttl <= 0 {
		return
	}
	interval := r.opts.SweepInterval
	if interval <= 0 {
		interval = ttl / 2
		if interval <= 0 {
			interval = time.Second
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})

	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepIdle(ctx, ttl)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopSweeper halts the idle sweeper.
func (r *Registry) StopSweeper() {
	if r.sweepCancel != nil {
		r.sweepCancel()
		<-r.sweepDone
		r.sweepCancel = nil
	}
}

// sweepIdle evicts machines idle longer than ttl. Their latest state is
// already durable, so eviction is a memory operation plus the offline mark.
func (r *Registry) sweepIdle(ctx context.Context, ttl time.Duration) {
	now := r.clock()

	r.mu.Lock()
	candidates := make(map[string]*entry, len(r.live))
	for id, e := range r.live {
		candidates[id] = e
	}
	r.mu.Unlock()

	for id, e := range candidates {
		e.mu.Lock()
		idle := e.m != nil && !e.removed && now.Sub(e.lastUpdated) > ttl
		if idle {
			r.evictLocked(id, e, "idle")
		}
		e.mu.Unlock()
		if idle {
			if err := r.snapshots.MarkOffline(ctx, id, true); err != nil {
				r.logger.Warnf("mark offline for idle machine %s: %v", id, err)
			}
			r.logger.Debugf("evicted idle machine %s", id)
		}
	}
}

// persist writes the machine's current snapshot write-through.
func (r *Registry) persist(ctx context.Context, id string, m *fsm.Machine) error {
	row := store.Row{
		MachineID:   id,
		State:       m.Current(),
		ContextData: m.Context(),
		Timestamp:   r.clock().UTC(),
		Offline:     m.Complete(), // terminal machines leave memory immediately
	}

	start := time.Now()
	err := r.snapshots.Upsert(ctx, row)
	r.mx.SnapshotWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.mx.SnapshotWriteFailures.Inc()
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// commit records a persisted transition: metrics, listeners, and terminal
// archival + eviction. Caller holds the entry lock.
func (r *Registry) commit(id string, e *entry, m *fsm.Machine, res Result) {
	r.mx.TransitionsTotal.WithLabelValues(m.Definition().ID, res.Trigger).Inc()

	r.mu.Lock()
	listeners := make([]TransitionListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, l := range listeners {
		l(res)
	}

	if !m.Complete() {
		return
	}

	r.logger.Infof("machine %s reached final state %s", id, m.Current())
	if r.opts.Archiver != nil {
		if err := r.opts.Archiver.ArchiveMachine(id, m.Context()); err != nil {
			// The row stays in the active store; the startup scan or a
			// later ArchiveMachine picks it up.
			r.logger.Errorf("schedule archival for machine %s: %v", id, err)
		}
	}
	r.evictLocked(id, e, "terminal")
}

// evictLocked removes the entry from the live set. Caller holds e.mu.
func (r *Registry) evictLocked(id string, e *entry, cause string) {
	e.removed = true
	e.m = nil
	r.mu.Lock()
	if cur, ok := r.live[id]; ok && cur == e {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if r.opts.Wheel != nil {
		r.opts.Wheel.Deregister(id)
	}
	r.mx.LiveMachines.Dec()
	r.mx.Evictions.WithLabelValues(cause).Inc()
}

// adopt publishes a materialized machine into its entry. Caller holds e.mu.
func (r *Registry) adopt(id string, e *entry, m *fsm.Machine) {
	e.m = m
	e.lastUpdated = r.clock()
	r.mx.LiveMachines.Inc()
	if r.opts.Wheel != nil {
		r.opts.Wheel.Register(id, func(ctx context.Context, _ uint64) {
			r.Tick(ctx, id)
		})
	}
}

// dropEntry releases a reservation after a failed materialization. Caller
// holds e.mu.
func (r *Registry) dropEntry(id string, e *entry) {
	e.removed = true
	r.mu.Lock()
	if cur, ok := r.live[id]; ok && cur == e {
		delete(r.live, id)
	}
	r.mu.Unlock()
}

func (r *Registry) entryFor(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

func (r *Registry) getLive(id string) (*fsm.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.live[id]; ok && e.m != nil {
		return e.m, nil
	}
	return nil, fmt.Errorf("%w: machine %s not in memory", ErrNoFactory, id)
}

func (r *Registry) quarantine(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantined[id] = err
}

func (r *Registry) countRejection(err error) {
	switch {
	case errors.Is(err, fsm.ErrNoTransition):
		r.mx.EventsRejected.WithLabelValues("no_transition").Inc()
	case errors.Is(err, fsm.ErrNotInitialized):
		r.mx.EventsRejected.WithLabelValues("not_initialized").Inc()
	default:
		r.mx.EventsRejected.WithLabelValues("action_error").Inc()
	}
}
