package fsm

import (
	"context"
	"fmt"
)

// Machine is one live instance of a Definition.
//
// A Machine is not safe for concurrent use; all mutations of a single
// instance must be serialized by the caller. The registry does this with a
// per-machine lock, which keeps the engine itself deterministic and free of
// locking concerns.
type Machine struct {
	id  string
	def *Definition

	current     string
	contextData []byte

	// clock counts ticks observed via Update; entryEpoch is the clock value
	// at which the current state was entered.
	clock        uint64
	entryEpoch   uint64
	timeoutFired bool

	initialized bool
}

// NewMachine creates an uninitialized instance of def. Call Init before
// delivering events, or SetState when rehydrating from a snapshot.
func NewMachine(def *Definition, id string) *Machine {
	return &Machine{
		id:      id,
		def:     def,
		current: def.InitialState,
	}
}

// ID returns the machine id.
func (m *Machine) ID() string { return m.id }

// Definition returns the shared immutable definition.
func (m *Machine) Definition() *Definition { return m.def }

// Current returns the current state name.
func (m *Machine) Current() string { return m.current }

// Context returns the machine's opaque context bytes.
func (m *Machine) Context() []byte { return m.contextData }

// SetContext replaces the machine's opaque context bytes. Hooks and actions
// own this data; the engine never interprets it.
func (m *Machine) SetContext(data []byte) { m.contextData = data }

// Duration returns the ticks elapsed since entering the current state.
func (m *Machine) Duration() uint64 { return m.clock - m.entryEpoch }

// Complete reports whether the machine has reached a final state.
func (m *Machine) Complete() bool { return m.def.IsFinal(m.current) }

// Terminated is an alias for Complete.
func (m *Machine) Terminated() bool { return m.Complete() }

// Initialized reports whether Init or SetState has run.
func (m *Machine) Initialized() bool { return m.initialized }

// Init enters the initial state and runs its entry hook. Calling Init on an
// already-initialized machine is a no-op.
func (m *Machine) Init(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	m.initialized = true
	m.current = m.def.InitialState
	m.entryEpoch = m.clock
	m.timeoutFired = false

	if s := m.def.State(m.current); s != nil && s.Entry != nil {
		if err := s.Entry(ctx, m, Event{Name: InitEvent}); err != nil {
			return fmt.Errorf("entry hook for initial state %q: %w", m.current, err)
		}
	}
	return nil
}

// SetState force-enters the named state, resetting its timer and running its
// entry hook. It is intended for recovery and rehydration only; entry hooks
// of recoverable states must therefore be idempotent.
func (m *Machine) SetState(ctx context.Context, state string) error {
	s := m.def.State(state)
	if s == nil {
		return fmt.Errorf("%w: %q in definition %q", ErrUnknownState, state, m.def.ID)
	}
	m.initialized = true
	m.current = state
	m.entryEpoch = m.clock
	m.timeoutFired = false

	if s.Entry != nil {
		if err := s.Entry(ctx, m, Event{Name: SetStateEvent}); err != nil {
			return fmt.Errorf("entry hook for state %q: %w", state, err)
		}
	}
	return nil
}

// Process selects the first matching transition from the current state and
// fires it. Candidates are matched on the definition's discriminator; guards
// run in declaration order and the first satisfied guard wins.
//
// On any hook, guard or action error the state change is aborted: the
// machine's state, timer and context are as they were before the call.
func (m *Machine) Process(ctx context.Context, event Event) error {
	if !m.initialized {
		return fmt.Errorf("%w: machine %q", ErrNotInitialized, m.id)
	}

	key := event.Discriminator(m.def.Strategy)
	for _, t := range m.def.TransitionsFrom(m.current) {
		if t.Key != key {
			continue
		}
		if t.Guard != nil {
			ok, err := t.Guard(ctx, m, event)
			if err != nil {
				return fmt.Errorf("guard for %s -> %s: %w", t.From, t.To, err)
			}
			if !ok {
				continue
			}
		}
		return m.fire(ctx, t, event)
	}

	return fmt.Errorf("%w: event %q in state %q", ErrNoTransition, key, m.current)
}

// Update advances the machine's timer by one tick. It runs the current
// state's tick hook, then fires the state's timeout transition when the
// entry-age reaches TimeoutAfter (exactly once per state entry). The returned
// bool reports whether the timeout fired, i.e. whether the caller must
// persist a new snapshot.
func (m *Machine) Update(ctx context.Context) (bool, error) {
	if !m.initialized {
		return false, fmt.Errorf("%w: machine %q", ErrNotInitialized, m.id)
	}

	m.clock++

	s := m.def.State(m.current)
	if s == nil {
		return false, nil
	}

	if s.OnTick != nil {
		if err := s.OnTick(ctx, m, m.clock); err != nil {
			return false, fmt.Errorf("tick hook for state %q: %w", m.current, err)
		}
	}

	if s.TimeoutAfter == 0 || m.timeoutFired || m.Duration() < s.TimeoutAfter {
		return false, nil
	}

	// Fires at most once per entry, even if the transition errors.
	m.timeoutFired = true

	t := &Transition{
		Key:    TimeoutEvent,
		From:   m.current,
		To:     s.TimeoutTo,
		Stay:   s.TimeoutTo == "",
		Action: s.TimeoutAction,
	}
	if t.Stay {
		t.To = m.current
	}
	if err := m.fire(ctx, t, Event{Name: TimeoutEvent}); err != nil {
		return false, fmt.Errorf("timeout in state %q: %w", t.From, err)
	}
	return true, nil
}

// Checkpoint captures the mutable fields of the machine. The registry takes
// one before delivering an event so a failed snapshot write can roll the
// in-memory transition back.
type Checkpoint struct {
	current      string
	contextData  []byte
	clock        uint64
	entryEpoch   uint64
	timeoutFired bool
	initialized  bool
}

// Checkpoint returns a restore point for the machine's current state.
func (m *Machine) Checkpoint() Checkpoint {
	return Checkpoint{
		current:      m.current,
		contextData:  m.contextData,
		clock:        m.clock,
		entryEpoch:   m.entryEpoch,
		timeoutFired: m.timeoutFired,
		initialized:  m.initialized,
	}
}

// Restore resets the machine to a previously captured checkpoint.
func (m *Machine) Restore(cp Checkpoint) {
	m.current = cp.current
	m.contextData = cp.contextData
	m.clock = cp.clock
	m.entryEpoch = cp.entryEpoch
	m.timeoutFired = cp.timeoutFired
	m.initialized = cp.initialized
}

// fire applies one transition. A stay transition runs only the action; a
// non-stay transition (including a self transition) runs exit, action, state
// change, then entry. Errors roll the state fields back.
func (m *Machine) fire(ctx context.Context, t *Transition, event Event) error {
	from := m.current

	if t.Stay {
		if t.Action != nil {
			if err := t.Action(ctx, m, from, from, event); err != nil {
				return fmt.Errorf("action on %s (stay): %w", from, err)
			}
		}
		return nil
	}

	prevEpoch := m.entryEpoch
	prevFired := m.timeoutFired
	prevContext := m.contextData

	rollback := func() {
		m.current = from
		m.entryEpoch = prevEpoch
		m.timeoutFired = prevFired
		m.contextData = prevContext
	}

	if s := m.def.State(from); s != nil && s.Exit != nil {
		if err := s.Exit(ctx, m, event); err != nil {
			rollback()
			return fmt.Errorf("exit hook for state %q: %w", from, err)
		}
	}

	if t.Action != nil {
		if err := t.Action(ctx, m, from, t.To, event); err != nil {
			rollback()
			return fmt.Errorf("action on %s -> %s: %w", from, t.To, err)
		}
	}

	m.current = t.To
	m.entryEpoch = m.clock
	m.timeoutFired = false

	if s := m.def.State(t.To); s != nil && s.Entry != nil {
		if err := s.Entry(ctx, m, event); err != nil {
			rollback()
			return fmt.Errorf("entry hook for state %q: %w", t.To, err)
		}
	}

	return nil
}
