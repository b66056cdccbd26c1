// Package fsm implements the finite-state-machine engine of the runtime.
//
// A Definition is an immutable description of states, transitions and hooks,
// shared by every instance of the same machine type. A Machine is one live
// instance: current state, opaque context bytes, and a tick-based timer.
//
// The engine contains no wall clock. Time is supplied as discrete ticks via
// Machine.Update, so tests (and the timer wheel) drive timeouts explicitly.
//
// Example:
//
//	def, err := fsm.NewBuilder("call").
//	    Initial("IDLE").
//	    State("IDLE").
//	        On("incoming_call", "RINGING").Done().
//	        Done().
//	    State("RINGING").
//	        On("answer", "CONNECTED").Done().
//	        TimeoutAfter(30, "MISSED").
//	        Done().
//	    State("CONNECTED").
//	        On("hangup", "DONE").Done().
//	        Done().
//	    State("MISSED").Final(true).Done().
//	    State("DONE").Final(true).Done().
//	    Build()
package fsm

import "context"

// MatchStrategy selects the event discriminator used when matching
// transitions. A definition uses exactly one strategy; mixing is impossible
// because the strategy decides which Event field is compared.
type MatchStrategy int

const (
	// MatchByName matches transitions against Event.Name (by-value).
	MatchByName MatchStrategy = iota
	// MatchByKind matches transitions against Event.Kind (by-class).
	MatchByKind
)

// Reserved event names delivered to hooks for engine-driven entries.
const (
	InitEvent     = "__init__"
	SetStateEvent = "__set_state__"
	TimeoutEvent  = "__timeout__"
)

// Event is a tagged variant delivered to a machine. Name identifies the
// concrete event, Kind its class or tag; which one drives transition matching
// is the definition's MatchStrategy. Data is an opaque payload the engine
// never interprets.
type Event struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// Discriminator returns the field selected by the given strategy.
func (e Event) Discriminator(s MatchStrategy) string {
	if s == MatchByKind {
		return e.Kind
	}
	return e.Name
}

// Hook is called on state entry or exit.
type Hook func(ctx context.Context, m *Machine, event Event) error

// Guard decides whether a transition may fire. Guards are evaluated in
// declaration order; the first satisfied guard wins.
type Guard func(ctx context.Context, m *Machine, event Event) (bool, error)

// Action runs during a transition, after the source state's exit hook and
// before the state change is applied.
type Action func(ctx context.Context, m *Machine, from, to string, event Event) error

// TickHook runs once per tick while the machine sits in the owning state.
type TickHook func(ctx context.Context, m *Machine, tick uint64) error

// State describes one state of a definition. Per-state payload beyond the
// standard hooks goes into Extension (composition instead of subclassing).
type State struct {
	Name  string
	Final bool

	Entry  Hook
	Exit   Hook
	OnTick TickHook

	// TimeoutAfter arms a timeout TimeoutAfter ticks after entry; zero
	// disables it. When it fires the machine moves to TimeoutTo (or stays,
	// running only TimeoutAction, when TimeoutTo is empty).
	TimeoutAfter  uint64
	TimeoutTo     string
	TimeoutAction Action

	Extension interface{}
}

// Transition describes one edge of the transition graph. Key is the event
// discriminator (name or kind per the definition's strategy). A Stay
// transition keeps the machine in From without running exit or entry hooks;
// its action still runs.
type Transition struct {
	Key    string
	From   string
	To     string
	Stay   bool
	Guard  Guard
	Action Action
}

// Definition is the immutable description shared by all instances of a
// machine type. Build one with a Builder; do not mutate it afterwards.
type Definition struct {
	ID           string
	InitialState string
	Strategy     MatchStrategy

	states      map[string]*State
	transitions map[string][]*Transition // from-state, declaration order
}

// State returns the named state, or nil.
func (d *Definition) State(name string) *State {
	return d.states[name]
}

// HasState reports whether the definition knows the named state.
func (d *Definition) HasState(name string) bool {
	_, ok := d.states[name]
	return ok
}

// TransitionsFrom returns the declared transitions leaving the given state.
func (d *Definition) TransitionsFrom(state string) []*Transition {
	return d.transitions[state]
}

// FinalStates returns the names of all final states.
func (d *Definition) FinalStates() []string {
	out := make([]string, 0)
	for name, s := range d.states {
		if s.Final {
			out = append(out, name)
		}
	}
	return out
}

// IsFinal reports whether the named state terminates the lifecycle.
func (d *Definition) IsFinal(name string) bool {
	s, ok := d.states[name]
	return ok && s.Final
}
