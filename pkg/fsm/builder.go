package fsm

import "fmt"

// Builder provides a fluent API for assembling a Definition.
type Builder struct {
	def *Definition
}

// StateBuilder builds a single state.
type StateBuilder struct {
	parent *Builder
	state  *State
}

// TransitionBuilder builds a single transition.
type TransitionBuilder struct {
	parent     *StateBuilder
	transition *Transition
}

// NewBuilder creates a builder for a definition with the given id.
func NewBuilder(id string) *Builder {
	return &Builder{
		def: &Definition{
			ID:          id,
			states:      make(map[string]*State),
			transitions: make(map[string][]*Transition),
		},
	}
}

// MatchBy sets the event-match strategy. Default: MatchByName.
func (b *Builder) MatchBy(s MatchStrategy) *Builder {
	b.def.Strategy = s
	return b
}

// Initial sets the initial state.
func (b *Builder) Initial(state string) *Builder {
	b.def.InitialState = state
	return b
}

// State adds a state to the definition.
func (b *Builder) State(name string) *StateBuilder {
	sb := &StateBuilder{
		parent: b,
		state:  &State{Name: name},
	}
	b.def.states[name] = sb.state
	return sb
}

// Build validates and returns the immutable definition.
func (b *Builder) Build() (*Definition, error) {
	d := b.def
	if d.ID == "" {
		return nil, fmt.Errorf("fsm: definition id is required")
	}
	if d.InitialState == "" {
		return nil, fmt.Errorf("fsm: initial state is required")
	}
	if len(d.states) == 0 {
		return nil, fmt.Errorf("fsm: at least one state is required")
	}
	if !d.HasState(d.InitialState) {
		return nil, fmt.Errorf("fsm: initial state %q not declared", d.InitialState)
	}

	for from, ts := range d.transitions {
		for _, t := range ts {
			if t.Key == "" {
				return nil, fmt.Errorf("fsm: transition from %q has empty event key", from)
			}
			if !d.HasState(t.To) {
				return nil, fmt.Errorf("fsm: transition %q -> %q targets undeclared state", from, t.To)
			}
		}
	}

	for name, s := range d.states {
		if s.TimeoutAfter > 0 && s.TimeoutTo != "" && !d.HasState(s.TimeoutTo) {
			return nil, fmt.Errorf("fsm: state %q timeout targets undeclared state %q", name, s.TimeoutTo)
		}
		if s.TimeoutAfter > 0 && s.TimeoutTo == "" && s.TimeoutAction == nil {
			return nil, fmt.Errorf("fsm: state %q arms a timeout with neither target nor action", name)
		}
	}

	return d, nil
}

// Final marks this state as terminating the lifecycle.
func (sb *StateBuilder) Final(final bool) *StateBuilder {
	sb.state.Final = final
	return sb
}

// Entry sets the entry hook.
func (sb *StateBuilder) Entry(h Hook) *StateBuilder {
	sb.state.Entry = h
	return sb
}

// Exit sets the exit hook.
func (sb *StateBuilder) Exit(h Hook) *StateBuilder {
	sb.state.Exit = h
	return sb
}

// OnTick sets the per-tick hook.
func (sb *StateBuilder) OnTick(h TickHook) *StateBuilder {
	sb.state.OnTick = h
	return sb
}

// TimeoutAfter arms a timeout: after the given number of ticks in this state
// the machine moves to `to`. An empty target keeps the machine in place and
// only runs the timeout action.
func (sb *StateBuilder) TimeoutAfter(ticks uint64, to string) *StateBuilder {
	sb.state.TimeoutAfter = ticks
	sb.state.TimeoutTo = to
	return sb
}

// TimeoutAction sets the action run when the timeout fires.
func (sb *StateBuilder) TimeoutAction(a Action) *StateBuilder {
	sb.state.TimeoutAction = a
	return sb
}

// Extension attaches an opaque per-state payload.
func (sb *StateBuilder) Extension(ext interface{}) *StateBuilder {
	sb.state.Extension = ext
	return sb
}

// On adds a transition to another state, triggered by the given event key.
func (sb *StateBuilder) On(key, to string) *TransitionBuilder {
	return sb.add(&Transition{Key: key, From: sb.state.Name, To: to})
}

// Stay adds a stay transition: the action runs but the state is not
// re-entered (no exit or entry hooks).
func (sb *StateBuilder) Stay(key string) *TransitionBuilder {
	return sb.add(&Transition{Key: key, From: sb.state.Name, To: sb.state.Name, Stay: true})
}

func (sb *StateBuilder) add(t *Transition) *TransitionBuilder {
	d := sb.parent.def
	d.transitions[sb.state.Name] = append(d.transitions[sb.state.Name], t)
	return &TransitionBuilder{parent: sb, transition: t}
}

// Done finishes this state and returns to the definition builder.
func (sb *StateBuilder) Done() *Builder {
	return sb.parent
}

// Guard sets the transition's guard.
func (tb *TransitionBuilder) Guard(g Guard) *TransitionBuilder {
	tb.transition.Guard = g
	return tb
}

// Action sets the transition's action.
func (tb *TransitionBuilder) Action(a Action) *TransitionBuilder {
	tb.transition.Action = a
	return tb
}

// Done finishes this transition and returns to the state builder.
func (tb *TransitionBuilder) Done() *StateBuilder {
	return tb.parent
}
