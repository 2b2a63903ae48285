package docpipeline

// Builder assembles a DocumentType with a fluent API, mirroring the
// state-machine-definition builders this package's graph model is
// descended from: chain State/Transition calls and finish with Build.
type Builder struct {
	name        string
	description string
	states      []State
	stateSet    map[string]struct{}
	transitions []Transition
	err         error
}

// NewBuilder starts a DocumentType builder named name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		stateSet: make(map[string]struct{}),
	}
}

// Description sets the cosmetic description shown by logging and the
// DOT visualizer.
func (b *Builder) Description(d string) *Builder {
	b.description = d
	return b
}

// State declares a state. Declaring the same name twice is a no-op.
// Transition and OffloadedTransition declare their FromState and
// ToState themselves, so State is only needed for states that no
// transition references.
func (b *Builder) State(name string) *Builder {
	if _, ok := b.stateSet[name]; ok {
		return b
	}
	b.stateSet[name] = struct{}{}
	b.states = append(b.states, State{Name: name})
	return b
}

// Transition adds an edge from -> to, run by fn. Both states are
// auto-declared if not already present.
func (b *Builder) Transition(from, to string, fn ProcessFunc) *Builder {
	b.State(from).State(to)
	b.transitions = append(b.transitions, NewTransition(from, to, fn))
	return b
}

// OffloadedTransition is Transition, but marks the transition for
// worker-pool offload (see Transition.WithWorkerOffload).
func (b *Builder) OffloadedTransition(from, to string, fn ProcessFunc) *Builder {
	b.State(from).State(to)
	b.transitions = append(b.transitions, NewTransition(from, to, fn).WithWorkerOffload())
	return b
}

// Build validates the accumulated states and transitions and returns
// the DocumentType, or the first error encountered.
func (b *Builder) Build() (*DocumentType, error) {
	if b.err != nil {
		return nil, b.err
	}
	dt, err := NewDocumentType(b.name, b.states, b.transitions)
	if err != nil {
		return nil, err
	}
	dt.Description = b.description
	return dt, nil
}
