package docpipeline

import "fmt"

// DocumentType is the state graph a DocStore drives documents through:
// a set of named States and the Transitions connecting them. A state
// with no outgoing transition is a final state.
type DocumentType struct {
	Name        string
	Description string
	States      []State
	Transitions []Transition

	cache transitionCache
}

// NewDocumentType validates and builds a DocumentType. Every
// transition's FromState and ToState must name a declared State, and
// states must not repeat.
func NewDocumentType(name string, states []State, transitions []Transition) (*DocumentType, error) {
	if name == "" {
		return nil, newError(ErrCodeConfiguration, "document type name is required", nil)
	}
	if len(states) == 0 {
		return nil, newError(ErrCodeConfiguration, "document type must declare at least one state", nil)
	}
	if err := validateStatesAndTransitions(states, transitions); err != nil {
		return nil, err
	}
	return &DocumentType{
		Name:        name,
		States:      append([]State(nil), states...),
		Transitions: append([]Transition(nil), transitions...),
	}, nil
}

func validateStatesAndTransitions(states []State, transitions []Transition) error {
	seen := make(map[string]struct{}, len(states))
	for _, s := range states {
		if s.Name == "" {
			return newError(ErrCodeConfiguration, "state name cannot be empty", nil)
		}
		if _, dup := seen[s.Name]; dup {
			return newError(ErrCodeConfiguration, fmt.Sprintf("duplicate state %q", s.Name), nil)
		}
		seen[s.Name] = struct{}{}
	}
	for _, t := range transitions {
		if _, ok := seen[t.FromState]; !ok {
			return newError(ErrCodeConfiguration, fmt.Sprintf("transition references undeclared state %q", t.FromState), nil)
		}
		if _, ok := seen[t.ToState]; !ok {
			return newError(ErrCodeConfiguration, fmt.Sprintf("transition references undeclared state %q", t.ToState), nil)
		}
		if t.Process == nil {
			return newError(ErrCodeConfiguration, fmt.Sprintf("transition %s->%s has no process function", t.FromState, t.ToState), nil)
		}
	}
	return nil
}

// HasState reports whether name is a declared state.
func (dt *DocumentType) HasState(name string) bool {
	for _, s := range dt.States {
		if s.Name == name {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the (possibly empty, possibly multiple)
// transitions whose FromState matches name. All of them fire when a
// document in that state is advanced.
func (dt *DocumentType) TransitionsFrom(name string) []Transition {
	dt.cache.ensureBuilt(dt.States, dt.Transitions)
	return dt.cache.transitionsFrom(name)
}

// TransitionsForState is TransitionsFrom taking a State value.
func (dt *DocumentType) TransitionsForState(s State) []Transition {
	return dt.TransitionsFrom(s.Name)
}

// FinalStateNames returns the set of state names with no outgoing
// transition.
func (dt *DocumentType) FinalStateNames() map[string]struct{} {
	dt.cache.ensureBuilt(dt.States, dt.Transitions)
	return dt.cache.finalStateNames()
}

// IsFinal reports whether name has no outgoing transition.
func (dt *DocumentType) IsFinal(name string) bool {
	_, ok := dt.FinalStateNames()[name]
	return ok
}

// SetTransitions replaces the transition list, revalidating it against
// the existing states and invalidating the transition cache.
func (dt *DocumentType) SetTransitions(transitions []Transition) error {
	if err := validateStatesAndTransitions(dt.States, transitions); err != nil {
		return err
	}
	dt.Transitions = append([]Transition(nil), transitions...)
	dt.cache.invalidate()
	return nil
}
