package docpipeline

import "sync"

// transitionCache memoizes the two views of a DocumentType's transition
// list that every hop needs: transitions grouped by origin state, and
// the set of state names with no outgoing transition (the final
// states). It is built lazily on first access and invalidated whenever
// the owning DocumentType's transitions are replaced.
type transitionCache struct {
	mu      sync.RWMutex
	built   bool
	byState map[string][]Transition
	final   map[string]struct{}
}

func (c *transitionCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.built = false
	c.byState = nil
	c.final = nil
}

func (c *transitionCache) ensureBuilt(states []State, transitions []Transition) {
	c.mu.RLock()
	built := c.built
	c.mu.RUnlock()
	if built {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built {
		return
	}

	byState := make(map[string][]Transition, len(transitions))
	hasOutgoing := make(map[string]struct{}, len(transitions))
	for _, t := range transitions {
		byState[t.FromState] = append(byState[t.FromState], t)
		hasOutgoing[t.FromState] = struct{}{}
	}

	final := make(map[string]struct{}, len(states))
	for _, s := range states {
		if _, ok := hasOutgoing[s.Name]; !ok {
			final[s.Name] = struct{}{}
		}
	}

	c.byState = byState
	c.final = final
	c.built = true
}

func (c *transitionCache) transitionsFrom(name string) []Transition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts := c.byState[name]
	return append([]Transition(nil), ts...)
}

func (c *transitionCache) finalStateNames() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.final))
	for k := range c.final {
		out[k] = struct{}{}
	}
	return out
}
