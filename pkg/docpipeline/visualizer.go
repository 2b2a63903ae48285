package docpipeline

import (
	"fmt"
	"strings"
)

// DOT renders the document type's state graph as Graphviz DOT text:
// final states are drawn as double circles, every other state as a
// plain circle, and each transition as an unlabeled edge from its
// FromState to its ToState.
func (dt *DocumentType) DOT() string {
	var b strings.Builder
	name := dt.Name
	if name == "" {
		name = "DocumentType"
	}
	fmt.Fprintf(&b, "digraph %q {\n", name)
	b.WriteString("  rankdir=LR;\n")

	final := dt.FinalStateNames()
	for _, s := range dt.States {
		shape := "circle"
		if _, ok := final[s.Name]; ok {
			shape = "doublecircle"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", s.Name, shape)
	}

	for _, t := range dt.Transitions {
		fmt.Fprintf(&b, "  %q -> %q;\n", t.FromState, t.ToState)
	}

	b.WriteString("}\n")
	return b.String()
}
