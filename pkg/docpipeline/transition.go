package docpipeline

import "context"

// ProcessFunc is the body of a transition: given the document that
// arrived in FromState, it returns the children produced by processing
// it (zero or more, already assigned to ToState by the caller of
// ProcessFunc unless they set a different State themselves) or an
// error. A returned error never propagates to Next/Finish callers —
// it is captured and materialized as an error document instead.
type ProcessFunc func(ctx context.Context, doc Document) ([]Document, error)

// Transition is a single edge in a DocumentType's graph: documents
// sitting in FromState are advanced by invoking Process, and the
// result is persisted in ToState (unless Process assigns its own
// State to a returned document).
type Transition struct {
	FromState string
	ToState   string
	Process   ProcessFunc

	offload bool
}

// NewTransition builds a Transition from FromState to ToState, run by
// fn whenever a document in FromState is advanced.
func NewTransition(from, to string, fn ProcessFunc) Transition {
	return Transition{FromState: from, ToState: to, Process: fn}
}

// WithWorkerOffload marks the transition's processing function as
// CPU-bound, so the Concurrency Gate routes its invocation through a
// bounded worker pool instead of running it on the calling goroutine.
// Admission is still governed by the gate's semaphore either way.
func (t Transition) WithWorkerOffload() Transition {
	t.offload = true
	return t
}
