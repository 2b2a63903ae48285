package docpipeline

import (
	"context"
	"time"
)

// Event describes a document lifecycle occurrence a Notifier is told
// about. Notification is always best-effort: a Notify call is never
// allowed to affect the outcome of the Next/Finish call that produced
// the event.
type Event struct {
	Kind      string
	Document  Document
	Timestamp time.Time
}

// Lifecycle event kinds published by DocStore.
const (
	EventDocumentCreated = "document.created"
	EventTransitionFailed = "transition.failed"
	EventFinishCompleted  = "finish.completed"
)

// Notifier is the ambient, best-effort sink DocStore publishes
// lifecycle Events to. It is never a dependency of Next/Finish
// correctness: a Notify call that panics is recovered and logged by
// DocStore, never propagated, and Notify has no error to return.
// DocStore calls Notify synchronously, so a Notify that blocks delays
// the Next/Finish call that published the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NoOpNotifier discards every event. It is the default Notifier.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(ctx context.Context, ev Event) {}

// NoOp returns the shared no-op Notifier.
func NoOp() Notifier { return NoOpNotifier{} }

// ChannelNotifier publishes events to an in-process buffered channel
// for an embedding caller's own observers. A full channel drops the
// event rather than blocking the orchestrator.
type ChannelNotifier struct {
	ch chan Event
}

// NewChannelNotifier creates a ChannelNotifier with the given buffer
// size. Events are available for consumption on Events().
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelNotifier{ch: make(chan Event, buffer)}
}

// Events returns the channel events are published to.
func (n *ChannelNotifier) Events() <-chan Event {
	return n.ch
}

func (n *ChannelNotifier) Notify(ctx context.Context, ev Event) {
	select {
	case n.ch <- ev:
	default:
		// buffer full: dropped, matching the best-effort contract.
	}
}

// Close releases the underlying channel. Callers must stop calling
// Notify before Close; DocStore.Dispose does not call it automatically
// since the channel may outlive the store for draining purposes.
func (n *ChannelNotifier) Close() {
	close(n.ch)
}
