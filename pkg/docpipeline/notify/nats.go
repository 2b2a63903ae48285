// Package notify provides optional lifecycle-event sinks for
// docpipeline.DocStore beyond the in-process NoOp/Channel notifiers
// defined alongside docpipeline.Notifier itself.
package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/docpipeline/engine/pkg/core"
	"github.com/docpipeline/engine/pkg/docpipeline"
)

// NATS publishes JSON-encoded Events to subjects of the form
// "<prefix>.<kind>", e.g. "docpipeline.document.created".
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// NewNATS connects to url and returns a Notifier publishing under
// prefix (default "docpipeline" if empty).
func NewNATS(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("docpipeline/notify: connect: %w", err)
	}
	if prefix == "" {
		prefix = "docpipeline"
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

func (n *NATS) Notify(ctx context.Context, ev docpipeline.Event) {
	payload, err := core.JSONEncode(ev)
	if err != nil {
		return
	}
	subject := n.prefix + "." + ev.Kind
	_ = n.conn.Publish(subject, payload)
}

// Close closes the underlying connection without draining it first.
func (n *NATS) Close() {
	n.conn.Close()
}
