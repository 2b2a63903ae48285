package notify_test

import (
	"testing"

	"github.com/docpipeline/engine/pkg/docpipeline/notify"
)

// NewNATS dials eagerly, so without a live broker the only thing worth
// asserting here is that a bad address fails fast rather than hanging.
func TestNewNATS_FailsFastWithoutBroker(t *testing.T) {
	if _, err := notify.NewNATS("nats://127.0.0.1:4", ""); err == nil {
		t.Fatal("expected an error connecting to an unreachable broker")
	}
}
