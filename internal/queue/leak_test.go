package queue

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies every test stops its queue worker.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
