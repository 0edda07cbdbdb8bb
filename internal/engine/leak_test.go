package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies every test closes its engine, which stops the queue
// worker and the maintenance loops. goleveldb drains its memory pool for up
// to a second after Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		goleak.IgnoreTopFunction("github.com/syndtr/goleveldb/leveldb.(*DB).mpoolDrain"),
	)
}
