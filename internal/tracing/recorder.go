// Package tracing keeps a rolling runtime trace of a long-running engine
// process so a slow flush or a stalled checkpoint can be inspected after
// the fact with `go tool trace`.
package tracing

import (
	"errors"
	"io"
	"runtime/trace"
	"sync"
	"time"

	"github.com/recordvault/recordvault/pkg/bytesize"
)

// DefaultWindow is how much trace history is kept when no size is given.
const DefaultWindow = bytesize.Size(10 * bytesize.MB)

// ErrStopped is returned by WriteTo once the recorder has been stopped.
var ErrStopped = errors.New("trace recorder stopped")

// Recorder wraps a runtime flight recorder. Only one can run per process.
type Recorder struct {
	mu  sync.Mutex
	fr  *trace.FlightRecorder
	out int64
}

// Start begins recording into a ring buffer of roughly window bytes that
// keeps at least minAge of history.
func Start(window bytesize.Size, minAge time.Duration) (*Recorder, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(window.Bytes()),
	})
	if err := fr.Start(); err != nil {
		return nil, err
	}
	return &Recorder{fr: fr}, nil
}

// WriteTo dumps the buffered trace.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return 0, ErrStopped
	}
	n, err := r.fr.WriteTo(w)
	r.out += n
	return n, err
}

// Written reports the total bytes handed out by WriteTo.
func (r *Recorder) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out
}

// Stop is safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
