package tracing

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderSnapshot(t *testing.T) {
	r, err := Start(0, 0)
	require.NoError(t, err)
	defer r.Stop()

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Equal(t, n, r.Written())
}

func TestRecorderStop(t *testing.T) {
	r, err := Start(DefaultWindow, time.Second)
	require.NoError(t, err)

	r.Stop()
	r.Stop()

	var buf bytes.Buffer
	_, err = r.WriteTo(&buf)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, buf.Len())

	again, err := Start(0, 0)
	require.NoError(t, err, "a stopped recorder must free the process-wide slot")
	again.Stop()
}
