package vaulterr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	corrupt := fmt.Errorf("load: %w", &CorruptionError{Path: "a.zst", Expected: "x", Actual: "y"})
	assert.ErrorIs(t, corrupt, ErrCorruption)
	assert.NotErrorIs(t, corrupt, ErrCapacity)

	var ce *CorruptionError
	assert.True(t, errors.As(corrupt, &ce))
	assert.Equal(t, "a.zst", ce.Path)

	assert.ErrorIs(t, &CapacityError{Resource: "queue", Limit: 1, Requested: 2}, ErrCapacity)
	assert.ErrorIs(t, &ConflictError{TxID: "a", Winner: "b"}, ErrConflict)
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient(nil))

	err := Transient(io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(&CorruptionError{}))
	assert.False(t, IsRetryable(NotFound("record", "r1")))
	assert.False(t, IsRetryable(fmt.Errorf("bad: %w", ErrInvalid)))
	assert.True(t, IsRetryable(Transient(errors.New("disk busy"))))
	assert.True(t, IsRetryable(errors.New("unknown")))
}
