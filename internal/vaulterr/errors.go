// Package vaulterr defines the error taxonomy shared by every storage component.
package vaulterr

import (
	"errors"
	"fmt"
)

// Storage error types.
var (
	ErrNotFound    = errors.New("not found")
	ErrCorruption  = errors.New("data corruption")
	ErrCapacity    = errors.New("capacity exceeded")
	ErrConflict    = errors.New("write conflict")
	ErrTransientIO = errors.New("transient I/O error")
	ErrNeedsRepair = errors.New("record needs repair")
	ErrClosed      = errors.New("storage engine closed")
	ErrTxnState    = errors.New("invalid transaction state")
	ErrInvalid     = errors.New("invalid request")
)

// CorruptionError reports a checksum mismatch on load.
type CorruptionError struct {
	Path     string
	Key      string
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("checksum mismatch for %s in %s: expected %s, got %s", e.Key, e.Path, e.Expected, e.Actual)
	}
	return fmt.Sprintf("checksum mismatch in %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruption }

// CapacityError reports a configured limit that would be exceeded.
type CapacityError struct {
	Resource  string
	Limit     int64
	Requested int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s capacity exceeded: limit %d, requested %d", e.Resource, e.Limit, e.Requested)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// ConflictError is surfaced on a transaction whose writes were overwritten by
// a later commit touching the same keys.
type ConflictError struct {
	TxID   string
	Keys   []string
	Winner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction %s lost keys %v to transaction %s", e.TxID, e.Keys, e.Winner)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type transientError struct {
	err error
}

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransientIO }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// NotFound wraps ErrNotFound with the missing key.
func NotFound(what, key string) error {
	return fmt.Errorf("%s %q: %w", what, key, ErrNotFound)
}

// IsRetryable reports whether a failed operation may succeed if attempted again.
// Corruption, validation and missing data are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrCorruption), errors.Is(err, ErrInvalid), errors.Is(err, ErrNotFound),
		errors.Is(err, ErrClosed), errors.Is(err, ErrNeedsRepair):
		return false
	}
	return true
}
