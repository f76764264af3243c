package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations against a disposed cache,
	// coordinator or manager.
	ErrClosed = errors.New("stream data engine is closed")
	// ErrStreamNotFound is returned when a named stream does not exist in
	// the store.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrCancelled distinguishes cooperative cancellation of a background
	// pass from a genuine failure.
	ErrCancelled = errors.New("read pass cancelled")
)

// ContractViolationError reports a programming error at the cache API
// boundary: a duplicate add, a replace or delete of a nonexistent entry,
// or an update staged against an adapted or summarized binding. These
// indicate the caller's overlay and the store have diverged and must not
// be silently ignored.
type ContractViolationError struct {
	Op      string // e.g. "add", "replace", "delete", "update"
	Stream  string
	Message string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation in %s on stream %q: %s", e.Op, e.Stream, e.Message)
}

// IsContractViolation checks if an error (or any error in its chain) is a
// ContractViolationError.
func IsContractViolation(err error) bool {
	var cv *ContractViolationError
	return errors.As(err, &cv)
}

// StreamReadError reports that a message in the named stream failed to
// deserialize. The stream is marked unreadable for subsequent queries;
// other streams in the same pass are unaffected.
type StreamReadError struct {
	Stream string
	Cause  error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("read error on stream %q: %v", e.Stream, e.Cause)
}

func (e *StreamReadError) Unwrap() error {
	return e.Cause
}

// IsStreamReadError checks if an error is a StreamReadError.
func IsStreamReadError(err error) bool {
	var re *StreamReadError
	return errors.As(err, &re)
}
