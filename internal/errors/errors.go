// Package errors defines the error taxonomy shared by the API server,
// the scheduler and the CLI: not-found (unknown device key),
// invalid-request (bad input) and transient-storage (write failures
// during store operations).
package errors

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a device key that has no record in the store.
type NotFoundError struct {
	Key string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("device '%s' not found", e.Key)
}

// InvalidRequestError indicates malformed or disallowed caller input.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e InvalidRequestError) Error() string {
	msg := "invalid request"
	if e.Field != "" {
		msg += fmt.Sprintf(" (field '%s')", e.Field)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// StorageError wraps a failure talking to the device store. Batch
// callers treat these as transient: the next periodic invocation
// re-evaluates the same filters and is self-correcting.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidRequest reports whether err is (or wraps) an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var ir InvalidRequestError
	return errors.As(err, &ir)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se StorageError
	return errors.As(err, &se)
}
