package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task ID has no record
var ErrNotFound = errors.New("task not found")

// ValidationError reports a malformed task specification. It is always returned
// synchronously and the task is never persisted.
type ValidationError struct {
	Field  string
	Reason string
	Limit  int
	Actual int
}

func (e *ValidationError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("invalid %s: %s (%d > %d)", e.Field, e.Reason, e.Actual, e.Limit)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a Timer Store read or write that could not complete
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CallbackError wraps a failure raised by an actor callback
type CallbackError struct {
	TaskID   string
	Callback string
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s for task %s failed: %v", e.Callback, e.TaskID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is (or wraps) a StorageError
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Storage wraps err as a StorageError for op; nil stays nil
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
