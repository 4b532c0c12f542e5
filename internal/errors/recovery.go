// Package errors converts panics raised by user code (alarm handlers, actor callbacks) into
// ordinary errors that carry the stack trace.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Stack of the panicking goroutine
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Safely runs fn and returns its error, or a *PanicError if fn panicked
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value:      r,
				Stacktrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}

// AsPanic returns the *PanicError wrapped by err, if any
func AsPanic(err error) (*PanicError, bool) {
	var pe *PanicError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
