package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IgnoreCancel maps the end of a worker's context to a clean exit.
func IgnoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// PanicError is a recovered worker panic
type PanicError struct {
	Worker string
	Reason interface{}
	Stack  string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Worker, e.Reason)
}

// RecoverAsError converts a recovered panic value into a *PanicError.
// Call it from a deferred function with the result of recover().
func RecoverAsError(worker string, r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{Worker: worker, Reason: r, Stack: string(debug.Stack())}
}
