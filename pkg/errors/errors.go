package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// contextError annotates an error with the phase in which it occurred.
// The original error is recoverable via RootCause.
type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

// WithContext wraps `err` with a short description of the operation that
// failed. Contexts accumulate as the error travels up the stack, so they
// should be terse (e.g. "open", "parse mapping").
func WithContext(err error, context string) error {
	return contextError{context: context, err: err}
}

// RootCause unwraps all the context annotations from `err` and returns the
// error that started it all.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error with a message meant to be shown directly to
// users. Callers print FriendlyMessage rather than the usual error chain.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError with a formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{msg: fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}

// Friendlier is implemented by errors that carry a user-facing message.
type Friendlier interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the best message to show a user for `err`:
// the friendly message if any error in the chain has one, and the plain
// error string otherwise.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; {
		if friendly, ok := curr.(Friendlier); ok {
			return friendly.FriendlyMessage()
		}

		ctxErr, ok := curr.(contextError)
		if !ok {
			break
		}
		curr = ctxErr.err
	}
	return err.Error()
}
