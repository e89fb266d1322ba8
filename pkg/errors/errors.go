// Package errors contains the error helpers shared by the quicksync client
// and server.
package errors

import (
	"fmt"
)

// New creates an error from the formatted message.
func New(format string, args ...interface{}) error {
	return baseError{fmt.Sprintf(format, args...)}
}

type baseError struct {
	msg string
}

func (err baseError) Error() string {
	return err.msg
}

// WithContext annotates `err` with a short description of what was being
// attempted when it occurred. The result prints as "context: err".
// A nil error stays nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause strips all the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user, without any of the context that was added while it propagated.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a FriendlyError from the formatted message.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message that should be shown to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}
