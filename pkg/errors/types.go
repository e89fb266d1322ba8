package errors

import (
	"fmt"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ProtocolVersionMismatch is returned when the peer speaks a different
// protocol version, or sends a message before announcing its version.
// Remote is -1 when the peer never announced one.
type ProtocolVersionMismatch struct {
	Local, Remote int32
}

func (err ProtocolVersionMismatch) Error() string {
	if err.Remote < 0 {
		return fmt.Sprintf("peer sent a message before the version handshake "+
			"(local protocol version %d)", err.Local)
	}
	return fmt.Sprintf("protocol version mismatch: local %d, remote %d",
		err.Local, err.Remote)
}

// ProtocolUnknownCommand is returned when a frame carries a command id that
// isn't part of the protocol.
type ProtocolUnknownCommand struct {
	ID int32
}

func (err ProtocolUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command id %d", err.ID)
}

// IsFatalProtocolError returns whether `err` means that the two peers can't
// talk to each other at all. These errors are never retried.
func IsFatalProtocolError(err error) bool {
	switch RootCause(err).(type) {
	case ProtocolVersionMismatch, ProtocolUnknownCommand:
		return true
	}
	return false
}

// RuleCompileError is returned when a rule pattern isn't a valid regular
// expression.
type RuleCompileError struct {
	Pattern string
	Err     error
}

func (err RuleCompileError) Error() string {
	return fmt.Sprintf("compile rule %q: %s", err.Pattern, err.Err)
}

func (err RuleCompileError) Unwrap() error {
	return err.Err
}

// RuleFileLoadError is returned when a rule document can't be read or
// doesn't have the expected structure.
type RuleFileLoadError struct {
	Path   string
	Reason string
}

func (err RuleFileLoadError) Error() string {
	return fmt.Sprintf("load rules from %q: %s", err.Path, err.Reason)
}
