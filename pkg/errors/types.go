package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file's contents no longer match the
// checksum that was advertised for it at the start of a transfer.
var ErrFileChanged = New("file contents changed during sync")

// ErrConnectionClosed is returned when the peer closed the connection, or
// answered a command with a negative token. The worker that sees it
// terminates; the connection is assumed desynchronized.
var ErrConnectionClosed = New("connection closed by peer")

// ErrSharingUnsupported is returned when a share or unshare operation is
// attempted against a metadata node that doesn't support grants (e.g. the
// cancelled-file area).
var ErrSharingUnsupported = New("node does not support sharing")

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

// ProtocolError represents a malformed line received on the wire: an
// unknown command name, or a known command with the wrong argument count.
type ProtocolError struct {
	Line   string
	Reason string
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on line %q: %s", err.Line, err.Reason)
}

// QuotaExceeded is the policy result of an upload that would push a user
// over their storage ceiling. It is not a failure of the worker: the job
// reroutes the file to the cancelled area and ends.
type QuotaExceeded struct {
	User      string
	Projected int64
	Limit     int64
}

func (err QuotaExceeded) Error() string {
	return fmt.Sprintf("user %q would use %d of %d allowed bytes",
		err.User, err.Projected, err.Limit)
}

// UnknownDrive represents a forced acquisition of a drive name that isn't
// part of the allocator.
type UnknownDrive struct {
	Name string
}

func (err UnknownDrive) Error() string {
	return fmt.Sprintf("no drive named %q", err.Name)
}
