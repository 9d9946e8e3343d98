package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an engine Error. The kind determines how far the error
// propagates: all kinds abort the current control invocation, and only
// KindChecksumMismatch allows the session to continue (minus the offending
// bucket).
type Kind int

const (
	// KindInternal is an unexpected host error, surfaced with the inner
	// description attached.
	KindInternal Kind = iota
	// KindProtocol is a malformed or unexpected sync line.
	KindProtocol
	// KindChecksumMismatch is a local checksum disagreeing with the declared
	// bucket checksum.
	KindChecksumMismatch
	// KindBusy is a SQLITE_BUSY returned by the host. The caller must retry
	// the entire command in a fresh transaction.
	KindBusy
	// KindConfiguration is invalid schema or subscription input.
	KindConfiguration
)

// Error is an engine error carrying its taxonomy Kind. Errors surface to the
// host as SQLite errors of the user-defined function that was invoked.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProtocol:
		return fmt.Sprintf("Sync protocol error: %s", e.Msg)
	case KindBusy:
		return "internal SQLite call returned BUSY"
	case KindInternal:
		if e.Cause != nil {
			return fmt.Sprintf("internal SQLite call returned ERROR: %s", e.Cause)
		}
		return fmt.Sprintf("internal error: %s", e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// ProtocolErrorf returns a KindProtocol Error.
func ProtocolErrorf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

// ConfigErrorf returns a KindConfiguration Error.
func ConfigErrorf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// InternalError wraps an unexpected host error.
func InternalError(cause error) *Error {
	return &Error{Kind: KindInternal, Cause: cause}
}

// BusyError returns the KindBusy Error for a SQLITE_BUSY result.
func BusyError(cause error) *Error {
	return &Error{Kind: KindBusy, Cause: cause}
}

// KindOf extracts the Kind of an error produced by this package, or
// KindInternal for any other error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
