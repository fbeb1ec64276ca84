package oxerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so that callers can decide between retrying,
// asking the user for action, or giving up.
type Kind int

const (
	// Io is an OS level I/O failure, recoverable only by retry.
	Io Kind = iota
	// Corrupt means a node hash does not match its bytes or a node db
	// index is inconsistent. Fatal.
	Corrupt
	// NotFound means a hash or path is not present locally. Higher layers
	// may respond with a network fetch.
	NotFound
	// AlreadyExists covers re-initializing an existing repo or creating a
	// branch whose name is taken.
	AlreadyExists
	// Conflict is a merge conflict or a lost branch compare-and-swap.
	Conflict
	// RemoteUnavailable is a network error or 5xx response. Retriable.
	RemoteUnavailable
	// AuthFailed means credentials were rejected. Fatal.
	AuthFailed
	// Staging means the operation requires a different staging state.
	Staging
	// Timeout means the operation exceeded its deadline.
	Timeout
	// InvalidInput is a malformed path, hash, or config value.
	InvalidInput
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Corrupt:
		return "corrupt"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Conflict:
		return "conflict"
	case RemoteUnavailable:
		return "remote_unavailable"
	case AuthFailed:
		return "auth_failed"
	case Staging:
		return "staging"
	case Timeout:
		return "timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is the error type used across the repository. It carries a kind, a
// message, and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so errors.Is(err, &Error{Kind: NotFound}) works
// alongside direct KindOf checks.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// as Io since they almost always originate from the OS.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Io
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Exit code classes surfaced by the CLI.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitRetry    = 2
	ExitAction   = 3
	ExitInternal = 4
)

// ExitCode maps an error to the CLI exit code: "retry may succeed" is 2,
// "action required" is 3, internal failures are 4.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case Io, RemoteUnavailable, Timeout:
		return ExitRetry
	case NotFound, AlreadyExists, Conflict, AuthFailed, Staging, InvalidInput:
		return ExitAction
	case Corrupt:
		return ExitInternal
	default:
		return ExitError
	}
}
