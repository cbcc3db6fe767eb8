package session

import (
	"errors"
	"fmt"
)

// Sentinel errors making up the taxonomy from the design's error handling
// section. Callers use errors.Is against these, never string matching.
var (
	// ErrInvalidArgument marks a client-supplied argument that fails
	// validation (bad size, empty command, missing working directory).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSessionNotFound marks a lookup against a session id the registry
	// has no record of.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotRunning marks an operation (send input, resize) attempted
	// against a session that was never started or has already been reaped
	// (status != running, e.g. "starting" or already "exited").
	ErrSessionNotRunning = errors.New("session not running")
	// ErrSessionGone marks a session whose status still says "running" but
	// whose process has actually died — discovered by a liveness probe at
	// the point of use, not yet caught up by the registry's reconciliation
	// pass. Distinct from ErrSessionNotRunning so callers can map it to 410
	// instead of 400.
	ErrSessionGone = errors.New("session process has died")
	// ErrPTYCreationFailed marks a failure to allocate or start a PTY.
	ErrPTYCreationFailed = errors.New("pty creation failed")
	// ErrPTYResizeFailed marks a failure applying a new terminal size.
	ErrPTYResizeFailed = errors.New("pty resize failed")
)

// SessionError wraps a sentinel error with the session it concerns and an
// optional underlying cause, so a caller can recover both machine-readable
// classification (via errors.Is) and a human-readable message.
type SessionError struct {
	Message   string
	Sentinel  error
	SessionID string
	Cause     error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s", e.SessionID, e.Message)
	}
	return e.Message
}

func (e *SessionError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.Sentinel
}

// Is lets errors.Is(err, ErrInvalidArgument) succeed against a *SessionError
// built from that sentinel, independent of the wrapped Cause.
func (e *SessionError) Is(target error) bool {
	return errors.Is(e.Sentinel, target)
}

// NewSessionError builds a SessionError with no underlying cause.
func NewSessionError(message string, sentinel error, sessionID string) *SessionError {
	return &SessionError{Message: message, Sentinel: sentinel, SessionID: sessionID}
}

// NewSessionErrorWithCause builds a SessionError wrapping an underlying
// error (a syscall failure, an os.PathError) for diagnostics.
func NewSessionErrorWithCause(message string, sentinel error, sessionID string, cause error) *SessionError {
	return &SessionError{Message: message, Sentinel: sentinel, SessionID: sessionID, Cause: cause}
}
