package registry

import "errors"

// ErrSessionNotFound is returned by Destroy and the non-owning lookups when
// no session exists for the requested device id.
var ErrSessionNotFound = errors.New("registry: session not found")

// SessionCreationError wraps a failure from the remote driver's session
// creation call, distinguishing it from a not-found or validation error.
type SessionCreationError struct {
	DeviceID string
	Err      error
}

func (e *SessionCreationError) Error() string {
	return "registry: create session for " + e.DeviceID + ": " + e.Err.Error()
}

func (e *SessionCreationError) Unwrap() error { return e.Err }
