package uploadsession

import "errors"

// InvalidSessionMessage is the only text users ever see for a failed
// resolution; whether the session expired, never existed or could not be
// fetched is not disclosed.
const InvalidSessionMessage = "session invalid or expired"

var (
	ErrSessionExpired  = errors.New("upload session expired")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrTransport       = errors.New("upload session fetch failed")
	ErrClosed          = errors.New("resolver closed")
)

// SessionError is the error exposed in State.Err. errors.Is reaches the
// internal cause.
type SessionError struct {
	SessionID string
	cause     error
}

func (e *SessionError) Error() string { return InvalidSessionMessage }

func (e *SessionError) Unwrap() error { return e.cause }
