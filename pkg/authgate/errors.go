package authgate

import "errors"

var (
	ErrProfileFetch     = errors.New("profile fetch failed")
	ErrIdentityCheck    = errors.New("identity check failed")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrClosed           = errors.New("auth gate closed")
	ErrAlreadyStarted   = errors.New("auth gate already started")
)
