package app

import "errors"

var (
	// ErrInvalidCredentials is shown to end users; it must not reveal whether
	// the email exists.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	// ErrUserDisabled is returned when an account is disabled.
	// Handlers should generally NOT expose this to clients to avoid account enumeration.
	ErrUserDisabled = errors.New("user disabled")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = errors.New("email already exists")
	ErrInvalidRole              = errors.New("role cannot be chosen at signup")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")

	ErrUserNotFound = errors.New("user not found")
	ErrForbidden    = errors.New("forbidden")
	ErrSelfChange   = errors.New("admins cannot change their own role or disable themselves")
)
