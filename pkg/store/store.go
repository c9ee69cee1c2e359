package store

import (
	"context"
	"errors"
	"time"

	"whatsgonow/pkg/domain"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUploadExpired    = errors.New("upload session expired")
	ErrUploadCompleted  = errors.New("upload session already completed")
	ErrDuplicateSession = errors.New("upload session already exists")
)

// ProfileUpdate carries the mutable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Name   *string
	Region *string
	Role   *domain.Role
}

// Accounts persists users and the profile created alongside each of them.
type Accounts interface {
	// CreateAccount inserts the user and profile atomically. The first account
	// ever created is promoted to admin.
	CreateAccount(ctx context.Context, u domain.User, p domain.Profile) (domain.Profile, error)
	UserByEmail(ctx context.Context, email string) (domain.User, error)
	UserByID(ctx context.Context, id string) (domain.User, error)
	SetUserStatus(ctx context.Context, id string, status domain.UserStatus) error

	ProfileByUserID(ctx context.Context, userID string) (domain.Profile, error)
	UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (domain.Profile, error)
	ListProfiles(ctx context.Context) ([]domain.Profile, error)
}

// UploadSessions persists guest upload sessions.
type UploadSessions interface {
	CreateUploadSession(ctx context.Context, s domain.UploadSession) error
	UploadSession(ctx context.Context, id string) (domain.UploadSession, error)
	// AppendUploadedFile adds key to the file list unless the session is
	// expired at now or already completed.
	AppendUploadedFile(ctx context.Context, id, key string, now time.Time) (domain.UploadSession, error)
	// CompleteUploadSession flips completed. Completing twice returns
	// ErrUploadCompleted.
	CompleteUploadSession(ctx context.Context, id string, now time.Time) (domain.UploadSession, error)
}

// SessionStore issues and validates access tokens.
type SessionStore interface {
	NewSession(userID, email string) (token string, expiresAt time.Time, err error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user up to a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// UserRefreshTokenRevoker is an optional capability that revokes all refresh
// tokens for a user.
type UserRefreshTokenRevoker interface {
	RevokeUserRefreshTokens(userID string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is implemented by session stores that publish their keys.
type JWKSProvider interface {
	JWKS() []JWK
}
