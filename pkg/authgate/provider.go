package authgate

import (
	"context"
	"time"

	"whatsgonow/pkg/domain"
)

// User is the identity half of an authenticated session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the raw provider session.
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         User      `json:"user"`
}

type Credentials struct {
	Email    string
	Password string
}

type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// AuthChange is delivered by the provider on every transition. Session is nil
// when signed out.
type AuthChange struct {
	Event   AuthEvent
	Session *Session
}

// IdentityProvider owns the raw authentication state.
type IdentityProvider interface {
	// GetCurrentSession returns nil, nil when nobody is signed in.
	GetCurrentSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(AuthChange)) (unsubscribe func())
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	SignOut(ctx context.Context) error
}

type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (domain.Profile, error)
}
