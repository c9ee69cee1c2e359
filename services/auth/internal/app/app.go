package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"whatsgonow/internal/util"
	"whatsgonow/pkg/auth"
	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/store"
)

// Config holds runtime configuration for the core application. Stores left
// nil are built from the connection settings.
type Config struct {
	DatabaseURL         string
	Redis               redis.UniversalClient
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration

	Accounts      store.Accounts
	Sessions      store.SessionStore
	RefreshTokens store.RefreshTokenStore
}

// App implements sign up, login, token rotation and profile management.
type App struct {
	accounts      store.Accounts
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	refreshTTL    time.Duration
}

// Grant is what a successful authentication hands back to the client.
type Grant struct {
	User         domain.User
	Profile      domain.Profile
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SignUpInput is the self-service registration form.
type SignUpInput struct {
	Email    string
	Password string
	Name     string
	Role     string
}

func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	accounts := cfg.Accounts
	if accounts == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		accounts = gs
	}

	sessions := cfg.Sessions
	if sessions == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis is required for token revocation")
		}
		key, previous, err := store.LoadRSAKeys(cfg.JWTPrivateKeyPath, cfg.JWTVerifyPublicKeys)
		if err != nil {
			return nil, fmt.Errorf("load jwt keys: %w", err)
		}
		// cutoffs must outlive every access token they can reject
		revoker := store.NewRedisTokenRevoker(cfg.Redis, cfg.SessionTTL+time.Hour)
		js, err := store.NewJWTSessionStore(key, store.JWTConfig{
			KeyID:    cfg.JWTKeyID,
			TTL:      cfg.SessionTTL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
			Previous: previous,
		}, revoker)
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessions = js
	}

	refreshTokens := cfg.RefreshTokens
	if refreshTokens == nil {
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis is required for refresh tokens")
		}
		refreshTokens = store.NewRedisRefreshTokenStore(cfg.Redis)
	}

	return &App{
		accounts:      accounts,
		sessions:      sessions,
		refreshTokens: refreshTokens,
		refreshTTL:    cfg.RefreshTTL,
	}, nil
}

// SignUp registers a user with a self-service role. The very first account
// becomes admin regardless of the requested role.
func (a *App) SignUp(ctx context.Context, in SignUpInput) (Grant, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return Grant{}, ErrEmailAndPasswordRequired
	}
	role := domain.RoleSenderPrivate
	if strings.TrimSpace(in.Role) != "" {
		parsed, ok := domain.ParseRole(in.Role)
		if !ok || !parsed.SelfServiceRole() {
			return Grant{}, ErrInvalidRole
		}
		role = parsed
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return Grant{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Grant{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: hash,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	profile, err := a.accounts.CreateAccount(ctx, user, domain.Profile{
		UserID:    user.ID,
		Email:     email,
		Name:      strings.TrimSpace(in.Name),
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Grant{}, ErrEmailAlreadyExists
		}
		return Grant{}, fmt.Errorf("create account: %w", err)
	}
	return a.issue(user, profile)
}

// Login validates credentials and issues a token pair.
func (a *App) Login(ctx context.Context, email, password string) (Grant, error) {
	user, err := a.accounts.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Grant{}, ErrInvalidCredentials
		}
		return Grant{}, fmt.Errorf("fetch user: %w", err)
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return Grant{}, ErrInvalidCredentials
	}
	if user.Status == domain.StatusDisabled {
		return Grant{}, ErrUserDisabled
	}
	profile, err := a.accounts.ProfileByUserID(ctx, user.ID)
	if err != nil {
		return Grant{}, fmt.Errorf("fetch profile: %w", err)
	}
	return a.issue(user, profile)
}

func (a *App) issue(user domain.User, profile domain.Profile) (Grant, error) {
	access, exp, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		return Grant{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.refreshTokens.NewToken(user.ID, a.refreshTTL)
	if err != nil {
		return Grant{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Grant{User: user, Profile: profile, AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// Refresh rotates the refresh token and issues a new access token. Replayed
// tokens are reported as plain invalid tokens.
func (a *App) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Grant{}, ErrRefreshTokenRequired
	}
	userID, next, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return Grant{}, ErrInvalidRefreshToken
		}
		return Grant{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	user, err := a.accounts.UserByID(ctx, userID)
	if err != nil || user.Status == domain.StatusDisabled {
		_ = a.refreshTokens.DeleteToken(next)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Grant{}, fmt.Errorf("fetch user: %w", err)
		}
		return Grant{}, ErrInvalidRefreshToken
	}
	profile, err := a.accounts.ProfileByUserID(ctx, user.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(next)
		return Grant{}, fmt.Errorf("fetch profile: %w", err)
	}
	access, exp, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(next)
		return Grant{}, fmt.Errorf("issue access token: %w", err)
	}
	return Grant{User: user, Profile: profile, AccessToken: access, RefreshToken: next, ExpiresAt: exp}, nil
}

// Logout revokes the access token and, when given, the refresh token.
func (a *App) Logout(accessToken, refreshToken string) error {
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return err
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		return a.refreshTokens.DeleteToken(refreshToken)
	}
	return nil
}

// UserFromToken resolves an active user from an access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, err := a.accounts.UserByID(ctx, uid)
	if err != nil || user.Status == domain.StatusDisabled {
		return domain.User{}, false
	}
	return user, true
}

// Profile returns userID's profile. Only the owner and admins may read it.
func (a *App) Profile(ctx context.Context, viewer domain.User, userID string) (domain.Profile, error) {
	if viewer.ID != userID {
		vp, err := a.accounts.ProfileByUserID(ctx, viewer.ID)
		if err != nil {
			return domain.Profile{}, fmt.Errorf("fetch viewer profile: %w", err)
		}
		if !vp.Role.IsAdmin() {
			return domain.Profile{}, ErrForbidden
		}
	}
	p, err := a.accounts.ProfileByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Profile{}, ErrUserNotFound
	}
	return p, err
}

// UpdateMyProfile changes the caller's name and region.
func (a *App) UpdateMyProfile(ctx context.Context, user domain.User, name, region *string) (domain.Profile, error) {
	p, err := a.accounts.UpdateProfile(ctx, user.ID, store.ProfileUpdate{Name: name, Region: region})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Profile{}, ErrUserNotFound
	}
	return p, err
}

// ActorProfile returns the profile used for admin authorization.
func (a *App) ActorProfile(ctx context.Context, user domain.User) (domain.Profile, error) {
	return a.accounts.ProfileByUserID(ctx, user.ID)
}

func (a *App) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	return a.accounts.ListProfiles(ctx)
}

// AdminUpdateUser changes another user's role and/or status. Limited admins
// may only change status. Disabling revokes every outstanding token.
func (a *App) AdminUpdateUser(ctx context.Context, actor domain.Profile, userID string, role *domain.Role, status *domain.UserStatus) (domain.Profile, error) {
	if !actor.Role.IsAdmin() || (role != nil && actor.Role != domain.RoleAdmin) {
		return domain.Profile{}, ErrForbidden
	}
	if userID == actor.UserID {
		if (role != nil && *role != actor.Role) || (status != nil && *status == domain.StatusDisabled) {
			return domain.Profile{}, ErrSelfChange
		}
	}
	if _, err := a.accounts.UserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Profile{}, ErrUserNotFound
		}
		return domain.Profile{}, fmt.Errorf("fetch user: %w", err)
	}
	if status != nil {
		if err := a.accounts.SetUserStatus(ctx, userID, *status); err != nil {
			return domain.Profile{}, fmt.Errorf("update status: %w", err)
		}
		if *status == domain.StatusDisabled {
			if err := a.revokeAllUserTokens(userID, time.Now().UTC()); err != nil {
				return domain.Profile{}, fmt.Errorf("revoke disabled user tokens: %w", err)
			}
		}
	}
	return a.accounts.UpdateProfile(ctx, userID, store.ProfileUpdate{Role: role})
}

// JWKS returns public signing keys when the session store publishes them.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) revokeAllUserTokens(userID string, since time.Time) error {
	sessionRevoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return fmt.Errorf("session store does not support user token revocation")
	}
	if err := sessionRevoker.RevokeUserSessions(userID, since); err != nil {
		return err
	}
	return a.refreshTokens.RevokeUserRefreshTokens(userID)
}
