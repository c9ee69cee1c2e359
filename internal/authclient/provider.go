package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"whatsgonow/pkg/authgate"
	"whatsgonow/pkg/devicestore"
	"whatsgonow/pkg/domain"
)

const defaultRefreshSkew = 30 * time.Second

type ProviderOption func(*Provider)

func WithClock(now func() time.Time) ProviderOption {
	return func(p *Provider) { p.now = now }
}

func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithRefreshSkew refreshes access tokens this long before they expire.
func WithRefreshSkew(d time.Duration) ProviderOption {
	return func(p *Provider) { p.skew = d }
}

// Provider implements authgate.IdentityProvider and authgate.ProfileFetcher
// on top of the auth service. The token pair survives restarts in device
// storage.
type Provider struct {
	client *Client
	kv     devicestore.KV
	now    func() time.Time
	skew   time.Duration
	logger *slog.Logger

	// serializes token refreshes
	refreshMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]func(authgate.AuthChange)
	nextID    int
}

func NewProvider(client *Client, kv devicestore.KV, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:    client,
		kv:        kv,
		now:       time.Now,
		skew:      defaultRefreshSkew,
		logger:    slog.Default(),
		listeners: make(map[int]func(authgate.AuthChange)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "authclient")
	return p
}

// GetCurrentSession loads the stored session, refreshing it when the access
// token is about to expire. A rejected refresh token signs the device out.
func (p *Provider) GetCurrentSession(ctx context.Context) (*authgate.Session, error) {
	sess, err := p.load(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	if p.now().Add(p.skew).Before(sess.ExpiresAt) {
		return sess, nil
	}
	return p.refresh(ctx, sess.RefreshToken)
}

func (p *Provider) OnAuthStateChange(fn func(authgate.AuthChange)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Provider) SignIn(ctx context.Context, creds authgate.Credentials) (*authgate.Session, error) {
	g, err := p.client.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return nil, err
	}
	sess := sessionFromGrant(g)
	if err := p.store(ctx, sess); err != nil {
		return nil, err
	}
	p.logger.Info("signed_in", "user_id", sess.User.ID)
	p.emit(authgate.AuthChange{Event: authgate.EventSignedIn, Session: sess})
	return sess, nil
}

// SignOut revokes the tokens server-side when possible and always forgets
// them locally. A rejected token counts as already signed out.
func (p *Provider) SignOut(ctx context.Context) error {
	sess, err := p.load(ctx)
	if err != nil {
		return err
	}
	if sess != nil {
		if err := p.client.Logout(ctx, sess.AccessToken, sess.RefreshToken); err != nil && !IsUnauthorized(err) {
			return fmt.Errorf("logout: %w", err)
		}
	}
	if err := p.kv.Remove(ctx, devicestore.KeyAuthSession); err != nil {
		return err
	}
	p.emit(authgate.AuthChange{Event: authgate.EventSignedOut})
	return nil
}

// FetchProfile reads userID's profile with the stored access token, retrying
// once after a refresh when the token was rejected.
func (p *Provider) FetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	sess, err := p.GetCurrentSession(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	if sess == nil {
		return domain.Profile{}, authgate.ErrNotAuthenticated
	}
	prof, err := p.client.Profile(ctx, sess.AccessToken, userID)
	if !IsUnauthorized(err) {
		return prof, err
	}
	sess, err = p.refresh(ctx, sess.RefreshToken)
	if err != nil {
		return domain.Profile{}, err
	}
	if sess == nil {
		return domain.Profile{}, authgate.ErrNotAuthenticated
	}
	return p.client.Profile(ctx, sess.AccessToken, userID)
}

// AccessToken returns a valid access token or "" when signed out.
func (p *Provider) AccessToken(ctx context.Context) (string, error) {
	sess, err := p.GetCurrentSession(ctx)
	if err != nil || sess == nil {
		return "", err
	}
	return sess.AccessToken, nil
}

func (p *Provider) refresh(ctx context.Context, refreshToken string) (*authgate.Session, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	// another caller may have rotated the pair while we waited
	if cur, err := p.load(ctx); err == nil && cur != nil && cur.RefreshToken != refreshToken &&
		p.now().Add(p.skew).Before(cur.ExpiresAt) {
		return cur, nil
	}

	g, err := p.client.Refresh(ctx, refreshToken)
	if err != nil {
		if !IsUnauthorized(err) {
			return nil, fmt.Errorf("refresh: %w", err)
		}
		p.logger.Info("refresh_rejected", "action", "sign_out")
		if err := p.kv.Remove(ctx, devicestore.KeyAuthSession); err != nil {
			return nil, err
		}
		p.emit(authgate.AuthChange{Event: authgate.EventSignedOut})
		return nil, nil
	}
	sess := sessionFromGrant(g)
	if err := p.store(ctx, sess); err != nil {
		return nil, err
	}
	p.emit(authgate.AuthChange{Event: authgate.EventTokenRefreshed, Session: sess})
	return sess, nil
}

func (p *Provider) load(ctx context.Context) (*authgate.Session, error) {
	raw, ok, err := p.kv.Get(ctx, devicestore.KeyAuthSession)
	if err != nil || !ok {
		return nil, err
	}
	var sess authgate.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || sess.AccessToken == "" {
		p.logger.Warn("auth_session_discarded", "error", err)
		return nil, p.kv.Remove(ctx, devicestore.KeyAuthSession)
	}
	return &sess, nil
}

func (p *Provider) store(ctx context.Context, sess *authgate.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := p.kv.Set(ctx, devicestore.KeyAuthSession, string(raw)); err != nil {
		return fmt.Errorf("persist auth session: %w", err)
	}
	return nil
}

func (p *Provider) emit(c authgate.AuthChange) {
	p.mu.Lock()
	fns := make([]func(authgate.AuthChange), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func sessionFromGrant(g Grant) *authgate.Session {
	return &authgate.Session{
		AccessToken:  g.Token,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    g.ExpiresAt,
		User:         authgate.User{ID: g.User.ID, Email: g.User.Email},
	}
}
