// Package authgate composes the identity provider and the profile lookup
// into one readiness signal.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"whatsgonow/internal/notify"
	"whatsgonow/pkg/domain"
)

// State is the derived auth state. IsReady means the first definitive
// identity answer has arrived and, when a user is present, their profile
// lookup has finished (successfully or not). IsLoading is only set while
// IsReady is false; lookups on a ready gate never raise it.
type State struct {
	User      *User
	Session   *Session
	Profile   *domain.Profile
	IsReady   bool
	IsLoading bool
	Err       error
}

func (s State) clone() State {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	if s.Session != nil {
		sess := *s.Session
		s.Session = &sess
	}
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

// Result is returned by SignIn once the provider confirmed the credentials.
type Result struct {
	User       User
	Session    Session
	Profile    *domain.Profile
	ProfileErr error
}

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithFetchTimeout bounds each profile lookup. Default 15s.
func WithFetchTimeout(d time.Duration) Option { return func(g *Gate) { g.timeout = d } }

type Gate struct {
	provider IdentityProvider
	profiles ProfileFetcher
	logger   *slog.Logger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	started     bool
	closed      bool
	identityGen uint64
	profileGen  uint64
	loading     chan struct{} // closed when the background profile load settles
	unsubscribe func()
	hub         *notify.Hub[State]

	flights singleflight.Group

	discarded func(userID string) // test hook
}

func New(provider IdentityProvider, profiles ProfileFetcher, opts ...Option) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		provider: provider,
		profiles: profiles,
		logger:   slog.Default(),
		timeout:  15 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
		state:    State{IsLoading: true},
		hub:      notify.NewHub[State](),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "authgate")
	return g
}

// Start subscribes to provider changes and performs the initial identity
// check. A failed check still makes the gate ready, unauthenticated, with Err
// set.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	g.mu.Unlock()

	unsubscribe := g.provider.OnAuthStateChange(g.handleChange)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	g.unsubscribe = unsubscribe
	gen := g.identityGen
	g.mu.Unlock()

	sess, err := g.provider.GetCurrentSession(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if gen != g.identityGen {
		// a change event already answered
		return nil
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrIdentityCheck, err)
		g.logger.Warn("identity_check_failed", "error", err)
		g.identityGen++
		g.profileGen++
		g.setLocked(State{IsReady: true, Err: err})
		return err
	}
	g.applyIdentityLocked(sess)
	return nil
}

func (g *Gate) handleChange(c AuthChange) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.logger.Debug("auth_state_change", "event", string(c.Event), "signed_in", c.Session != nil)
	g.applyIdentityLocked(c.Session)
}

// applyIdentityLocked installs a new provider answer. The same user only gets
// its session replaced, plus a fresh profile lookup when none is held; a
// different user resets readiness until its profile resolves. The returned
// channel, when non-nil, closes once the profile lookup settled.
func (g *Gate) applyIdentityLocked(sess *Session) <-chan struct{} {
	g.identityGen++
	if sess == nil {
		g.profileGen++
		g.loading = nil
		g.setLocked(State{IsReady: true})
		return nil
	}
	s := *sess
	u := s.User
	if cur := g.state.User; cur != nil && cur.ID == u.ID {
		st := g.state
		st.User = &u
		st.Session = &s
		g.setLocked(st)
		switch {
		case st.Profile != nil:
			return nil
		case g.loading != nil:
			return g.loading
		}
		// the previous lookup failed; retry without leaving ready
		return g.startProfileLoadLocked(u.ID)
	}
	g.setLocked(State{User: &u, Session: &s, IsLoading: true})
	return g.startProfileLoadLocked(u.ID)
}

func (g *Gate) startProfileLoadLocked(userID string) <-chan struct{} {
	g.profileGen++
	done := make(chan struct{})
	g.loading = done
	go g.loadProfile(g.profileGen, userID, done)
	return done
}

func (g *Gate) loadProfile(gen uint64, userID string, done chan struct{}) {
	defer close(done)
	p, err := g.fetchProfile(g.ctx, userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loading == done {
		g.loading = nil
	}
	if g.closed || gen != g.profileGen {
		g.dropLocked(userID)
		return
	}
	g.applyProfileLocked(userID, p, err)
}

// fetchProfile shares one outstanding lookup per user id between the
// background load and any concurrent RefreshProfile.
func (g *Gate) fetchProfile(ctx context.Context, userID string) (domain.Profile, error) {
	ch := g.flights.DoChan(userID, func() (any, error) {
		fctx, cancel := context.WithTimeout(g.ctx, g.timeout)
		defer cancel()
		p, err := g.profiles.FetchProfile(fctx, userID)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return domain.Profile{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Profile{}, res.Err
		}
		return res.Val.(domain.Profile), nil
	}
}

// applyProfileLocked settles the gate. A failure keeps whatever profile was
// already known, which is nil right after an identity change.
func (g *Gate) applyProfileLocked(userID string, p domain.Profile, err error) {
	st := g.state
	st.IsReady = true
	st.IsLoading = false
	if err != nil {
		st.Err = fmt.Errorf("%w: %w", ErrProfileFetch, err)
		g.logger.Warn("profile_fetch_failed", "user_id", userID, "error", err)
	} else {
		st.Profile = &p
		st.Err = nil
	}
	g.setLocked(st)
}

func (g *Gate) dropLocked(userID string) {
	g.logger.Debug("profile_result_discarded", "user_id", userID, "closed", g.closed)
	if g.discarded != nil {
		g.discarded(userID)
	}
}

func (g *Gate) setLocked(st State) {
	g.state = st
	g.hub.Publish(st.clone())
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// Subscribe returns a channel carrying the latest state after each change.
func (g *Gate) Subscribe() (<-chan State, func()) {
	return g.hub.Subscribe()
}

// WaitReady blocks until IsReady.
func (g *Gate) WaitReady(ctx context.Context) (State, error) {
	for {
		g.mu.Lock()
		st, closed, changed := g.state.clone(), g.closed, g.hub.Changed()
		g.mu.Unlock()
		if st.IsReady {
			return st, nil
		}
		if closed {
			return st, ErrClosed
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		}
	}
}

// RefreshProfile re-fetches the current user's profile in the background of a
// ready gate: neither IsReady nor IsLoading change while it runs. On failure
// the previous profile stays and Err is set.
func (g *Gate) RefreshProfile(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.state.User == nil {
		g.mu.Unlock()
		return ErrNotAuthenticated
	}
	userID, gen := g.state.User.ID, g.profileGen
	g.mu.Unlock()

	p, err := g.fetchProfile(ctx, userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	if gen != g.profileGen {
		g.dropLocked(userID)
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	g.applyProfileLocked(userID, p, err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProfileFetch, err)
	}
	return nil
}

// SignIn delegates to the provider. State changes only after the provider
// confirmed; the call then waits for the profile lookup.
func (g *Gate) SignIn(ctx context.Context, creds Credentials) (Result, error) {
	if g.isClosed() {
		return Result{}, ErrClosed
	}
	sess, err := g.provider.SignIn(ctx, creds)
	if err != nil {
		return Result{}, fmt.Errorf("sign in: %w", err)
	}
	if sess == nil {
		return Result{}, fmt.Errorf("sign in: %w", ErrNotAuthenticated)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Result{}, ErrClosed
	}
	loaded := g.applyIdentityLocked(sess)
	g.mu.Unlock()

	res := Result{User: sess.User, Session: *sess}
	if loaded != nil {
		select {
		case <-loaded:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	st, err := g.WaitReady(ctx)
	if err != nil {
		return res, err
	}
	if st.User != nil && st.User.ID == sess.User.ID {
		res.Profile = st.Profile
		res.ProfileErr = st.Err
	}
	return res, nil
}

// SignOut delegates to the provider and clears local state once it succeeded.
func (g *Gate) SignOut(ctx context.Context) error {
	if g.isClosed() {
		return ErrClosed
	}
	if err := g.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	g.applyIdentityLocked(nil)
	return nil
}

func (g *Gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close detaches from the provider. Nothing mutates the state afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.profileGen++
	g.cancel()
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.hub.Close()
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
