package rolerouter

import (
	"context"
	"log/slog"
	"sync"

	"whatsgonow/pkg/authgate"
	"whatsgonow/pkg/domain"
)

// Source is what the router watches; *authgate.Gate satisfies it.
type Source interface {
	State() authgate.State
	Subscribe() (<-chan authgate.State, func())
}

// evalKey holds the inputs a navigation decision depends on.
type evalKey struct {
	ready      bool
	hasProfile bool
	profileID  string
	role       domain.Role
	navGen     uint64
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// Router fires Navigator.Replace once per change of readiness, profile or
// navigator. Replace is called with the router lock held and must not call
// back into the router.
type Router struct {
	logger *slog.Logger

	mu      sync.Mutex
	nav     Navigator
	navGen  uint64
	last    evalKey
	hasLast bool
}

func New(nav Navigator, opts ...Option) *Router {
	r := &Router{nav: nav, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNavigator swaps the navigation target; the next Evaluate runs again even
// for an unchanged state.
func (r *Router) SetNavigator(nav Navigator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nav = nav
	r.navGen++
}

// Evaluate navigates for st unless its inputs equal the previous call's. It
// returns the route it navigated to.
func (r *Router) Evaluate(st authgate.State) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := evalKey{ready: st.IsReady, navGen: r.navGen}
	if st.Profile != nil {
		key.hasProfile = true
		key.profileID = st.Profile.UserID
		key.role = st.Profile.Role
	}
	if r.hasLast && key == r.last {
		return "", false
	}
	r.last, r.hasLast = key, true

	route, ok := Resolve(st)
	if !ok || r.nav == nil {
		return "", false
	}
	r.logger.Debug("role_route", "route", string(route), "role", string(key.role))
	r.nav.Replace(string(route))
	return route, true
}

// Watch evaluates the current state and then every published one until ctx
// ends or the source closes its channel.
func (r *Router) Watch(ctx context.Context, src Source) error {
	updates, cancel := src.Subscribe()
	defer cancel()
	r.Evaluate(src.State())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			r.Evaluate(st)
		}
	}
}
