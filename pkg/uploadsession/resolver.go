// Package uploadsession resolves a guest upload session id into a usable
// session, rejecting expired and unknown sessions.
package uploadsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"whatsgonow/internal/notify"
	"whatsgonow/pkg/domain"
)

type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a snapshot of the resolver. Session is set only when Ready.
type State struct {
	Status    Status
	SessionID string
	Session   *domain.UploadSession
	Err       error
}

// Settled reports whether the state is not waiting on a fetch.
func (s State) Settled() bool { return s.Status != StatusLoading }

// Fetcher reads a session row by id. found=false with a nil error means the
// row does not exist.
type Fetcher interface {
	FetchSessionByID(ctx context.Context, id string) (row domain.UploadSession, found bool, err error)
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// WithFetchTimeout bounds each fetch. Default 15s.
func WithFetchTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

// Resolver runs the Idle -> Loading -> Ready|Errored machine for one session
// id at a time. Every fetch carries a generation number; a completion whose
// generation is no longer current is dropped, as is anything arriving after
// Close.
type Resolver struct {
	fetcher Fetcher
	now     func() time.Time
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	id     string
	state  State
	gen    uint64
	cancel context.CancelFunc
	closed bool
	hub    *notify.Hub[State]

	discarded func(id string) // test hook
}

func NewResolver(f Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher: f,
		now:     time.Now,
		logger:  slog.Default(),
		timeout: 15 * time.Second,
		hub:     notify.NewHub[State](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "uploadsession")
	return r
}

// SetSessionID points the resolver at id. Repeating the current id does
// nothing. An empty id cancels any in-flight fetch; a Loading state returns
// to Idle while a settled state is kept.
func (r *Resolver) SetSessionID(id string) {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || id == r.id {
		return
	}
	r.id = id
	if id == "" {
		r.supersedeLocked()
		if r.state.Status == StatusLoading {
			r.setLocked(State{Status: StatusIdle})
		}
		return
	}
	r.startLocked()
}

// Reload fetches the current id again.
func (r *Resolver) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.id == "" {
		return
	}
	r.startLocked()
}

func (r *Resolver) supersedeLocked() {
	r.gen++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Resolver) startLocked() {
	r.supersedeLocked()
	gen, id := r.gen, r.id
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	r.cancel = cancel
	r.setLocked(State{Status: StatusLoading, SessionID: id})
	go r.fetch(ctx, cancel, gen, id)
}

func (r *Resolver) fetch(ctx context.Context, cancel context.CancelFunc, gen uint64, id string) {
	defer cancel()
	row, found, err := r.fetcher.FetchSessionByID(ctx, id)

	next := State{SessionID: id}
	var reason string
	switch {
	case err != nil:
		reason = "transport"
		next.Err = &SessionError{SessionID: id, cause: fmt.Errorf("%w: %w", ErrTransport, err)}
	case !found:
		reason = "not_found"
		next.Err = &SessionError{SessionID: id, cause: ErrSessionNotFound}
	case row.ExpiredAt(r.now()):
		reason = "expired"
		next.Err = &SessionError{SessionID: id, cause: ErrSessionExpired}
	default:
		row.UploadedFiles = slices.Clone(row.UploadedFiles)
		next.Session = &row
	}
	if next.Err != nil {
		next.Status = StatusErrored
	} else {
		next.Status = StatusReady
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.gen {
		r.logger.Debug("upload_session_result_discarded", "session_id", id, "closed", r.closed)
		if r.discarded != nil {
			r.discarded(id)
		}
		return
	}
	r.cancel = nil
	if next.Err != nil {
		cause := errors.Unwrap(next.Err)
		r.logger.Warn("upload_session_invalid", "session_id", id, "reason", reason, "error", cause)
	}
	r.setLocked(next)
}

func (r *Resolver) setLocked(st State) {
	r.state = st
	r.hub.Publish(snapshot(st))
}

func snapshot(st State) State {
	if st.Session != nil {
		cp := *st.Session
		cp.UploadedFiles = slices.Clone(cp.UploadedFiles)
		st.Session = &cp
	}
	return st
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.state)
}

// Subscribe returns a channel receiving the latest state after every
// transition. Slow readers only miss intermediate states. The channel is
// closed by the returned func or by Close.
func (r *Resolver) Subscribe() (<-chan State, func()) {
	return r.hub.Subscribe()
}

// Wait blocks until the resolver is not Loading.
func (r *Resolver) Wait(ctx context.Context) (State, error) {
	for {
		r.mu.Lock()
		st, closed, changed := snapshot(r.state), r.closed, r.hub.Changed()
		r.mu.Unlock()
		if st.Settled() {
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

// Close stops the resolver. In-flight results are dropped and the state is
// frozen.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.supersedeLocked()
	r.hub.Close()
}
