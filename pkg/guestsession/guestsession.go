// Package guestsession keeps the guest upload session marker on the device
// and answers expiry questions about it.
package guestsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"whatsgonow/pkg/devicestore"
)

// Marker is what the device remembers about the current guest session.
type Marker struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GenerateFileName prefixes name with a random UUID so uploads never collide
// while the original name stays readable.
func GenerateFileName(name string) string {
	return uuid.NewString() + "-" + name
}

// GenerateFilePath returns the object key for fileName inside a session.
func GenerateFilePath(sessionID, fileName string) string {
	return sessionID + "/" + fileName
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type Store struct {
	kv     devicestore.KV
	now    func() time.Time
	logger *slog.Logger
}

func New(kv devicestore.KV, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsExpired reports now >= expiresAt.
func (s *Store) IsExpired(expiresAt time.Time) bool {
	return !s.now().Before(expiresAt)
}

// TimeUntilExpiry never returns a negative duration.
func (s *Store) TimeUntilExpiry(expiresAt time.Time) time.Duration {
	if d := expiresAt.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// FormatExpiry buckets the remaining time, flooring hours and days.
func (s *Store) FormatExpiry(expiresAt time.Time) string {
	left := s.TimeUntilExpiry(expiresAt)
	switch {
	case left < time.Hour:
		return "about to expire"
	case left < 24*time.Hour:
		return fmt.Sprintf("%dh remaining", int(left/time.Hour))
	}
	days := int(left / (24 * time.Hour))
	if days == 1 {
		return "1 day remaining"
	}
	return fmt.Sprintf("%d days remaining", days)
}

// RememberLocalSession overwrites the stored marker.
func (s *Store) RememberLocalSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	raw, err := json.Marshal(Marker{SessionID: sessionID, ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, devicestore.KeyGuestSession, string(raw))
}

// LocalSession returns the stored marker. An unreadable marker is removed and
// reported as absent.
func (s *Store) LocalSession(ctx context.Context) (Marker, bool, error) {
	raw, ok, err := s.kv.Get(ctx, devicestore.KeyGuestSession)
	if err != nil || !ok {
		return Marker{}, false, err
	}
	var m Marker
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m.SessionID == "" {
		s.logger.Warn("guest_session_marker_discarded", "error", err)
		return Marker{}, false, s.ClearLocalSession(ctx)
	}
	return m, true, nil
}

// ClearLocalSession removes the marker; clearing an absent marker succeeds.
func (s *Store) ClearLocalSession(ctx context.Context) error {
	return s.kv.Remove(ctx, devicestore.KeyGuestSession)
}
