package guestsession

import (
	"context"
	"strings"
	"testing"
	"time"

	"whatsgonow/pkg/devicestore"
)

var base = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func fixedStore(kv devicestore.KV) *Store {
	if kv == nil {
		kv = devicestore.NewMemory()
	}
	return New(kv, WithClock(func() time.Time { return base }))
}

func TestIsExpiredBoundary(t *testing.T) {
	s := fixedStore(nil)
	cases := []struct {
		offset time.Duration
		want   bool
	}{
		{-time.Hour, true},
		{-time.Nanosecond, true},
		{0, true},
		{time.Nanosecond, false},
		{48 * time.Hour, false},
	}
	for _, tc := range cases {
		if got := s.IsExpired(base.Add(tc.offset)); got != tc.want {
			t.Fatalf("IsExpired(now%+v) = %v, want %v", tc.offset, got, tc.want)
		}
	}
}

func TestTimeUntilExpiryNeverNegative(t *testing.T) {
	s := fixedStore(nil)
	for _, offset := range []time.Duration{-365 * 24 * time.Hour, -time.Second, 0} {
		if got := s.TimeUntilExpiry(base.Add(offset)); got != 0 {
			t.Fatalf("TimeUntilExpiry(now%+v) = %s, want 0", offset, got)
		}
	}
	if got := s.TimeUntilExpiry(base.Add(90 * time.Minute)); got != 90*time.Minute {
		t.Fatalf("TimeUntilExpiry = %s", got)
	}
}

func TestFormatExpiryBuckets(t *testing.T) {
	s := fixedStore(nil)
	cases := []struct {
		left time.Duration
		want string
	}{
		{-time.Hour, "about to expire"},
		{0, "about to expire"},
		{59 * time.Minute, "about to expire"},
		{59*time.Minute + 59*time.Second, "about to expire"},
		{60 * time.Minute, "1h remaining"},
		{2*time.Hour + 59*time.Minute, "2h remaining"},
		{23*time.Hour + 59*time.Minute, "23h remaining"},
		{24 * time.Hour, "1 day remaining"},
		{47 * time.Hour, "1 day remaining"},
		{48 * time.Hour, "2 days remaining"},
		{7*24*time.Hour - time.Second, "6 days remaining"},
	}
	for _, tc := range cases {
		if got := s.FormatExpiry(base.Add(tc.left)); got != tc.want {
			t.Fatalf("FormatExpiry(+%s) = %q, want %q", tc.left, got, tc.want)
		}
	}
}

func TestGenerateFileNameIsUniqueAndKeepsName(t *testing.T) {
	a, b := GenerateFileName("photo.jpg"), GenerateFileName("photo.jpg")
	if a == b {
		t.Fatalf("expected distinct names, got %q twice", a)
	}
	for _, name := range []string{a, b} {
		if !strings.HasSuffix(name, "-photo.jpg") {
			t.Fatalf("%q does not end with -photo.jpg", name)
		}
	}
	if got := GenerateFilePath("sess-1", a); got != "sess-1/"+a {
		t.Fatalf("path = %q", got)
	}
}

func TestClearLocalSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	s := fixedStore(kv)

	if err := s.RememberLocalSession(ctx, "abc", base.Add(time.Hour)); err != nil {
		t.Fatalf("remember: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.ClearLocalSession(ctx); err != nil {
			t.Fatalf("clear #%d: %v", i+1, err)
		}
		if _, ok, _ := kv.Get(ctx, devicestore.KeyGuestSession); ok {
			t.Fatalf("marker still present after clear #%d", i+1)
		}
	}
	if kv.Len() != 0 {
		t.Fatalf("storage not empty")
	}
}

func TestLocalSessionRoundTripAndCorruption(t *testing.T) {
	ctx := context.Background()
	kv := devicestore.NewMemory()
	s := fixedStore(kv)

	if _, ok, err := s.LocalSession(ctx); ok || err != nil {
		t.Fatalf("empty = %v %v", ok, err)
	}
	exp := base.Add(36 * time.Hour)
	_ = s.RememberLocalSession(ctx, "abc", exp)
	m, ok, err := s.LocalSession(ctx)
	if err != nil || !ok || m.SessionID != "abc" || !m.ExpiresAt.Equal(exp) {
		t.Fatalf("marker = %+v %v %v", m, ok, err)
	}

	_ = kv.Set(ctx, devicestore.KeyGuestSession, "{not json")
	if _, ok, err := s.LocalSession(ctx); ok || err != nil {
		t.Fatalf("corrupt marker = %v %v", ok, err)
	}
	if _, ok, _ := kv.Get(ctx, devicestore.KeyGuestSession); ok {
		t.Fatalf("corrupt marker should be removed")
	}
}
