package uploadsession

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"whatsgonow/pkg/domain"
)

type fetchResult struct {
	row   domain.UploadSession
	found bool
	err   error
}

type fetchCall struct {
	id    string
	ctx   context.Context
	reply chan fetchResult
}

// scriptedFetcher hands every call to the test, which answers it whenever it
// likes. The reply is not tied to ctx so late completions can be simulated.
type scriptedFetcher struct {
	calls chan fetchCall
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{calls: make(chan fetchCall, 8)}
}

func (f *scriptedFetcher) FetchSessionByID(ctx context.Context, id string) (domain.UploadSession, bool, error) {
	c := fetchCall{id: id, ctx: ctx, reply: make(chan fetchResult, 1)}
	f.calls <- c
	r := <-c.reply
	return r.row, r.found, r.err
}

func (f *scriptedFetcher) next(t *testing.T) fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("no fetch issued")
		return fetchCall{}
	}
}

func (f *scriptedFetcher) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch for %q", c.id)
	default:
	}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver(f Fetcher) (*Resolver, chan string) {
	r := NewResolver(f, WithClock(func() time.Time { return fixedNow }))
	discarded := make(chan string, 8)
	r.discarded = func(id string) { discarded <- id }
	return r, discarded
}

func row(id string, expires time.Time) fetchResult {
	return fetchResult{
		row:   domain.UploadSession{SessionID: id, UserID: "u1", Target: "order-1", ExpiresAt: expires, UploadedFiles: []string{}},
		found: true,
	}
}

func waitSettled(t *testing.T, r *Resolver) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return st
}

func waitDiscarded(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case id := <-ch:
		if id != want {
			t.Fatalf("discarded %q, want %q", id, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("completion for %q was not discarded", want)
	}
}

func TestResolverReady(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	if st := r.State(); st.Status != StatusIdle {
		t.Fatalf("initial status = %v", st.Status)
	}
	r.SetSessionID("abc")
	if st := r.State(); st.Status != StatusLoading || st.SessionID != "abc" {
		t.Fatalf("state after set = %+v", st)
	}
	c := f.next(t)
	if c.id != "abc" {
		t.Fatalf("fetched %q", c.id)
	}
	c.reply <- row("abc", fixedNow.Add(time.Hour))

	st := waitSettled(t, r)
	if st.Status != StatusReady || st.Session == nil || st.Session.SessionID != "abc" || st.Err != nil {
		t.Fatalf("state = %+v", st)
	}
}

func TestResolverExpiredRowIsRejected(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("old")
	f.next(t).reply <- row("old", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	st := waitSettled(t, r)
	if st.Status != StatusErrored || st.Session != nil {
		t.Fatalf("state = %+v", st)
	}
	if !errors.Is(st.Err, ErrSessionExpired) {
		t.Fatalf("err = %v, want expired cause", st.Err)
	}
	var se *SessionError
	if !errors.As(st.Err, &se) || se.SessionID != "old" {
		t.Fatalf("err is not a SessionError: %T", st.Err)
	}
	if st.Err.Error() != InvalidSessionMessage {
		t.Fatalf("message = %q", st.Err.Error())
	}
}

func TestResolverExpiresAtNowCountsAsExpired(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("edge")
	f.next(t).reply <- row("edge", fixedNow)

	if st := waitSettled(t, r); !errors.Is(st.Err, ErrSessionExpired) {
		t.Fatalf("state = %+v", st)
	}
}

func TestResolverNotFoundAndTransportShareMessage(t *testing.T) {
	cases := []struct {
		name  string
		reply fetchResult
		cause error
	}{
		{name: "not found", reply: fetchResult{}, cause: ErrSessionNotFound},
		{name: "transport", reply: fetchResult{err: io.ErrUnexpectedEOF}, cause: ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newScriptedFetcher()
			r, _ := newTestResolver(f)
			defer r.Close()

			r.SetSessionID("missing")
			f.next(t).reply <- tc.reply

			st := waitSettled(t, r)
			if st.Status != StatusErrored || st.Session != nil {
				t.Fatalf("state = %+v", st)
			}
			if !errors.Is(st.Err, tc.cause) {
				t.Fatalf("err = %v, want cause %v", st.Err, tc.cause)
			}
			if st.Err.Error() != InvalidSessionMessage {
				t.Fatalf("message = %q", st.Err.Error())
			}
			if tc.reply.err != nil && !errors.Is(st.Err, tc.reply.err) {
				t.Fatalf("transport error not wrapped: %v", st.Err)
			}
		})
	}
}

func TestResolverLateCompletionForOldIDIsDropped(t *testing.T) {
	f := newScriptedFetcher()
	r, discarded := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("abc")
	abc := f.next(t)
	r.SetSessionID("xyz")
	xyz := f.next(t)

	if abc.ctx.Err() == nil {
		t.Fatalf("superseded fetch was not cancelled")
	}

	xyz.reply <- row("xyz", fixedNow.Add(time.Hour))
	st := waitSettled(t, r)
	if st.Session == nil || st.Session.SessionID != "xyz" {
		t.Fatalf("state = %+v", st)
	}

	abc.reply <- row("abc", fixedNow.Add(time.Hour))
	waitDiscarded(t, discarded, "abc")
	if st := r.State(); st.Session == nil || st.Session.SessionID != "xyz" {
		t.Fatalf("late completion overwrote state: %+v", st)
	}
}

func TestResolverEarlyCompletionForOldIDIsDropped(t *testing.T) {
	f := newScriptedFetcher()
	r, discarded := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("abc")
	abc := f.next(t)
	r.SetSessionID("xyz")
	xyz := f.next(t)

	abc.reply <- fetchResult{}
	waitDiscarded(t, discarded, "abc")
	if st := r.State(); st.Status != StatusLoading || st.SessionID != "xyz" {
		t.Fatalf("state = %+v, want loading xyz", st)
	}

	xyz.reply <- row("xyz", fixedNow.Add(time.Hour))
	if st := waitSettled(t, r); st.Status != StatusReady || st.Session.SessionID != "xyz" {
		t.Fatalf("state = %+v", st)
	}
}

func TestResolverSameIDIsNoop(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("abc")
	r.SetSessionID(" abc ")
	f.next(t).reply <- row("abc", fixedNow.Add(time.Hour))
	waitSettled(t, r)
	r.SetSessionID("abc")
	f.assertIdle(t)

	r.Reload()
	f.next(t).reply <- row("abc", fixedNow.Add(2*time.Hour))
	if st := waitSettled(t, r); !st.Session.ExpiresAt.Equal(fixedNow.Add(2 * time.Hour)) {
		t.Fatalf("reload did not apply: %+v", st)
	}
}

func TestResolverEmptyIDSupersedesLoading(t *testing.T) {
	f := newScriptedFetcher()
	r, discarded := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("")
	f.assertIdle(t)
	if st := r.State(); st.Status != StatusIdle {
		t.Fatalf("state = %+v", st)
	}

	r.SetSessionID("abc")
	abc := f.next(t)
	r.SetSessionID("")
	if st := r.State(); st.Status != StatusIdle {
		t.Fatalf("state after clear = %+v", st)
	}
	if abc.ctx.Err() == nil {
		t.Fatalf("in-flight fetch not cancelled")
	}
	abc.reply <- row("abc", fixedNow.Add(time.Hour))
	waitDiscarded(t, discarded, "abc")
	if st := r.State(); st.Status != StatusIdle {
		t.Fatalf("state = %+v", st)
	}
}

func TestResolverEmptyIDKeepsSettledState(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("abc")
	f.next(t).reply <- fetchResult{}
	waitSettled(t, r)

	r.SetSessionID("")
	if st := r.State(); st.Status != StatusErrored || st.SessionID != "abc" {
		t.Fatalf("state = %+v", st)
	}
	// the old id is no longer current, so choosing it again fetches
	r.SetSessionID("abc")
	f.next(t).reply <- row("abc", fixedNow.Add(time.Hour))
	if st := waitSettled(t, r); st.Status != StatusReady {
		t.Fatalf("state = %+v", st)
	}
}

func TestResolverCloseFreezesState(t *testing.T) {
	f := newScriptedFetcher()
	r, discarded := newTestResolver(f)
	updates, _ := r.Subscribe()

	r.SetSessionID("abc")
	c := f.next(t)
	r.Close()

	c.reply <- row("abc", fixedNow.Add(time.Hour))
	waitDiscarded(t, discarded, "abc")
	if st := r.State(); st.Status != StatusLoading {
		t.Fatalf("state mutated after close: %+v", st)
	}

	r.SetSessionID("xyz")
	r.Reload()
	f.assertIdle(t)
	if _, err := r.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("wait after close err = %v", err)
	}

	for range updates {
	}
}

func TestResolverSubscribeKeepsLatest(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()
	updates, cancel := r.Subscribe()
	defer cancel()

	r.SetSessionID("abc")
	f.next(t).reply <- row("abc", fixedNow.Add(time.Hour))
	waitSettled(t, r)

	select {
	case st := <-updates:
		if st.Status != StatusReady {
			t.Fatalf("latest update = %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
}

func TestResolverStateIsACopy(t *testing.T) {
	f := newScriptedFetcher()
	r, _ := newTestResolver(f)
	defer r.Close()

	r.SetSessionID("abc")
	res := row("abc", fixedNow.Add(time.Hour))
	res.row.UploadedFiles = []string{"abc/1-a.jpg"}
	f.next(t).reply <- res
	st := waitSettled(t, r)
	st.Session.UploadedFiles[0] = "mutated"

	if again := r.State(); again.Session.UploadedFiles[0] != "abc/1-a.jpg" {
		t.Fatalf("state aliased: %v", again.Session.UploadedFiles)
	}
}
