package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/internal/usertoken"
	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/queue"
	"whatsgonow/pkg/storage"
	"whatsgonow/pkg/store"
	"whatsgonow/services/sessions/internal/app"
)

// staticVerifier accepts "token-<user>".
type staticVerifier struct{}

func (staticVerifier) Verify(_ context.Context, raw string) (usertoken.Identity, error) {
	user, ok := strings.CutPrefix(raw, "token-")
	if !ok || user == "" {
		return usertoken.Identity{}, usertoken.ErrInvalidToken
	}
	return usertoken.Identity{UserID: user}, nil
}

type fixture struct {
	h    http.Handler
	rows *store.MemoryStore
	rdb  *redis.Client
}

func newFixture(t *testing.T, uploadLimit int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := queue.NewRedisQueue(rdb, queue.Config{Stream: "test:completed"}, nil)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	rows := store.NewMemoryStore()
	a, err := app.New(context.Background(), app.Config{
		Sessions:          rows,
		Objects:           storage.NewMemoryStore(),
		Jobs:              q,
		AllowedExtensions: []string{".png", ".jpg"},
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	cfg := Config{App: a, TokenVerifier: staticVerifier{}, MaxUploadBytes: 1024}
	if uploadLimit > 0 {
		cfg.UploadLimiter, err = ratelimit.NewWindow(rdb, "test:rl:upload", uploadLimit, time.Minute)
		if err != nil {
			t.Fatalf("limiter: %v", err)
		}
	}
	return &fixture{h: New(cfg).Router(), rows: rows, rdb: rdb}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) upload(t *testing.T, id, name string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func (f *fixture) create(t *testing.T, ttl string) domain.UploadSession {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/sessions", "token-u1", map[string]string{"target": "order-7", "ttl": ttl})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	return decode[domain.UploadSession](t, rec)
}

func TestCreateRequiresBearer(t *testing.T) {
	f := newFixture(t, 0)
	if rec := f.do(t, http.MethodPost, "/sessions", "", map[string]string{"target": "x"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/sessions", "garbage", map[string]string{"target": "x"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/sessions", "token-u1", map[string]string{"target": "x", "ttl": "-1h"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative ttl status = %d", rec.Code)
	}
}

func TestGetReturnsRowShape(t *testing.T) {
	f := newFixture(t, 0)
	us := f.create(t, "2h")

	rec := f.do(t, http.MethodGet, "/sessions/"+us.SessionID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	row := decode[map[string]any](t, rec)
	for _, field := range []string{"session_id", "user_id", "target", "expires_at", "uploaded_files", "completed"} {
		if _, ok := row[field]; !ok {
			t.Fatalf("row missing %s: %v", field, row)
		}
	}
	if row["user_id"] != "u1" {
		t.Fatalf("user_id = %v", row["user_id"])
	}

	rec = f.do(t, http.MethodGet, "/sessions/does-not-exist", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["error"] != "session not found" {
		t.Fatalf("missing body = %v", body)
	}
}

func TestUploadCompleteFlow(t *testing.T) {
	f := newFixture(t, 0)
	us := f.create(t, "")

	rec := f.upload(t, us.SessionID, "photo.png", []byte("png"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d body=%s", rec.Code, rec.Body.String())
	}
	key := decode[map[string]string](t, rec)["key"]
	name := strings.TrimPrefix(key, us.SessionID+"/")

	rec = f.do(t, http.MethodGet, "/sessions/"+us.SessionID+"/files/"+name+"/url", "token-u1", nil)
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["url"] == "" {
		t.Fatalf("url status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/sessions/"+us.SessionID+"/files/"+name+"/url", "token-u2", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger url status = %d", rec.Code)
	}

	if rec := f.upload(t, us.SessionID, "virus.exe", []byte("x")); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad extension status = %d", rec.Code)
	}
	if rec := f.upload(t, us.SessionID, "big.png", bytes.Repeat([]byte("x"), 4096)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/sessions/"+us.SessionID+"/complete", "", nil)
	if rec.Code != http.StatusOK || !decode[domain.UploadSession](t, rec).Completed {
		t.Fatalf("complete status = %d", rec.Code)
	}
	if rec := f.upload(t, us.SessionID, "late.png", []byte("x")); rec.Code != http.StatusConflict {
		t.Fatalf("upload after complete status = %d", rec.Code)
	}
	if n, err := f.rdb.XLen(context.Background(), "test:completed").Result(); err != nil || n != 1 {
		t.Fatalf("stream length = %d, %v", n, err)
	}
}

func TestUploadToExpiredSessionIsGone(t *testing.T) {
	f := newFixture(t, 0)
	err := f.rows.CreateUploadSession(context.Background(), domain.UploadSession{
		SessionID: "old", UserID: "u1", Target: "order-1",
		ExpiresAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if rec := f.upload(t, "old", "a.png", []byte("x")); rec.Code != http.StatusGone {
		t.Fatalf("expired upload status = %d", rec.Code)
	}
	// reads stay verbatim
	if rec := f.do(t, http.MethodGet, "/sessions/old", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expired read status = %d", rec.Code)
	}
}

func TestUploadRateLimitedPerIP(t *testing.T) {
	f := newFixture(t, 1)
	us := f.create(t, "")
	if rec := f.upload(t, us.SessionID, "a.png", []byte("x")); rec.Code != http.StatusCreated {
		t.Fatalf("first upload status = %d", rec.Code)
	}
	rec := f.upload(t, us.SessionID, "b.png", []byte("x"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}
