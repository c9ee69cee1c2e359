package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/uploadsession"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backend struct {
	mu       sync.Mutex
	sessions map[string]*domain.UploadSession
	signedIn bool
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) auth(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.URL.Path == "/auth/login":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		b.signedIn = true
		writeJSON(w, http.StatusOK, map[string]any{
			"token":        "access-1",
			"refreshToken": "refresh-1",
			"expiresAt":    epoch.Add(time.Hour),
			"user":         domain.User{ID: "u1", Email: "driver@example.com"},
		})
	case r.URL.Path == "/auth/logout":
		b.signedIn = false
		w.WriteHeader(http.StatusNoContent)
	case strings.HasPrefix(r.URL.Path, "/auth/profiles/"):
		if !b.signedIn || r.Header.Get("Authorization") != "Bearer access-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, domain.Profile{UserID: "u1", Name: "Dana", Role: domain.RoleDriver})
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
}

func (b *backend) sessionsAPI(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.URL.Path == "/sessions" && r.Method == http.MethodPost {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		ttl := 48 * time.Hour
		if raw := body["ttl"]; raw != "" {
			ttl, _ = time.ParseDuration(raw)
		}
		id := fmt.Sprintf("s%d", len(b.sessions)+1)
		us := &domain.UploadSession{SessionID: id, UserID: "u1", Target: body["target"], ExpiresAt: epoch.Add(ttl), UploadedFiles: []string{}}
		b.sessions[id] = us
		writeJSON(w, http.StatusCreated, us)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	us, ok := b.sessions[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, us)
	case action == "files" && r.Method == http.MethodPost:
		_, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file is required"})
			return
		}
		key := id + "/" + hdr.Filename
		us.UploadedFiles = append(us.UploadedFiles, key)
		writeJSON(w, http.StatusCreated, map[string]string{"key": key})
	case action == "complete" && r.Method == http.MethodPost:
		us.Completed = true
		writeJSON(w, http.StatusOK, us)
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	t       *testing.T
	cfgPath string
	dir     string
	be      *backend
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	be := &backend{sessions: map[string]*domain.UploadSession{}}
	authSrv := httptest.NewServer(http.HandlerFunc(be.auth))
	t.Cleanup(authSrv.Close)
	sessSrv := httptest.NewServer(http.HandlerFunc(be.sessionsAPI))
	t.Cleanup(sessSrv.Close)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("authURL: %s\nsessionsURL: %s\ntimeout: 2s\n", authSrv.URL, sessSrv.URL)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return &harness{t: t, cfgPath: cfgPath, dir: dir, be: be, now: epoch}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	now := h.now
	cmd := NewRootCmd(WithClock(func() time.Time { return now }))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", h.cfgPath}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	if err != nil {
		h.t.Fatalf("%v: %v (output %q)", args, err, out)
	}
	return out
}

func TestLoginWhoamiLogout(t *testing.T) {
	h := newHarness(t)

	if _, err := h.run("login", "--email", "driver@example.com", "--password", "nope"); err == nil {
		t.Fatalf("bad password accepted")
	}

	out := h.mustRun("login", "--email", "driver@example.com", "--password", "pw")
	if !strings.Contains(out, "signed in as driver@example.com") || !strings.Contains(out, "-> /dashboard/driver") {
		t.Fatalf("login output = %q", out)
	}

	out = h.mustRun("whoami")
	if !strings.Contains(out, "Dana <driver@example.com> role=driver") || !strings.Contains(out, "-> /dashboard/driver") {
		t.Fatalf("whoami output = %q", out)
	}

	out = h.mustRun("logout")
	if !strings.Contains(out, "signed out") || !strings.Contains(out, "-> /login") {
		t.Fatalf("logout output = %q", out)
	}

	out = h.mustRun("whoami")
	if !strings.Contains(out, "not signed in") || !strings.Contains(out, "-> /login") {
		t.Fatalf("whoami after logout = %q", out)
	}
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	h := newHarness(t)
	cmd := NewRootCmd(WithClock(func() time.Time { return epoch }))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("pw\n"))
	cmd.SetArgs([]string{"--config", h.cfgPath, "login", "--email", "driver@example.com"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out.String(), "signed in") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestGuestCreateRequiresSignIn(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run("guest", "create", "--target", "order:1"); err == nil || !strings.Contains(err.Error(), "not signed in") {
		t.Fatalf("err = %v", err)
	}

	h.mustRun("login", "--email", "driver@example.com", "--password", "pw")
	out := h.mustRun("guest", "create", "--target", "order:1", "--ttl", "30h")
	if !strings.HasPrefix(out, "s1\n") || !strings.Contains(out, "1 day remaining") {
		t.Fatalf("create output = %q", out)
	}
}

func TestGuestOpenUploadComplete(t *testing.T) {
	h := newHarness(t)
	h.be.sessions["live"] = &domain.UploadSession{
		SessionID:     "live",
		Target:        "order:7",
		ExpiresAt:     epoch.Add(5 * time.Hour),
		UploadedFiles: []string{},
	}

	out := h.mustRun("guest", "open", "live")
	if !strings.Contains(out, "target:  order:7") || !strings.Contains(out, "5h remaining") || !strings.Contains(out, "files:   0") {
		t.Fatalf("open output = %q", out)
	}
	if out := h.mustRun("guest", "status"); out != "live 5h remaining\n" {
		t.Fatalf("status = %q", out)
	}

	file := filepath.Join(h.dir, "photo.jpg")
	if err := os.WriteFile(file, []byte("jpeg"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	out = h.mustRun("guest", "upload", "live", file)
	if !strings.Contains(out, "uploaded photo.jpg -> live/photo.jpg") {
		t.Fatalf("upload output = %q", out)
	}

	out = h.mustRun("guest", "complete", "live")
	if !strings.Contains(out, "completed live with 1 file(s)") {
		t.Fatalf("complete output = %q", out)
	}
	if out := h.mustRun("guest", "status"); out != "no guest session\n" {
		t.Fatalf("status after complete = %q", out)
	}
}

func TestGuestOpenInvalidSessionForgetsMarker(t *testing.T) {
	h := newHarness(t)
	h.be.sessions["stale"] = &domain.UploadSession{SessionID: "stale", ExpiresAt: epoch.Add(time.Hour)}

	h.mustRun("guest", "open", "stale")

	h.now = epoch.Add(2 * time.Hour)
	_, err := h.run("guest", "open", "stale")
	if err == nil || err.Error() != uploadsession.InvalidSessionMessage {
		t.Fatalf("err = %v", err)
	}
	if out := h.mustRun("guest", "status"); out != "no guest session\n" {
		t.Fatalf("status = %q", out)
	}

	if _, err := h.run("guest", "open", "missing"); err == nil || err.Error() != uploadsession.InvalidSessionMessage {
		t.Fatalf("missing err = %v", err)
	}
}

func TestGuestUploadRejectsInvalidSession(t *testing.T) {
	h := newHarness(t)
	file := filepath.Join(h.dir, "a.pdf")
	if err := os.WriteFile(file, []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := h.run("guest", "upload", "missing", file); err == nil {
		t.Fatalf("upload into missing session succeeded")
	}
	h.be.mu.Lock()
	n := len(h.be.sessions)
	h.be.mu.Unlock()
	if n != 0 {
		t.Fatalf("sessions = %d", n)
	}
}

func TestLang(t *testing.T) {
	h := newHarness(t)
	if out := h.mustRun("lang"); out != "de\n" {
		t.Fatalf("default lang = %q", out)
	}
	if out := h.mustRun("lang", "en-GB"); out != "en\n" {
		t.Fatalf("set lang = %q", out)
	}
	if out := h.mustRun("lang"); out != "en\n" {
		t.Fatalf("stored lang = %q", out)
	}
	if _, err := h.run("lang", "fr"); err == nil {
		t.Fatalf("unsupported language accepted")
	}
}

func TestLoadConfigDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")
	t.Setenv("WHATSGONOW_SESSIONS_URL", "http://sessions.internal")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthURL != defaultAuthURL || cfg.SessionsURL != "http://sessions.internal" {
		t.Fatalf("urls = %q %q", cfg.AuthURL, cfg.SessionsURL)
	}
	if cfg.DataPath != filepath.Join(dir, "device.db") || cfg.LogLevel != "warn" {
		t.Fatalf("cfg = %+v", cfg)
	}

	t.Setenv("WHATSGONOW_TIMEOUT", "soon")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("invalid timeout accepted")
	}
}
