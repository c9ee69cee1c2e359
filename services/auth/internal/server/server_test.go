package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/store"
	"whatsgonow/services/auth/internal/app"
	"whatsgonow/services/auth/internal/security"
)

const strongPassword = "Sup3r-Secret!x"

func newTestServer(t *testing.T, loginLimit int) http.Handler {
	t.Helper()
	key, err := store.GenerateRSAKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(key, store.JWTConfig{}, store.NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	a, err := app.New(app.Config{
		Accounts:      store.NewMemoryStore(),
		Sessions:      sessions,
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	loginLimiter, err := ratelimit.NewWindow(rdb, "test:rl", loginLimit, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	return New(Config{
		App:          a,
		LoginLimiter: loginLimiter,
		Alerter:      security.NewAuditAlerter(rdb, "test:alerts"),
	}).Router()
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
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
	h.ServeHTTP(rec, req)
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

func signup(t *testing.T, h http.Handler, email, role string) authResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/auth/signup", "", signupRequest{Email: email, Password: strongPassword, Role: role})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup %s = %d %s", email, rec.Code, rec.Body.String())
	}
	return decode[authResponse](t, rec)
}

func TestSignupLoginAndProfile(t *testing.T) {
	h := newTestServer(t, 10)
	admin := signup(t, h, "admin@example.com", "")
	if admin.Profile.Role != domain.RoleAdmin || admin.Token == "" || admin.RefreshToken == "" {
		t.Fatalf("admin = %+v", admin)
	}
	driver := signup(t, h, "driver@example.com", "driver")

	rec := do(t, h, http.MethodPost, "/auth/signup", "", signupRequest{Email: "driver@example.com", Password: strongPassword})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/auth/signup", "", signupRequest{Email: "x@example.com", Password: strongPassword, Role: "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("admin signup = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/auth/login", "", loginRequest{Email: "driver@example.com", Password: strongPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d %s", rec.Code, rec.Body.String())
	}
	login := decode[authResponse](t, rec)

	rec = do(t, h, http.MethodGet, "/auth/me", login.Token, nil)
	if me := decode[domain.User](t, rec); rec.Code != http.StatusOK || me.ID != driver.User.ID {
		t.Fatalf("me = %d %+v", rec.Code, me)
	}
	rec = do(t, h, http.MethodGet, "/auth/profiles/"+driver.User.ID, login.Token, nil)
	if p := decode[domain.Profile](t, rec); p.Role != domain.RoleDriver {
		t.Fatalf("own profile = %+v", p)
	}
	rec = do(t, h, http.MethodGet, "/auth/profiles/"+admin.User.ID, login.Token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign profile = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/auth/profiles/"+driver.User.ID, admin.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin read = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPatch, "/auth/me/profile", login.Token, map[string]string{"name": "Dora"})
	if p := decode[domain.Profile](t, rec); rec.Code != http.StatusOK || p.Name != "Dora" {
		t.Fatalf("patch profile = %d %+v", rec.Code, p)
	}
	if rec := do(t, h, http.MethodGet, "/auth/me", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me = %d", rec.Code)
	}
}

func TestLoginFailureDoesNotRevealAccount(t *testing.T) {
	h := newTestServer(t, 10)
	signup(t, h, "user@example.com", "")

	wrong := do(t, h, http.MethodPost, "/auth/login", "", loginRequest{Email: "user@example.com", Password: "Wrong-Passw0rd!"})
	missing := do(t, h, http.MethodPost, "/auth/login", "", loginRequest{Email: "ghost@example.com", Password: strongPassword})
	if wrong.Code != http.StatusUnauthorized || missing.Code != http.StatusUnauthorized {
		t.Fatalf("codes = %d / %d", wrong.Code, missing.Code)
	}
	if wrong.Body.String() != missing.Body.String() {
		t.Fatalf("bodies differ: %s vs %s", wrong.Body.String(), missing.Body.String())
	}
}

func TestLoginRateLimited(t *testing.T) {
	h := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/auth/login", "", loginRequest{Email: "a@example.com", Password: "x"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d = %d", i, rec.Code)
		}
	}
	rec := do(t, h, http.MethodPost, "/auth/login", "", loginRequest{Email: "a@example.com", Password: "x"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestRefreshAndLogout(t *testing.T) {
	h := newTestServer(t, 10)
	s := signup(t, h, "user@example.com", "")

	rec := do(t, h, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: s.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body.String())
	}
	next := decode[authResponse](t, rec)
	if next.RefreshToken == s.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if rec := do(t, h, http.MethodPost, "/auth/refresh", "", refreshRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty refresh = %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/auth/logout", next.Token, refreshRequest{RefreshToken: next.RefreshToken}); rec.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/auth/me", next.Token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: next.RefreshToken}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	h := newTestServer(t, 10)
	admin := signup(t, h, "admin@example.com", "")
	driver := signup(t, h, "driver@example.com", "driver")

	if rec := do(t, h, http.MethodGet, "/auth/admin/users", driver.Token, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("driver list = %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/auth/admin/users", admin.Token, nil)
	list := decode[struct {
		Items []domain.Profile `json:"items"`
		Count int              `json:"count"`
	}](t, rec)
	if list.Count != 2 {
		t.Fatalf("list = %+v", list)
	}

	rec = do(t, h, http.MethodPatch, "/auth/admin/users/"+driver.User.ID, admin.Token, adminUserUpdateRequest{Role: "admin_limited"})
	if p := decode[domain.Profile](t, rec); rec.Code != http.StatusOK || p.Role != domain.RoleAdminLimited {
		t.Fatalf("promote = %d %+v", rec.Code, p)
	}
	// limited admins can list but not change roles
	if rec := do(t, h, http.MethodGet, "/auth/admin/users", driver.Token, nil); rec.Code != http.StatusOK {
		t.Fatalf("limited list = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPatch, "/auth/admin/users/"+admin.User.ID, driver.Token, adminUserUpdateRequest{Role: "driver"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("limited role change = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPatch, "/auth/admin/users/"+driver.User.ID, admin.Token, adminUserUpdateRequest{Role: "overlord"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role = %d", rec.Code)
	}
}

func TestJWKSEndpoints(t *testing.T) {
	h := newTestServer(t, 10)
	for _, path := range []string{"/auth/jwks", "/.well-known/jwks.json"} {
		rec := do(t, h, http.MethodGet, path, "", nil)
		body := decode[struct {
			Keys []store.JWK `json:"keys"`
		}](t, rec)
		if rec.Code != http.StatusOK || len(body.Keys) != 1 || body.Keys[0].Kty != "RSA" {
			t.Fatalf("%s = %d %+v", path, rec.Code, body)
		}
		if rec.Header().Get("Cache-Control") == "" {
			t.Fatalf("%s missing cache header", path)
		}
	}
}
