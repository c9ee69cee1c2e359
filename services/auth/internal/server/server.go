package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/internal/util"
	"whatsgonow/pkg/auth"
	"whatsgonow/pkg/domain"
	"whatsgonow/services/auth/internal/app"
	"whatsgonow/services/auth/internal/security"
)

// Config wires required dependencies for the HTTP server. Limiters and the
// alerter are optional.
type Config struct {
	App            *app.App
	SignupLimiter  *ratelimit.Window
	LoginLimiter   *ratelimit.Window
	RefreshLimiter *ratelimit.Window
	Alerter        *security.AuditAlerter
	TrustedProxies util.ProxyAllowlist
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app            *app.App
	signupLimiter  *ratelimit.Window
	loginLimiter   *ratelimit.Window
	refreshLimiter *ratelimit.Window
	alerter        *security.AuditAlerter
	proxies        util.ProxyAllowlist
	mux            *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		signupLimiter:  cfg.SignupLimiter,
		loginLimiter:   cfg.LoginLimiter,
		refreshLimiter: cfg.RefreshLimiter,
		alerter:        cfg.Alerter,
		proxies:        cfg.TrustedProxies,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the handler with the shared middleware stack.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog("auth"),
		util.WithSecurityHeaders,
		util.WithCORS,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/auth/me/profile", s.authenticated(s.handleMyProfile))
	s.mux.Handle("/auth/profiles/", s.authenticated(s.handleProfileByID))
	s.mux.HandleFunc("/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	s.mux.Handle("/auth/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("/auth/admin/users/", s.adminOnly(s.handleAdminUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

type adminHandler func(http.ResponseWriter, *http.Request, domain.Profile)

// adminOnly lets both admin tiers through; finer checks live in app.
func (s *Server) adminOnly(next adminHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		actor, err := s.app.ActorProfile(r.Context(), user)
		if err != nil || !actor.Role.IsAdmin() {
			s.audit(r, "auth.admin.authorize", "fail", "user_id", user.ID)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, actor)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(r.Context(), token)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limited(w, r, s.signupLimiter, "auth.signup") {
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grant, err := s.app.SignUp(r.Context(), app.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     req.Role,
	})
	if err != nil {
		s.audit(r, "auth.signup", "fail", "reason", err.Error())
		switch {
		case errors.Is(err, app.ErrEmailAlreadyExists):
			writeError(w, http.StatusConflict, err.Error())
		case isValidationError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeInternal(w, r, err)
		}
		return
	}
	s.audit(r, "auth.signup", "success", "user_id", grant.User.ID, "role", string(grant.Profile.Role))
	writeJSON(w, http.StatusCreated, newAuthResponse(grant))
}

func isValidationError(err error) bool {
	for _, target := range []error{
		app.ErrEmailAndPasswordRequired,
		app.ErrInvalidRole,
		auth.ErrPasswordTooShort,
		auth.ErrPasswordNeedsUpper,
		auth.ErrPasswordNeedsLower,
		auth.ErrPasswordNeedsDigit,
		auth.ErrPasswordNeedsSpecial,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limited(w, r, s.loginLimiter, "auth.login") {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grant, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		if errors.Is(err, app.ErrInvalidCredentials) || errors.Is(err, app.ErrUserDisabled) {
			writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
			return
		}
		writeInternal(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", grant.User.ID)
	writeJSON(w, http.StatusOK, newAuthResponse(grant))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.limited(w, r, s.refreshLimiter, "auth.refresh") {
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	grant, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "auth.refresh", "fail", "reason", err.Error())
		switch {
		case errors.Is(err, app.ErrRefreshTokenRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidRefreshToken):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeInternal(w, r, err)
		}
		return
	}
	s.audit(r, "auth.refresh", "success", "user_id", grant.User.ID)
	writeJSON(w, http.StatusOK, newAuthResponse(grant))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "auth.logout", "fail")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// the refresh token is optional; an empty body is fine
	var req refreshRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.app.Logout(token, req.RefreshToken); err != nil {
		writeInternal(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleMyProfile(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.writeProfile(w, r, user, user.ID)
	case http.MethodPatch:
		var req updateProfileRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Name == nil && req.Region == nil {
			writeError(w, http.StatusBadRequest, "name or region is required")
			return
		}
		p, err := s.app.UpdateMyProfile(r.Context(), user, req.Name, req.Region)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProfileByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/auth/profiles/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.writeProfile(w, r, user, id)
}

func (s *Server) writeProfile(w http.ResponseWriter, r *http.Request, viewer domain.User, userID string) {
	p, err := s.app.Profile(r.Context(), viewer, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, p)
	case errors.Is(err, app.ErrForbidden):
		s.audit(r, "auth.profile.read", "fail", "user_id", viewer.ID, "target", userID)
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	default:
		writeInternal(w, r, err)
	}
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.Profile) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profiles, err := s.app.ListProfiles(r.Context())
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": profiles,
		"count": len(profiles),
	})
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, actor domain.Profile) {
	id := strings.TrimPrefix(r.URL.Path, "/auth/admin/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req adminUserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var role *domain.Role
	if req.Role != "" {
		parsed, ok := domain.ParseRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid role")
			return
		}
		role = &parsed
	}
	var status *domain.UserStatus
	if req.Status != "" {
		parsed, ok := parseUserStatus(req.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}
	if role == nil && status == nil {
		writeError(w, http.StatusBadRequest, "role or status is required")
		return
	}
	updated, err := s.app.AdminUpdateUser(r.Context(), actor, id, role, status)
	switch {
	case err == nil:
		s.audit(r, "auth.admin.update", "success", "user_id", actor.UserID, "target", id)
		writeJSON(w, http.StatusOK, updated)
	case errors.Is(err, app.ErrForbidden):
		s.audit(r, "auth.admin.authorize", "fail", "user_id", actor.UserID, "target", id)
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrSelfChange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeInternal(w, r, err)
	}
}

// limited reports whether the request was rejected by limiter.
func (s *Server) limited(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Window, event string) bool {
	if limiter == nil {
		return false
	}
	ip := util.RemoteClient(r, s.proxies)
	d := limiter.Allow(r.Context(), event+":"+ip)
	if d.Allowed {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	s.audit(r, event, "rate_limited")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return true
}

// audit emits a security_event record and feeds the alerter.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ctx := r.Context()
	logger := util.LoggerFromContext(ctx)
	ip := util.RemoteClient(r, s.proxies)
	args := append([]any{"event", event, "outcome", outcome, "ip", ip}, attrs...)
	level := slog.LevelInfo
	if outcome != "success" {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "security_event", args...)

	res, err := s.alerter.Observe(ctx, event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		logger.Error("security_alert", "event", event, "outcome", outcome, "ip", ip,
			"count", res.Count, "threshold", res.Threshold, "window", res.Window.String())
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type updateProfileRequest struct {
	Name   *string `json:"name"`
	Region *string `json:"region"`
}

type adminUserUpdateRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

type authResponse struct {
	Token        string         `json:"token"`
	RefreshToken string         `json:"refreshToken"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	User         domain.User    `json:"user"`
	Profile      domain.Profile `json:"profile"`
}

func newAuthResponse(g app.Grant) authResponse {
	return authResponse{
		Token:        g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    g.ExpiresAt,
		User:         g.User,
		Profile:      g.Profile,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func parseUserStatus(status string) (domain.UserStatus, bool) {
	switch domain.UserStatus(strings.ToLower(strings.TrimSpace(status))) {
	case domain.StatusActive:
		return domain.StatusActive, true
	case domain.StatusDisabled:
		return domain.StatusDisabled, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
