package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsgonow/internal/ratelimit"
	"whatsgonow/internal/usertoken"
	"whatsgonow/internal/util"
	"whatsgonow/services/sessions/internal/app"
)

// TokenVerifier checks bearer tokens. *usertoken.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	UploadLimiter  *ratelimit.Window
	TrustedProxies util.ProxyAllowlist
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for guest upload sessions.
type Server struct {
	app            *app.App
	verifier       TokenVerifier
	uploadLimiter  *ratelimit.Window
	proxies        util.ProxyAllowlist
	mux            *http.ServeMux
	maxUploadBytes int64
}

func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.TokenVerifier,
		uploadLimiter:  cfg.UploadLimiter,
		proxies:        cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the handler with the shared middleware stack.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog("sessions"),
		util.WithSecurityHeaders,
		util.WithCORS,
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/sessions", s.withUser(s.handleCreate))
	s.mux.HandleFunc("/sessions/", s.handleSessionByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, usertoken.Identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("token_rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, id)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req createRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var ttl time.Duration
	if strings.TrimSpace(req.TTL) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(req.TTL))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		if d <= 0 {
			writeError(w, http.StatusBadRequest, app.ErrInvalidTTL.Error())
			return
		}
		ttl = d
	}
	us, err := s.app.Create(r.Context(), user.UserID, req.Target, ttl)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, us)
}

// handleSessionByID dispatches /sessions/{id}[/files[/{name}/url]|/complete].
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleGet(w, r, id)
	case len(parts) == 2 && parts[1] == "files":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleUpload(w, r, id)
	case len(parts) == 2 && parts[1] == "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleComplete(w, r, id)
	case len(parts) == 4 && parts[1] == "files" && parts[3] == "url":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		name := parts[2]
		s.withUser(func(w http.ResponseWriter, r *http.Request, user usertoken.Identity) {
			s.handleFileURL(w, r, user, id, name)
		}).ServeHTTP(w, r)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	us, err := s.app.Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, id string) {
	if s.limited(w, r, s.uploadLimiter, "sessions.upload") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	key, err := s.app.UploadFile(r.Context(), id, header.Filename, file, header.Size)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	us, err := s.app.Complete(r.Context(), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request, user usertoken.Identity, id, name string) {
	u, err := s.app.FileURL(r.Context(), user.UserID, id, name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		notFound(w, app.ErrSessionNotFound.Error())
	case errors.Is(err, app.ErrFileNotFound):
		notFound(w, app.ErrFileNotFound.Error())
	case errors.Is(err, app.ErrSessionExpired):
		writeError(w, http.StatusGone, app.ErrSessionExpired.Error())
	case errors.Is(err, app.ErrSessionCompleted):
		writeError(w, http.StatusConflict, app.ErrSessionCompleted.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrTargetRequired),
		errors.Is(err, app.ErrInvalidTTL),
		errors.Is(err, app.ErrFilenameRequired),
		errors.Is(err, app.ErrUnsupportedFileType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
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
	util.LoggerFromContext(r.Context()).Warn("security_event", "event", event, "outcome", "rate_limited", "ip", ip)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return true
}

type createRequest struct {
	Target string `json:"target"`
	TTL    string `json:"ttl"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return token, token != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
