package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"whatsgonow/internal/util"
	"whatsgonow/pkg/domain"
	"whatsgonow/pkg/guestsession"
	"whatsgonow/pkg/queue"
	"whatsgonow/pkg/storage"
	"whatsgonow/pkg/store"
)

// Jobs accepts completion jobs. *queue.RedisQueue satisfies it.
type Jobs interface {
	Enqueue(ctx context.Context, job queue.CompletionJob) (queue.CompletionJob, error)
}

// Config holds runtime configuration for the core application. Sessions and
// Objects are built from DatabaseURL and Minio when left nil.
type Config struct {
	DatabaseURL string
	Minio       storage.MinioConfig

	Sessions store.UploadSessions
	Objects  storage.ObjectStore
	Jobs     Jobs

	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	PresignExpiry     time.Duration
	AllowedExtensions []string
	Now               func() time.Time
	Logger            *slog.Logger
}

// App owns guest upload sessions: rows, stored files and completion jobs.
type App struct {
	sessions      store.UploadSessions
	objects       storage.ObjectStore
	jobs          Jobs
	defaultTTL    time.Duration
	maxTTL        time.Duration
	presignExpiry time.Duration
	allowed       map[string]struct{}
	now           func() time.Time
	logger        *slog.Logger
}

func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Jobs == nil {
		return nil, errors.New("completion queue required")
	}
	sessions := cfg.Sessions
	if sessions == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		sessions = gs
	}
	objects := cfg.Objects
	if objects == nil {
		ms, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		objects = ms
	}

	a := &App{
		sessions:      sessions,
		objects:       objects,
		jobs:          cfg.Jobs,
		defaultTTL:    cfg.DefaultTTL,
		maxTTL:        cfg.MaxTTL,
		presignExpiry: cfg.PresignExpiry,
		now:           cfg.Now,
		logger:        cfg.Logger,
	}
	if a.defaultTTL <= 0 {
		a.defaultTTL = 48 * time.Hour
	}
	if a.maxTTL <= 0 {
		a.maxTTL = 7 * 24 * time.Hour
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = 15 * time.Minute
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if len(cfg.AllowedExtensions) > 0 {
		a.allowed = make(map[string]struct{}, len(cfg.AllowedExtensions))
		for _, ext := range cfg.AllowedExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			a.allowed[ext] = struct{}{}
		}
	}
	return a, nil
}

// Create opens a new upload session owned by ownerID. A zero ttl selects the
// default lifetime.
func (a *App) Create(ctx context.Context, ownerID, target string, ttl time.Duration) (domain.UploadSession, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.UploadSession{}, ErrTargetRequired
	}
	if ttl == 0 {
		ttl = a.defaultTTL
	}
	if ttl < 0 || ttl > a.maxTTL {
		return domain.UploadSession{}, ErrInvalidTTL
	}
	now := a.now().UTC()
	us := domain.UploadSession{
		SessionID:     util.NewToken(),
		UserID:        ownerID,
		Target:        target,
		ExpiresAt:     now.Add(ttl),
		UploadedFiles: []string{},
		CreatedAt:     now,
	}
	if err := a.sessions.CreateUploadSession(ctx, us); err != nil {
		return domain.UploadSession{}, fmt.Errorf("create session: %w", err)
	}
	a.logger.Info("upload_session_created", "session_id", us.SessionID, "user_id", ownerID, "expires_at", us.ExpiresAt)
	return us, nil
}

// Get returns the row verbatim, expired or not.
func (a *App) Get(ctx context.Context, id string) (domain.UploadSession, error) {
	us, err := a.sessions.UploadSession(ctx, id)
	if err != nil {
		return domain.UploadSession{}, mapStoreErr(err)
	}
	return us, nil
}

// UploadFile stores r under a collision-free key inside the session and
// records the key on the row.
func (a *App) UploadFile(ctx context.Context, id, filename string, r io.Reader, size int64) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return "", ErrFilenameRequired
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !a.extensionAllowed(ext) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
	// Reject dead sessions before spending storage on them.
	us, err := a.sessions.UploadSession(ctx, id)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if us.Completed {
		return "", ErrSessionCompleted
	}
	if us.ExpiredAt(a.now()) {
		return "", ErrSessionExpired
	}

	key := guestsession.GenerateFilePath(id, guestsession.GenerateFileName(name))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}
	if _, err := a.sessions.AppendUploadedFile(ctx, id, key, a.now()); err != nil {
		if delErr := a.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			a.logger.Warn("orphaned_upload", "key", key, "err", delErr)
		}
		return "", mapStoreErr(err)
	}
	return key, nil
}

// Complete closes the session for uploads and enqueues the completion job.
// The row stays completed when enqueueing fails.
func (a *App) Complete(ctx context.Context, id string) (domain.UploadSession, error) {
	now := a.now().UTC()
	us, err := a.sessions.CompleteUploadSession(ctx, id, now)
	if err != nil {
		return domain.UploadSession{}, mapStoreErr(err)
	}
	job, err := a.jobs.Enqueue(ctx, queue.CompletionJob{
		SessionID:   us.SessionID,
		UserID:      us.UserID,
		Target:      us.Target,
		Files:       us.UploadedFiles,
		CompletedAt: now,
	})
	if err != nil {
		a.logger.Error("completion_enqueue_failed", "session_id", id, "err", err)
		return us, nil
	}
	a.logger.Info("upload_session_completed", "session_id", id, "job_id", job.ID, "files", len(us.UploadedFiles))
	return us, nil
}

// FileURL presigns a download URL for one stored file. Only the session owner
// may ask.
func (a *App) FileURL(ctx context.Context, viewerID, id, fileName string) (string, error) {
	us, err := a.sessions.UploadSession(ctx, id)
	if err != nil {
		return "", mapStoreErr(err)
	}
	if us.UserID != viewerID {
		return "", ErrForbidden
	}
	key := guestsession.GenerateFilePath(id, fileName)
	if !slices.Contains(us.UploadedFiles, key) {
		return "", ErrFileNotFound
	}
	u, err := a.objects.PresignGet(ctx, key, a.presignExpiry)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("presign: %w", err)
	}
	return u, nil
}

func (a *App) extensionAllowed(ext string) bool {
	if a.allowed == nil {
		return true
	}
	_, ok := a.allowed[ext]
	return ok
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, store.ErrUploadExpired):
		return ErrSessionExpired
	case errors.Is(err, store.ErrUploadCompleted):
		return ErrSessionCompleted
	default:
		return err
	}
}
