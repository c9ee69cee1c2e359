package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"whatsgonow/pkg/domain"
)

const (
	migrateLockID      int64 = 51170001
	firstAccountLockID int64 = 51170002
)

// GormStore implements Accounts and UploadSessions on Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and migrates the schema under an advisory lock so
// replicas can start concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	err = withAdvisoryLock(db, migrateLockID, func() error {
		return db.AutoMigrate(&UserModel{}, &ProfileModel{}, &UploadSessionModel{})
	})
	if err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withAdvisoryLock(db *gorm.DB, lockID int64, fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := advisory(ctx, conn, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		_ = advisory(ctx, conn, "SELECT pg_advisory_unlock($1)", lockID)
	}()
	return fn()
}

func advisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

func (s *GormStore) CreateAccount(ctx context.Context, u domain.User, p domain.Profile) (domain.Profile, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serializes the first-account promotion.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", firstAccountLockID).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&UserModel{}).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			p.Role = domain.RoleAdmin
		}
		um := userToModel(u)
		if err := tx.Create(&um).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}
			return err
		}
		pm := profileToModel(p)
		return tx.Create(&pm).Error
	})
	if err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

func (s *GormStore) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).First(&m, "email = ?", normalizeEmail(email)).Error; err != nil {
		return domain.User{}, notFound(err)
	}
	return userFromModel(m), nil
}

func (s *GormStore) UserByID(ctx context.Context, id string) (domain.User, error) {
	var m UserModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.User{}, notFound(err)
	}
	return userFromModel(m), nil
}

func (s *GormStore) SetUserStatus(ctx context.Context, id string, status domain.UserStatus) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ProfileByUserID(ctx context.Context, userID string) (domain.Profile, error) {
	var m ProfileModel
	if err := s.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error; err != nil {
		return domain.Profile{}, notFound(err)
	}
	return profileFromModel(m), nil
}

func (s *GormStore) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (domain.Profile, error) {
	var out domain.Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m ProfileModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "user_id = ?", userID).Error; err != nil {
			return notFound(err)
		}
		p := profileFromModel(m)
		applyProfileUpdate(&p, upd, time.Now().UTC())
		pm := profileToModel(p)
		if err := tx.Save(&pm).Error; err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *GormStore) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	var models []ProfileModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Profile, 0, len(models))
	for _, m := range models {
		out = append(out, profileFromModel(m))
	}
	return out, nil
}

func (s *GormStore) CreateUploadSession(ctx context.Context, us domain.UploadSession) error {
	m, err := uploadSessionToModel(us)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateSession
		}
		return err
	}
	return nil
}

func (s *GormStore) UploadSession(ctx context.Context, id string) (domain.UploadSession, error) {
	var m UploadSessionModel
	if err := s.db.WithContext(ctx).First(&m, "session_id = ?", id).Error; err != nil {
		return domain.UploadSession{}, notFound(err)
	}
	return uploadSessionFromModel(m)
}

func (s *GormStore) AppendUploadedFile(ctx context.Context, id, key string, now time.Time) (domain.UploadSession, error) {
	return s.mutateUploadSession(ctx, id, func(us *domain.UploadSession) error {
		if err := checkWritable(*us, now); err != nil {
			return err
		}
		us.UploadedFiles = append(us.UploadedFiles, key)
		return nil
	})
}

func (s *GormStore) CompleteUploadSession(ctx context.Context, id string, now time.Time) (domain.UploadSession, error) {
	return s.mutateUploadSession(ctx, id, func(us *domain.UploadSession) error {
		if err := checkWritable(*us, now); err != nil {
			return err
		}
		us.Completed = true
		return nil
	})
}

// mutateUploadSession runs fn against the row while holding FOR UPDATE.
func (s *GormStore) mutateUploadSession(ctx context.Context, id string, fn func(*domain.UploadSession) error) (domain.UploadSession, error) {
	var out domain.UploadSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m UploadSessionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "session_id = ?", id).Error; err != nil {
			return notFound(err)
		}
		us, err := uploadSessionFromModel(m)
		if err != nil {
			return err
		}
		if err := fn(&us); err != nil {
			return err
		}
		files, err := json.Marshal(us.UploadedFiles)
		if err != nil {
			return err
		}
		if err := tx.Model(&UploadSessionModel{}).Where("session_id = ?", id).Updates(map[string]any{
			"uploaded_files": datatypes.JSON(files),
			"completed":      us.Completed,
			"updated_at":     time.Now().UTC(),
		}).Error; err != nil {
			return err
		}
		out = us
		return nil
	})
	return out, err
}

func checkWritable(us domain.UploadSession, now time.Time) error {
	if us.Completed {
		return ErrUploadCompleted
	}
	if us.ExpiredAt(now) {
		return ErrUploadExpired
	}
	return nil
}

func applyProfileUpdate(p *domain.Profile, upd ProfileUpdate, now time.Time) {
	if upd.Name != nil {
		p.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Region != nil {
		p.Region = strings.TrimSpace(*upd.Region)
	}
	if upd.Role != nil {
		p.Role = *upd.Role
	}
	p.UpdatedAt = now
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        normalizeEmail(u.Email),
		PasswordHash: u.PasswordHash,
		Status:       string(u.Status),
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Status:       status,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func profileToModel(p domain.Profile) ProfileModel {
	return ProfileModel{
		UserID:    p.UserID,
		Email:     normalizeEmail(p.Email),
		Name:      p.Name,
		Region:    p.Region,
		Role:      string(p.Role),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func profileFromModel(m ProfileModel) domain.Profile {
	return domain.Profile{
		UserID:    m.UserID,
		Email:     m.Email,
		Name:      m.Name,
		Region:    m.Region,
		Role:      domain.Role(m.Role),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func uploadSessionToModel(us domain.UploadSession) (UploadSessionModel, error) {
	files := us.UploadedFiles
	if files == nil {
		files = []string{}
	}
	raw, err := json.Marshal(files)
	if err != nil {
		return UploadSessionModel{}, err
	}
	return UploadSessionModel{
		SessionID:     us.SessionID,
		UserID:        us.UserID,
		Target:        us.Target,
		ExpiresAt:     us.ExpiresAt.UTC(),
		UploadedFiles: datatypes.JSON(raw),
		Completed:     us.Completed,
		CreatedAt:     us.CreatedAt,
	}, nil
}

func uploadSessionFromModel(m UploadSessionModel) (domain.UploadSession, error) {
	files := []string{}
	if len(m.UploadedFiles) > 0 {
		if err := json.Unmarshal(m.UploadedFiles, &files); err != nil {
			return domain.UploadSession{}, fmt.Errorf("decode uploaded_files: %w", err)
		}
	}
	return domain.UploadSession{
		SessionID:     m.SessionID,
		UserID:        m.UserID,
		Target:        m.Target,
		ExpiresAt:     m.ExpiresAt.UTC(),
		UploadedFiles: files,
		Completed:     m.Completed,
		CreatedAt:     m.CreatedAt.UTC(),
	}, nil
}
