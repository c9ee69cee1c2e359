package store

import (
	"time"

	"gorm.io/datatypes"
)

type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	Status       string `gorm:"not null;default:active"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type ProfileModel struct {
	UserID    string `gorm:"primaryKey"`
	Email     string `gorm:"not null"`
	Name      string
	Region    string
	Role      string `gorm:"not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProfileModel) TableName() string { return "profiles" }

type UploadSessionModel struct {
	SessionID     string         `gorm:"primaryKey"`
	UserID        string         `gorm:"not null;index"`
	Target        string         `gorm:"not null"`
	ExpiresAt     time.Time      `gorm:"not null;index"`
	UploadedFiles datatypes.JSON `gorm:"type:jsonb;not null"`
	Completed     bool           `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (UploadSessionModel) TableName() string { return "upload_sessions" }
