package domain

import (
	"strings"
	"time"
)

// Role is the permission tier that decides which dashboard a user lands on.
type Role string

const (
	RoleSenderPrivate  Role = "sender_private"
	RoleSenderBusiness Role = "sender_business"
	RoleDriver         Role = "driver"
	RoleCM             Role = "cm"
	RoleAdmin          Role = "admin"
	RoleAdminLimited   Role = "admin_limited"
)

// KnownRoles lists every role the marketplace recognizes.
var KnownRoles = []Role{
	RoleSenderPrivate,
	RoleSenderBusiness,
	RoleDriver,
	RoleCM,
	RoleAdmin,
	RoleAdminLimited,
}

// ParseRole normalizes raw input into a known role.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range KnownRoles {
		if role == known {
			return role, true
		}
	}
	return "", false
}

// IsAdmin reports whether the role has any admin privileges.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin || r == RoleAdminLimited
}

// SelfServiceRole reports whether users may pick the role at signup.
func (r Role) SelfServiceRole() bool {
	switch r {
	case RoleSenderPrivate, RoleSenderBusiness, RoleDriver:
		return true
	default:
		return false
	}
}

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Profile is the application-level user record carrying the role.
type Profile struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Region    string    `json:"region,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UploadSession is a short-lived guest upload context. The JSON shape is the
// row shape exchanged with clients.
type UploadSession struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	Target        string    `json:"target"`
	ExpiresAt     time.Time `json:"expires_at"`
	UploadedFiles []string  `json:"uploaded_files"`
	Completed     bool      `json:"completed"`
	CreatedAt     time.Time `json:"created_at"`
}

// ExpiredAt reports whether the session no longer accepts uploads at now.
func (s UploadSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
