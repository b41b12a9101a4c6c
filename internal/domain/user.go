package domain

import "time"

// Role restricts what protected endpoints an identity may reach.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is a known enum value.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Preferences are per-user opt-in flags. Both default to true on registration.
type Preferences struct {
	Newsletter    bool `json:"newsletter"`
	Notifications bool `json:"notifications"`
}

// User is the canonical account record. PasswordHash never leaves the
// service; every outward representation goes through Public().
type User struct {
	ID            string
	FullName      string
	Email         string
	PasswordHash  string
	Phone         *string
	AvatarURL     *string
	Role          Role
	EmailVerified bool
	LastLoginAt   *time.Time
	Preferences   Preferences
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PublicUser is the externally visible projection of a User. It has no
// password hash field at all, so no serializer can leak it.
type PublicUser struct {
	ID            string      `json:"id"`
	FullName      string      `json:"full_name"`
	Email         string      `json:"email"`
	Phone         *string     `json:"phone,omitempty"`
	AvatarURL     *string     `json:"avatar_url,omitempty"`
	Role          Role        `json:"role"`
	EmailVerified bool        `json:"email_verified"`
	LastLoginAt   *time.Time  `json:"last_login_at,omitempty"`
	Preferences   Preferences `json:"preferences"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Public returns the outward projection of the user.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		FullName:      u.FullName,
		Email:         u.Email,
		Phone:         u.Phone,
		AvatarURL:     u.AvatarURL,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
		LastLoginAt:   u.LastLoginAt,
		Preferences:   u.Preferences,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}
