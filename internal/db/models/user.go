package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User represents a human principal in the integrated identity store.
// Username is stored case-folded; Email is optional but unique when present.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID                  string     `bun:"id,pk,type:uuid"`
	Username            string     `bun:"username,notnull,unique"`
	Email               *string    `bun:"email,unique"`
	PasswordHash        string     `bun:"password_hash,notnull"`
	GivenName           string     `bun:"given_name"`
	FamilyName          string     `bun:"family_name"`
	IsActive            bool       `bun:"is_active,notnull,default:true"`
	EmailVerified       bool       `bun:"email_verified,notnull,default:false"`
	MustChangePassword  bool       `bun:"must_change_password,notnull,default:false"`
	FailedLoginAttempts int        `bun:"failed_login_attempts,notnull,default:0"`
	LockedUntil         *time.Time `bun:"locked_until"`
	LastLoginAt         *time.Time `bun:"last_login_at"`
	CreatedAt           time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt           time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

// IsLocked reports whether the account is under a lockout window.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// Session tracks active browser sessions established via /login.
// Only the SHA-256 hash of the session token is stored.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:sess"`

	ID         string    `bun:"id,pk,type:uuid"`
	UserID     string    `bun:"user_id,notnull,type:uuid"`
	TokenHash  string    `bun:"token_hash,notnull,unique"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
	LastUsedAt time.Time `bun:"last_used_at,notnull,default:current_timestamp"`
	UserAgent  *string   `bun:"user_agent"`
	IPAddress  *string   `bun:"ip_address"`
	Revoked    bool      `bun:"revoked,notnull,default:false"`
}

// PasswordHistory keeps the most recent password hashes per user so that
// password reuse can be rejected.
type PasswordHistory struct {
	bun.BaseModel `bun:"table:password_history,alias:ph"`

	ID           string    `bun:"id,pk,type:uuid"`
	UserID       string    `bun:"user_id,notnull,type:uuid"`
	PasswordHash string    `bun:"password_hash,notnull"`
	CreatedAt    time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// PasswordResetRequest is a single-use high-entropy reset token.
// TokenHash stores the SHA-256 hash of the token handed to the user.
type PasswordResetRequest struct {
	bun.BaseModel `bun:"table:password_reset_requests,alias:prr"`

	ID        string    `bun:"id,pk,type:uuid"`
	TokenHash string    `bun:"token_hash,notnull,unique"`
	UserID    string    `bun:"user_id,notnull,type:uuid"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	IsUsed    bool      `bun:"is_used,notnull,default:false"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// EmailVerificationRequest is a single-use token binding a user to the email
// address that was current when the token was issued.
type EmailVerificationRequest struct {
	bun.BaseModel `bun:"table:email_verification_requests,alias:evr"`

	ID        string    `bun:"id,pk,type:uuid"`
	TokenHash string    `bun:"token_hash,notnull,unique"`
	UserID    string    `bun:"user_id,notnull,type:uuid"`
	Email     string    `bun:"email,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	IsUsed    bool      `bun:"is_used,notnull,default:false"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// LoginAttempt is an append-only record of authentication attempts.
type LoginAttempt struct {
	bun.BaseModel `bun:"table:login_attempts,alias:la"`

	ID        string    `bun:"id,pk,type:uuid"`
	Username  string    `bun:"username,notnull"`
	UserID    *string   `bun:"user_id,type:uuid"`
	Success   bool      `bun:"success,notnull"`
	IPAddress string    `bun:"ip_address"`
	UserAgent string    `bun:"user_agent"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
