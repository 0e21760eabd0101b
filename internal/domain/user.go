// Package domain contains core domain types for the AESS support backend.
package domain

import (
	"strings"
	"time"
)

// Roles recognised by the server.
const (
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

// User is an entry of the employee directory used to validate logins.
type User struct {
	Email        string `json:"email" yaml:"email"`
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	PasswordHash string `json:"-" yaml:"password_hash"`
}

// NormalizeEmail returns the canonical identity key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AuthSession is an authenticated login keyed by an opaque token.
type AuthSession struct {
	Token          string    `json:"session_id"`
	Identity       string    `json:"user_email"`
	DisplayName    string    `json:"user_name"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity"`
}

// IdleFor returns how long the session has been inactive as of now.
func (s *AuthSession) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Expired reports whether the session exceeded the idle TTL.
// A zero TTL disables expiry.
func (s *AuthSession) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return s.IdleFor(now) > ttl
}
