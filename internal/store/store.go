// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/aess/internal/domain"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("not found")

// AuthSessionStore persists authenticated login sessions keyed by token.
type AuthSessionStore interface {
	// CreateAuthSession issues a fresh token and persists the session row.
	CreateAuthSession(ctx context.Context, identity, displayName, role string) (*domain.AuthSession, error)

	// GetAuthSession returns ErrNotFound if the token is unknown.
	GetAuthSession(ctx context.Context, token string) (*domain.AuthSession, error)

	// TouchAuthSession refreshes last activity. Unknown tokens are not an error.
	TouchAuthSession(ctx context.Context, token string) error

	// DeleteAuthSession removes the session. Unknown tokens are not an error.
	DeleteAuthSession(ctx context.Context, token string) error

	// ListAuthSessions returns all sessions, most recently active first.
	ListAuthSessions(ctx context.Context) ([]*domain.AuthSession, error)

	// DeleteIdleAuthSessions removes sessions inactive for longer than idle.
	DeleteIdleAuthSessions(ctx context.Context, idle time.Duration) (int64, error)
}

// ConversationStore persists conversation state bags.
// Writes replace the whole state; there is no field-level patch.
type ConversationStore interface {
	PutConversation(ctx context.Context, session *domain.ConversationSession) error
	GetConversation(ctx context.Context, key domain.ConversationKey) (*domain.ConversationSession, error)
}

// HistoryAppender is implemented by stores that can append to the
// interaction history in a single atomic write.
type HistoryAppender interface {
	AppendHistory(ctx context.Context, key domain.ConversationKey, entry domain.HistoryEntry) error
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	AuthSessionStore
	ConversationStore
	HistoryAppender

	// DeleteOrphanConversations removes conversation rows whose auth session
	// is gone and that were not updated within olderThan.
	DeleteOrphanConversations(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
