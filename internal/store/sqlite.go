package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db             *sql.DB
	conversationMu sync.Mutex // serializes conversation writes to avoid SQLITE_BUSY
	retry          shared.RetryPolicy
	now            func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers during streaming turns.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		retry: shared.DefaultRetryPolicy,
		now:   func() time.Time { return time.Now().UTC() },
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS auth_sessions (
		session_id TEXT PRIMARY KEY,
		user_email TEXT NOT NULL,
		user_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_auth_sessions_last_activity ON auth_sessions(last_activity);

	CREATE TABLE IF NOT EXISTS conversation_sessions (
		app_name TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		state_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (app_name, user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_sessions_updated ON conversation_sessions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, name, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, name, func(ctx context.Context) error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// CreateAuthSession issues a new token and persists the session.
func (s *SQLiteStore) CreateAuthSession(ctx context.Context, identity, displayName, role string) (*domain.AuthSession, error) {
	now := s.now().Truncate(time.Millisecond)
	session := &domain.AuthSession{
		Token:          uuid.NewString(),
		Identity:       identity,
		DisplayName:    displayName,
		Role:           role,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	query := `
		INSERT INTO auth_sessions (session_id, user_email, user_name, role, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, "create_auth_session", query,
		session.Token, session.Identity, session.DisplayName, session.Role,
		now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("insert auth session: %w", err)
	}
	return session, nil
}

// GetAuthSession retrieves a session by token.
func (s *SQLiteStore) GetAuthSession(ctx context.Context, token string) (*domain.AuthSession, error) {
	query := `
		SELECT session_id, user_email, user_name, role, created_at, last_activity
		FROM auth_sessions WHERE session_id = ?`

	session, err := scanAuthSession(s.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth session: %w", err)
	}
	return session, nil
}

// TouchAuthSession sets last_activity to now.
func (s *SQLiteStore) TouchAuthSession(ctx context.Context, token string) error {
	query := `UPDATE auth_sessions SET last_activity = ? WHERE session_id = ?`
	result, err := s.exec(ctx, "touch_auth_session", query, s.now().UnixMilli(), token)
	if err != nil {
		return fmt.Errorf("touch auth session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Debug("TouchAuthSession affected 0 rows", "session_id", token)
	}
	return nil
}

// DeleteAuthSession removes a session; deleting an unknown token is a no-op.
func (s *SQLiteStore) DeleteAuthSession(ctx context.Context, token string) error {
	if _, err := s.exec(ctx, "delete_auth_session", `DELETE FROM auth_sessions WHERE session_id = ?`, token); err != nil {
		return fmt.Errorf("delete auth session: %w", err)
	}
	return nil
}

// ListAuthSessions returns every session ordered by last activity, newest first.
func (s *SQLiteStore) ListAuthSessions(ctx context.Context) ([]*domain.AuthSession, error) {
	query := `
		SELECT session_id, user_email, user_name, role, created_at, last_activity
		FROM auth_sessions ORDER BY last_activity DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query auth sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close auth session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.AuthSession
	for rows.Next() {
		session, err := scanAuthSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auth session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auth sessions: %w", err)
	}
	return sessions, nil
}

// DeleteIdleAuthSessions removes sessions idle for longer than idle.
func (s *SQLiteStore) DeleteIdleAuthSessions(ctx context.Context, idle time.Duration) (int64, error) {
	threshold := s.now().Add(-idle).UnixMilli()
	result, err := s.exec(ctx, "delete_idle_auth_sessions", `DELETE FROM auth_sessions WHERE last_activity < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete idle auth sessions: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthSession(row rowScanner) (*domain.AuthSession, error) {
	var session domain.AuthSession
	var createdAt, lastActivity int64
	if err := row.Scan(
		&session.Token, &session.Identity, &session.DisplayName, &session.Role,
		&createdAt, &lastActivity,
	); err != nil {
		return nil, err
	}
	session.CreatedAt = time.UnixMilli(createdAt).UTC()
	session.LastActivityAt = time.UnixMilli(lastActivity).UTC()
	return &session, nil
}

// PutConversation creates or replaces the whole conversation state.
func (s *SQLiteStore) PutConversation(ctx context.Context, session *domain.ConversationSession) error {
	s.conversationMu.Lock()
	defer s.conversationMu.Unlock()

	state := session.State
	if state == nil {
		state = domain.StateBag{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}

	now := s.now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO conversation_sessions (app_name, user_id, session_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(app_name, user_id, session_id) DO UPDATE SET
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`

	if _, err := s.exec(ctx, "put_conversation", query,
		session.Key.AppName, session.Key.UserID, session.Key.SessionID,
		string(stateJSON), createdAt.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves the conversation state for key.
func (s *SQLiteStore) GetConversation(ctx context.Context, key domain.ConversationKey) (*domain.ConversationSession, error) {
	query := `
		SELECT state_json, created_at, updated_at
		FROM conversation_sessions WHERE app_name = ? AND user_id = ? AND session_id = ?`

	var stateJSON string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, key.AppName, key.UserID, key.SessionID).
		Scan(&stateJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	state := domain.StateBag{}
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}

	return &domain.ConversationSession{
		Key:       key,
		State:     state,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// AppendHistory pushes entry onto interaction_history in one UPDATE, so
// concurrent appends to the same conversation cannot overwrite each other.
func (s *SQLiteStore) AppendHistory(ctx context.Context, key domain.ConversationKey, entry domain.HistoryEntry) error {
	s.conversationMu.Lock()
	defer s.conversationMu.Unlock()

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	query := `
		UPDATE conversation_sessions
		SET state_json = json_insert(
				CASE WHEN json_type(state_json, '$.interaction_history') = 'array'
					THEN state_json
					ELSE json_set(state_json, '$.interaction_history', json('[]'))
				END,
				'$.interaction_history[#]', json(?)),
			updated_at = ?
		WHERE app_name = ? AND user_id = ? AND session_id = ?`

	result, err := s.exec(ctx, "append_history", query,
		string(entryJSON), s.now().UnixMilli(),
		key.AppName, key.UserID, key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOrphanConversations removes conversations left behind by deleted auth sessions.
func (s *SQLiteStore) DeleteOrphanConversations(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.conversationMu.Lock()
	defer s.conversationMu.Unlock()

	threshold := s.now().Add(-olderThan).UnixMilli()
	query := `
		DELETE FROM conversation_sessions
		WHERE updated_at < ?
		  AND session_id NOT IN (SELECT session_id FROM auth_sessions)`
	result, err := s.exec(ctx, "delete_orphan_conversations", query, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete orphan conversations: %w", err)
	}
	return result.RowsAffected()
}
