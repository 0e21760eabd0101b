package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "aess.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo.(*SQLiteStore)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAuthSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	created, err := s.CreateAuthSession(ctx, "demo@company.com", "Demo User", "employee")
	require.NoError(t, err)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, created.CreatedAt, created.LastActivityAt)

	got, err := s.GetAuthSession(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, "demo@company.com", got.Identity)
	assert.Equal(t, "Demo User", got.DisplayName)
	assert.Equal(t, "employee", got.Role)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))

	clock.Advance(time.Minute)
	require.NoError(t, s.TouchAuthSession(ctx, created.Token))

	got, err = s.GetAuthSession(ctx, created.Token)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(clock.Now()))
	assert.True(t, got.CreatedAt.Before(got.LastActivityAt))

	require.NoError(t, s.DeleteAuthSession(ctx, created.Token))
	_, err = s.GetAuthSession(ctx, created.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthSessionTokensAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		session, err := s.CreateAuthSession(ctx, "demo@company.com", "Demo User", "employee")
		require.NoError(t, err)
		require.False(t, seen[session.Token], "duplicate token %s", session.Token)
		seen[session.Token] = true
	}
}

func TestTouchUnknownTokenIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.TouchAuthSession(context.Background(), "missing"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	session, err := s.CreateAuthSession(ctx, "a@company.com", "A", "employee")
	require.NoError(t, err)

	require.NoError(t, s.DeleteAuthSession(ctx, session.Token))
	require.NoError(t, s.DeleteAuthSession(ctx, session.Token))

	sessions, err := s.ListAuthSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListAuthSessionsOrderedByActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	first, err := s.CreateAuthSession(ctx, "a@company.com", "A", "employee")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := s.CreateAuthSession(ctx, "b@company.com", "B", "employee")
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, s.TouchAuthSession(ctx, first.Token))

	sessions, err := s.ListAuthSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.Token, sessions[0].Token)
	assert.Equal(t, second.Token, sessions[1].Token)
}

func TestDeleteIdleAuthSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	stale, err := s.CreateAuthSession(ctx, "a@company.com", "A", "employee")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	fresh, err := s.CreateAuthSession(ctx, "b@company.com", "B", "employee")
	require.NoError(t, err)

	deleted, err := s.DeleteIdleAuthSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.GetAuthSession(ctx, stale.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAuthSession(ctx, fresh.Token)
	assert.NoError(t, err)
}

func testKey(sessionID string) domain.ConversationKey {
	return domain.ConversationKey{AppName: "AESS", UserID: "demo@company.com", SessionID: sessionID}
}

func TestConversationPutGetPreservesUnknownKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	state, err := domain.NewConversationState("Demo User", "demo@company.com", "employee")
	require.NoError(t, err)
	state["leave_request"] = json.RawMessage(`{"days":3,"approved":false}`)

	require.NoError(t, s.PutConversation(ctx, &domain.ConversationSession{Key: testKey("t1"), State: state}))

	got, err := s.GetConversation(ctx, testKey("t1"))
	require.NoError(t, err)
	assert.Equal(t, "Demo User", got.State.String(domain.StateUserName))
	assert.JSONEq(t, `{"days":3,"approved":false}`, string(got.State["leave_request"]))

	history, err := got.State.History()
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = s.GetConversation(ctx, testKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendHistoryCreatesArrayWhenMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.PutConversation(ctx, &domain.ConversationSession{
		Key:   testKey("t1"),
		State: domain.StateBag{"user_name": json.RawMessage(`"Demo"`)},
	}))

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendHistory(ctx, testKey("t1"), domain.HistoryEntry{
		Action: domain.ActionUserQuery, Query: "leave balance?", Timestamp: ts,
	}))
	require.NoError(t, s.AppendHistory(ctx, testKey("t1"), domain.HistoryEntry{
		Action: domain.ActionAgentResponse, Agent: "leave_agent", Response: "12 days", Timestamp: ts,
	}))

	got, err := s.GetConversation(ctx, testKey("t1"))
	require.NoError(t, err)
	history, err := got.State.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ActionUserQuery, history[0].Action)
	assert.Equal(t, "leave balance?", history[0].Query)
	assert.Equal(t, "leave_agent", history[1].Agent)
	assert.True(t, history[1].Timestamp.Equal(ts))
	assert.Equal(t, "Demo", got.State.String(domain.StateUserName))
}

func TestAppendHistoryUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendHistory(context.Background(), testKey("nope"), domain.HistoryEntry{Action: domain.ActionUserQuery})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendHistoryConcurrentAppendsAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	state, err := domain.NewConversationState("Demo User", "demo@company.com", "employee")
	require.NoError(t, err)
	require.NoError(t, s.PutConversation(ctx, &domain.ConversationSession{Key: testKey("t1"), State: state}))

	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := s.AppendHistory(ctx, testKey("t1"), domain.HistoryEntry{
					Action: domain.ActionUserQuery,
					Query:  fmt.Sprintf("w%d-%d", w, i),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	got, err := s.GetConversation(ctx, testKey("t1"))
	require.NoError(t, err)
	history, err := got.State.History()
	require.NoError(t, err)
	assert.Len(t, history, writers*perWriter)
}

func TestDeleteOrphanConversations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.now = clock.Now

	live, err := s.CreateAuthSession(ctx, "a@company.com", "A", "employee")
	require.NoError(t, err)

	for _, id := range []string{live.Token, "logged-out"} {
		require.NoError(t, s.PutConversation(ctx, &domain.ConversationSession{Key: testKey(id), State: domain.StateBag{}}))
	}

	deleted, err := s.DeleteOrphanConversations(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted, "orphan is still within retention")

	clock.Advance(2 * time.Hour)
	deleted, err = s.DeleteOrphanConversations(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = s.GetConversation(ctx, testKey(live.Token))
	assert.NoError(t, err)
	_, err = s.GetConversation(ctx, testKey("logged-out"))
	assert.ErrorIs(t, err, ErrNotFound)
}
