package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.AuthSession
	touched  []string
	getErr   error
}

func newFakeSessions(sessions ...*domain.AuthSession) *fakeSessions {
	f := &fakeSessions{sessions: map[string]*domain.AuthSession{}}
	for _, s := range sessions {
		f.sessions[s.Token] = s
	}
	return f
}

func (f *fakeSessions) CreateAuthSession(_ context.Context, identity, displayName, role string) (*domain.AuthSession, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeSessions) GetAuthSession(_ context.Context, token string) (*domain.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.sessions[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) TouchAuthSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, token)
	return nil
}

func (f *fakeSessions) DeleteAuthSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

func (f *fakeSessions) ListAuthSessions(context.Context) ([]*domain.AuthSession, error) {
	return nil, nil
}

func (f *fakeSessions) DeleteIdleAuthSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func demoSession(token string, lastActivity time.Time) *domain.AuthSession {
	return &domain.AuthSession{
		Token:          token,
		Identity:       "demo@company.com",
		DisplayName:    "Demo User",
		Role:           "employee",
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *http.Request)
		want   string
	}{
		{"none", func(*http.Request) {}, ""},
		{"header", func(r *http.Request) { r.Header.Set(SessionHeaderName, "abc-123") }, "abc-123"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "session_id=q-1&query=hi" }, "q-1"},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "c-1"}) }, "c-1"},
		{"header wins over query", func(r *http.Request) {
			r.Header.Set(SessionHeaderName, "h")
			r.URL.RawQuery = "session_id=q"
		}, "h"},
		{"invalid header falls through", func(r *http.Request) {
			r.Header.Set(SessionHeaderName, "bad token!")
			r.URL.RawQuery = "session_id=q"
		}, "q"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/state", nil)
			tt.modify(r)
			assert.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestMiddlewareRejectsMissingAndUnknownTokens(t *testing.T) {
	sessions := newFakeSessions()
	called := false
	h := Middleware(NewResolver(sessions, 0))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	for _, token := range []string{"", "unknown"} {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/state", nil)
		if token != "" {
			r.Header.Set(SessionHeaderName, token)
		}
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"invalid or missing session"}`, rec.Body.String())
	}
	assert.False(t, called)
	assert.Empty(t, sessions.touched)
}

func TestMiddlewareAttachesSessionAndTouches(t *testing.T) {
	sessions := newFakeSessions(demoSession("tok", time.Now()))
	var got *domain.AuthSession
	h := Middleware(NewResolver(sessions, 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/state?session_id=tok", nil)
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "demo@company.com", got.Identity)
	assert.Equal(t, []string{"tok"}, sessions.touched)
}

func TestMiddlewareStoreFailure(t *testing.T) {
	sessions := newFakeSessions()
	sessions.getErr = errors.New("disk gone")
	h := Middleware(NewResolver(sessions, 0))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/state", nil)
	r.Header.Set(SessionHeaderName, "tok")
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResolverExpiresIdleSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := newFakeSessions(
		demoSession("stale", now.Add(-2*time.Hour)),
		demoSession("fresh", now.Add(-10*time.Minute)),
	)
	resolver := NewResolver(sessions, time.Hour)
	resolver.now = func() time.Time { return now }

	_, err := resolver.Resolve(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = sessions.GetAuthSession(context.Background(), "stale")
	assert.ErrorIs(t, err, store.ErrNotFound, "expired session should be removed")

	s, err := resolver.Resolve(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh", s.Token)
}

func TestResolverWithoutTTLNeverExpires(t *testing.T) {
	sessions := newFakeSessions(demoSession("old", time.Now().Add(-365*24*time.Hour)))
	_, err := NewResolver(sessions, 0).Resolve(context.Background(), "old")
	assert.NoError(t, err)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/sessions", nil)
	s := demoSession("tok", time.Now())
	h.ServeHTTP(rec, r.WithContext(WithSession(r.Context(), s)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.Role = "admin"
	h.ServeHTTP(rec, r.WithContext(WithSession(r.Context(), s)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSessionCookie(rec, "tok", true, true)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "tok", cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, int(rememberMaxAge.Seconds()), cookies[0].MaxAge)

	rec = httptest.NewRecorder()
	SetSessionCookie(rec, "tok", false, true)
	assert.Zero(t, rec.Result().Cookies()[0].MaxAge)

	rec = httptest.NewRecorder()
	ClearSessionCookie(rec, true)
	assert.Less(t, rec.Result().Cookies()[0].MaxAge, 0)
}
