// Package identity resolves the authenticated session behind each request.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/store"
)

const (
	SessionCookieName = "aess_session"
	SessionHeaderName = "X-Session-ID"
	SessionQueryParam = "session_id"
	rememberMaxAge    = 30 * 24 * time.Hour
)

// ErrUnauthorized is returned when a request carries no valid session.
var ErrUnauthorized = errors.New("unauthorized")

type contextKey int

const (
	sessionKey contextKey = iota
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionFromContext returns the authenticated session attached by Middleware.
func SessionFromContext(ctx context.Context) (*domain.AuthSession, bool) {
	s, ok := ctx.Value(sessionKey).(*domain.AuthSession)
	return s, ok && s != nil
}

// WithSession returns ctx carrying session.
func WithSession(ctx context.Context, session *domain.AuthSession) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

func sanitizeToken(token string) string {
	token = strings.TrimSpace(token)
	if !tokenPattern.MatchString(token) {
		return ""
	}
	return token
}

// TokenFromRequest extracts the session token from the header, query string
// or cookie, in that order. It returns "" when none is present or valid.
func TokenFromRequest(r *http.Request) string {
	if t := sanitizeToken(r.Header.Get(SessionHeaderName)); t != "" {
		return t
	}
	if t := sanitizeToken(r.URL.Query().Get(SessionQueryParam)); t != "" {
		return t
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return sanitizeToken(c.Value)
	}
	return ""
}

// Resolver looks up and validates session tokens.
type Resolver struct {
	sessions store.AuthSessionStore
	idleTTL  time.Duration
	now      func() time.Time
}

// NewResolver creates a resolver. A zero idleTTL disables expiry.
func NewResolver(sessions store.AuthSessionStore, idleTTL time.Duration) *Resolver {
	return &Resolver{sessions: sessions, idleTTL: idleTTL, now: time.Now}
}

// Resolve returns the live session for token, refreshing its activity.
// Unknown, empty or expired tokens yield ErrUnauthorized; storage failures
// are returned as-is.
func (r *Resolver) Resolve(ctx context.Context, token string) (*domain.AuthSession, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	session, err := r.sessions.GetAuthSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	if session.Expired(r.idleTTL, r.now()) {
		if err := r.sessions.DeleteAuthSession(ctx, token); err != nil {
			slog.Warn("failed to delete expired session", "session_id", token, "error", err)
		}
		return nil, ErrUnauthorized
	}

	if err := r.sessions.TouchAuthSession(ctx, token); err != nil {
		slog.Warn("failed to touch session", "session_id", token, "error", err)
	}
	return session, nil
}

// Middleware rejects requests without a valid session and attaches the
// session to the request context.
func Middleware(resolver *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := resolver.Resolve(r.Context(), TokenFromRequest(r))
			if errors.Is(err, ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, `{"error":"invalid or missing session"}`)
				return
			}
			if err != nil {
				slog.Error("Session lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, `{"error":"failed to load session"}`)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

// RequireRole allows only sessions with the given role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := SessionFromContext(r.Context())
			if !ok || session.Role != role {
				writeError(w, http.StatusForbidden, `{"error":"forbidden"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}

// SetSessionCookie stores token in an HttpOnly cookie. When remember is
// false the cookie lives only for the browser session.
func SetSessionCookie(w http.ResponseWriter, token string, remember, isDev bool) {
	c := &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	}
	if remember {
		c.MaxAge = int(rememberMaxAge.Seconds())
		c.Expires = time.Now().Add(rememberMaxAge)
	}
	http.SetCookie(w, c)
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// IPFromRequest returns a normalized remote IP for rate limiting and logs.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
