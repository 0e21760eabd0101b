package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/aess/internal/credential"
	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/identity"
	"github.com/ashureev/aess/internal/store"
	"github.com/go-chi/chi/v5"
)

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Success   bool   `json:"success"`
	UserName  string `json:"user_name"`
	UserEmail string `json:"user_email"`
	SessionID string `json:"session_id"`
}

// LogoutRequest is the body of POST /logout.
type LogoutRequest struct {
	SessionID string `json:"session_id"`
}

// SessionUser is the profile embedded in SessionInfo.
type SessionUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// SessionInfo describes one authenticated session.
type SessionInfo struct {
	SessionID    string      `json:"session_id"`
	User         SessionUser `json:"user"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
}

func sessionInfo(s *domain.AuthSession) SessionInfo {
	return SessionInfo{
		SessionID:    s.Token,
		User:         SessionUser{Email: s.Identity, Name: s.DisplayName, Role: s.Role},
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivityAt,
	}
}

// RegisterRoutes registers the public authentication routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/session/{session_id}", h.GetSession)
	r.Get("/api/health", h.Health)
}

// RegisterAdminRoutes registers routes that require an authenticated admin.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.With(identity.RequireRole(domain.RoleAdmin)).Get("/admin/sessions", h.ListSessions)
}

// Login validates credentials, issues a session token and creates the
// conversation bound to it.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.users.Authenticate(req.Email, req.Password)
	if errors.Is(err, credential.ErrInvalidCredentials) {
		h.metrics.Login(false)
		slog.Info("Login rejected", "ip", identity.IPFromRequest(r))
		Error(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if err != nil {
		h.metrics.Login(false)
		slog.Error("Login failed", "error", err)
		Error(w, http.StatusInternalServerError, "login failed")
		return
	}

	ctx := r.Context()
	session, err := h.repo.CreateAuthSession(ctx, user.Email, user.Name, user.Role)
	if err != nil {
		h.metrics.Login(false)
		slog.Error("Failed to create session", "user_id", user.Email, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if err := h.createConversation(ctx, session); err != nil {
		slog.Error("Failed to create conversation", "session_id", session.Token, "error", err)
		if delErr := h.repo.DeleteAuthSession(context.WithoutCancel(ctx), session.Token); delErr != nil {
			slog.Warn("Failed to roll back session", "session_id", session.Token, "error", delErr)
		}
		h.metrics.Login(false)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.metrics.Login(true)
	identity.SetSessionCookie(w, session.Token, req.Remember, h.isDev)
	slog.Info("User logged in", "user_id", session.Identity, "session_id", session.Token, "remember", req.Remember)
	JSON(w, http.StatusOK, LoginResponse{
		Success:   true,
		UserName:  session.DisplayName,
		UserEmail: session.Identity,
		SessionID: session.Token,
	})
}

func (h *Handler) createConversation(ctx context.Context, s *domain.AuthSession) error {
	state, err := domain.NewConversationState(s.DisplayName, s.Identity, s.Role)
	if err != nil {
		return err
	}
	conv := &domain.ConversationSession{
		Key:   domain.ConversationKey{AppName: h.appName, UserID: s.Identity, SessionID: s.Token},
		State: state,
	}
	if err := h.repo.PutConversation(ctx, conv); err != nil {
		return fmt.Errorf("put conversation: %w", err)
	}
	return nil
}

// Logout deletes the session named in the body, or the one carried by the
// request. Unknown tokens succeed. The conversation row is left for the
// sweeper.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	token := req.SessionID
	if token == "" {
		token = identity.TokenFromRequest(r)
	}
	if token == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := h.repo.DeleteAuthSession(r.Context(), token); err != nil {
		slog.Error("Failed to delete session", "session_id", token, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	identity.ClearSessionCookie(w, h.isDev)
	slog.Info("User logged out", "session_id", token)
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetSession returns the session for the token in the path.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "session_id")
	session, err := h.repo.GetAuthSession(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load session", "session_id", token, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session.Expired(h.idleTTL, h.now()) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	JSON(w, http.StatusOK, sessionInfo(session))
}

// ListSessions returns every active session, most recent first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListAuthSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo(s))
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}
