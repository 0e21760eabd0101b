package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/aess/internal/api"
	"github.com/ashureev/aess/internal/domain"
	"github.com/ashureev/aess/internal/identity"
	"github.com/ashureev/aess/internal/metrics"
	"github.com/ashureev/aess/internal/store"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// ErrEmptyQuery is reported when a query is blank.
var ErrEmptyQuery = errors.New("query cannot be empty")

// emptyQueryMessage is the client-facing text for ErrEmptyQuery.
const emptyQueryMessage = "Query cannot be empty"

func validateQuery(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", ErrEmptyQuery
	}
	return q, nil
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
}

// QueryResponse is the buffered answer to one query.
type QueryResponse struct {
	QueryID  string   `json:"query_id"`
	User     string   `json:"user"`
	Query    string   `json:"query"`
	Progress []string `json:"progress"`
	Response string   `json:"response"`
}

// streamMessage is one live delivery message. Exactly one field is set.
type streamMessage struct {
	QueryID       string `json:"query_id,omitempty"`
	Progress      string `json:"progress,omitempty"`
	FinalResponse string `json:"final_response,omitempty"`
	Error         string `json:"error,omitempty"`
	End           bool   `json:"end,omitempty"`
}

// Handler serves the query endpoints. All routes require an authenticated
// session in the request context.
type Handler struct {
	orchestrator  *Orchestrator
	conversations store.ConversationStore
	resolver      *identity.Resolver
	rateLimiter   *RateLimiter
	metrics       *metrics.Metrics
	cfg           Config
	wsOrigins     []string
}

// NewHandler creates a query handler. The resolver re-checks the session at
// the start of every turn on a long-lived WebSocket connection.
func NewHandler(o *Orchestrator, conversations store.ConversationStore, resolver *identity.Resolver, rl *RateLimiter, m *metrics.Metrics, cfg Config, wsOrigins []string) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxRequestBodySize
	}
	if cfg.AppName == "" {
		cfg.AppName = DefaultConfig().AppName
	}
	if rl == nil {
		rl = NewRateLimiter(0, 0)
	}
	return &Handler{
		orchestrator:  o,
		conversations: conversations,
		resolver:      resolver,
		rateLimiter:   rl,
		metrics:       m,
		cfg:           cfg,
		wsOrigins:     wsOrigins,
	}
}

// RegisterRoutes registers query routes (requires authentication).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/query", h.HandleQuery)
	r.Get("/query-streaming", h.HandleQueryStreaming)
	r.Get("/ws/query", h.HandleQueryWebSocket)
	r.Get("/state", h.HandleState)
}

// sessionContext loads the conversation for the authenticated session,
// creating it if login did not.
func (h *Handler) sessionContext(ctx context.Context) (SessionContext, error) {
	auth, ok := identity.SessionFromContext(ctx)
	if !ok {
		return SessionContext{}, identity.ErrUnauthorized
	}
	sc := SessionContext{
		AppName:   h.cfg.AppName,
		UserID:    auth.Identity,
		SessionID: auth.Token,
		UserName:  auth.DisplayName,
		Role:      auth.Role,
	}

	conv, err := h.conversations.GetConversation(ctx, sc.Key())
	if errors.Is(err, store.ErrNotFound) {
		state, err := domain.NewConversationState(auth.DisplayName, auth.Identity, auth.Role)
		if err != nil {
			return SessionContext{}, err
		}
		conv = &domain.ConversationSession{Key: sc.Key(), State: state}
		if err := h.conversations.PutConversation(ctx, conv); err != nil {
			return SessionContext{}, fmt.Errorf("create conversation: %w", err)
		}
	} else if err != nil {
		return SessionContext{}, fmt.Errorf("load conversation: %w", err)
	}
	sc.State = conv.State
	return sc, nil
}

// admit applies the rate limit and loads the session context, writing the
// error response itself when the request cannot proceed.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (SessionContext, bool) {
	auth, ok := identity.SessionFromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return SessionContext{}, false
	}
	// Rate-limit by identity only so clients cannot bypass throttling by
	// holding several sessions.
	if !h.rateLimiter.Allow(auth.Identity) {
		h.metrics.RateLimited()
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return SessionContext{}, false
	}
	sc, err := h.sessionContext(r.Context())
	if err != nil {
		slog.Error("Failed to load conversation", "session_id", auth.Token, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return SessionContext{}, false
	}
	return sc, true
}

// HandleQuery handles POST /query and returns the whole turn at once.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	query, err := validateQuery(req.Query)
	if err != nil {
		api.Error(w, http.StatusBadRequest, emptyQueryMessage)
		return
	}

	sc, ok := h.admit(w, r)
	if !ok {
		return
	}

	slog.Info("Query request", "user_id", sc.UserID, "session_id", sc.SessionID, "query_length", len(query))
	res := h.orchestrator.Run(r.Context(), sc, query, nil)

	response := NoResponsePlaceholder
	if answer := res.Answer(); answer != nil {
		response = *answer
	}
	progress := res.Progress
	if progress == nil {
		progress = []string{}
	}
	api.JSON(w, http.StatusOK, QueryResponse{
		QueryID:  res.QueryID,
		User:     sc.UserID,
		Query:    query,
		Progress: progress,
		Response: response,
	})
}

// HandleQueryStreaming handles GET /query-streaming, pushing each progress
// notice and the final answer as server-sent events.
func (h *Handler) HandleQueryStreaming(w http.ResponseWriter, r *http.Request) {
	query, err := validateQuery(r.URL.Query().Get("query"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, emptyQueryMessage)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sc, ok := h.admit(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	defer h.metrics.StreamOpened()()
	ctx := r.Context()
	send := func(msg streamMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := writeSSE(w, "message", string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	slog.Info("Streaming query started", "user_id", sc.UserID, "session_id", sc.SessionID, "query_length", len(query))
	h.runLive(ctx, sc, query, send)

	if err := writeSSE(w, "end", `{"end":true}`); err != nil {
		slog.Debug("failed to write SSE end event", "session_id", sc.SessionID, "error", err)
		return
	}
	flusher.Flush()
}

// runLive runs one turn delivering every update through send, pacing
// messages when configured.
func (h *Handler) runLive(ctx context.Context, sc SessionContext, query string, send func(streamMessage) error) {
	h.orchestrator.Run(ctx, sc, query, func(u Update) error {
		var msg streamMessage
		var delay time.Duration
		switch u.Kind {
		case UpdateStart:
			msg.QueryID = u.Text
		case UpdateProgress:
			msg.Progress = u.Text
			delay = h.cfg.ProgressDelay
		case UpdateFinal:
			msg.FinalResponse = u.Text
			delay = h.cfg.FinalDelay
		case UpdateError:
			msg.Error = u.Text
		}
		if err := send(msg); err != nil {
			return err
		}
		return pause(ctx, delay)
	})
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleState handles GET /state and returns the raw conversation state bag.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	sc, err := h.sessionContext(r.Context())
	if errors.Is(err, identity.ErrUnauthorized) {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err != nil {
		slog.Error("Failed to load conversation state", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	api.JSON(w, http.StatusOK, sc.State)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
