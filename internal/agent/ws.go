package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/aess/internal/api"
	"github.com/ashureev/aess/internal/identity"
	"github.com/coder/websocket"
)

// wsRequest is one client frame on /ws/query.
type wsRequest struct {
	Type  string `json:"type,omitempty"`
	Query string `json:"query"`
}

// errSessionRevoked ends a connection whose session was logged out or
// expired after the handshake.
var errSessionRevoked = errors.New("session revoked")

// HandleQueryWebSocket handles GET /ws/query. Each text frame carrying a
// query runs one turn; its messages are written back as text frames and the
// turn is closed with {"end":true}. Turns on one connection run in order.
func (h *Handler) HandleQueryWebSocket(w http.ResponseWriter, r *http.Request) {
	auth, ok := identity.SessionFromContext(r.Context())
	if !ok {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	slog.Info("WebSocket connection request", "user_id", auth.Identity, "session_id", auth.Token, "ip", r.RemoteAddr)

	origins := h.wsOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", auth.Identity)
		return
	}
	status, reason := websocket.StatusNormalClosure, "session ended"
	defer func() {
		if closeErr := ws.Close(status, reason); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", auth.Identity)
		}
	}()
	defer h.metrics.StreamOpened()()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", auth.Identity)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", auth.Identity)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := h.writeFrames(ctx, ws, streamMessage{Error: "invalid message"}, streamMessage{End: true}); err != nil {
				return
			}
			continue
		}
		if req.Type == "ping" {
			if err := writeFrame(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				return
			}
			continue
		}
		if err := h.serveWebSocketTurn(ctx, ws, req.Query); err != nil {
			if errors.Is(err, errSessionRevoked) {
				slog.Info("WebSocket session no longer valid", "user_id", auth.Identity, "session_id", auth.Token)
				status, reason = websocket.StatusPolicyViolation, "invalid or missing session"
				return
			}
			slog.Debug("WebSocket write failed", "user_id", auth.Identity, "error", err)
			return
		}
	}
}

// serveWebSocketTurn runs one turn on ws. The returned error is a write
// failure or errSessionRevoked; other turn-level failures are reported to
// the client as messages.
func (h *Handler) serveWebSocketTurn(ctx context.Context, ws *websocket.Conn, raw string) error {
	auth, _ := identity.SessionFromContext(ctx)
	if h.resolver != nil {
		if _, err := h.resolver.Resolve(ctx, auth.Token); err != nil {
			if errors.Is(err, identity.ErrUnauthorized) {
				if werr := h.writeFrames(ctx, ws, streamMessage{Error: "invalid or missing session"}, streamMessage{End: true}); werr != nil {
					return werr
				}
				return errSessionRevoked
			}
			slog.Error("Failed to load session", "session_id", auth.Token, "error", err)
			return h.writeFrames(ctx, ws, streamMessage{Error: "failed to load session"}, streamMessage{End: true})
		}
	}

	query, err := validateQuery(raw)
	if err != nil {
		return h.writeFrames(ctx, ws, streamMessage{Error: emptyQueryMessage}, streamMessage{End: true})
	}

	if !h.rateLimiter.Allow(auth.Identity) {
		h.metrics.RateLimited()
		return h.writeFrames(ctx, ws, streamMessage{Error: "rate limit exceeded"}, streamMessage{End: true})
	}
	sc, err := h.sessionContext(ctx)
	if err != nil {
		slog.Error("Failed to load conversation", "session_id", auth.Token, "error", err)
		return h.writeFrames(ctx, ws, streamMessage{Error: "failed to load conversation"}, streamMessage{End: true})
	}

	var sendErr error
	h.runLive(ctx, sc, query, func(msg streamMessage) error {
		sendErr = writeFrame(ctx, ws, msg)
		return sendErr
	})
	if sendErr != nil {
		return sendErr
	}
	return writeFrame(ctx, ws, streamMessage{End: true})
}

func (h *Handler) writeFrames(ctx context.Context, ws *websocket.Conn, msgs ...streamMessage) error {
	for _, msg := range msgs {
		if err := writeFrame(ctx, ws, msg); err != nil {
			return err
		}
	}
	return nil
}

func writeFrame(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
