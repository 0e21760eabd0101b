package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Health reports database connectivity and the configured responder.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, db := "ok", "ok"
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check database ping failed", "error", err)
		status, db = "degraded", "unreachable"
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]string{
		"status":    status,
		"database":  db,
		"responder": h.responderName,
	})
}
