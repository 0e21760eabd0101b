// Package api provides HTTP handlers for the AESS authentication surface.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/aess/internal/credential"
	"github.com/ashureev/aess/internal/metrics"
	"github.com/ashureev/aess/internal/store"
)

// maxAuthBodySize bounds login and logout request bodies.
const maxAuthBodySize = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	repo          store.Repository
	users         *credential.Directory
	metrics       *metrics.Metrics
	appName       string
	responderName string
	isDev         bool
	idleTTL       time.Duration
	now           func() time.Time
}

// Options configures a Handler.
type Options struct {
	AppName        string
	ResponderName  string
	IsDev          bool
	// SessionIdleTTL hides sessions idle for longer even before the sweeper
	// removes them. Zero disables the check.
	SessionIdleTTL time.Duration
}

// NewHandler creates a new Handler with common dependencies. m may be nil.
func NewHandler(repo store.Repository, users *credential.Directory, m *metrics.Metrics, opts Options) *Handler {
	if opts.AppName == "" {
		opts.AppName = "AESS"
	}
	return &Handler{
		repo:          repo,
		users:         users,
		metrics:       m,
		appName:       opts.AppName,
		responderName: opts.ResponderName,
		isDev:         opts.IsDev,
		idleTTL:       opts.SessionIdleTTL,
		now:           time.Now,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
