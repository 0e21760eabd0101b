// Package expiry sweeps idle login sessions and the conversations they leave
// behind.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/aess/internal/metrics"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "@every 5m"

// Store is the persistence surface the sweeper needs.
type Store interface {
	DeleteIdleAuthSessions(ctx context.Context, idle time.Duration) (int64, error)
	DeleteOrphanConversations(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Config controls what is swept.
type Config struct {
	// Schedule is a robfig/cron expression; empty means DefaultSchedule.
	Schedule string
	// IdleTTL removes login sessions inactive for longer. Zero keeps them.
	IdleTTL time.Duration
	// Retention removes conversations without a login session once they
	// were untouched for longer. Zero keeps them.
	Retention time.Duration
}

// Enabled reports whether the sweep has anything to do.
func (c Config) Enabled() bool {
	return c.IdleTTL > 0 || c.Retention > 0
}

// Sweeper deletes expired rows on a cron schedule.
type Sweeper struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
}

// NewSweeper creates a sweeper. m may be nil.
func NewSweeper(store Store, cfg Config, m *metrics.Metrics) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Sweeper{store: store, cfg: cfg, metrics: m}
}

// Run schedules the sweep and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.cfg.Enabled() {
		slog.Info("TTL worker disabled")
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	slog.Info("TTL worker started", "schedule", s.cfg.Schedule, "idle_ttl", s.cfg.IdleTTL, "retention", s.cfg.Retention)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("TTL worker shutting down", "reason", ctx.Err())
	return nil
}

// Sweep performs one pass and returns the number of rows removed from each
// table. Lock contention is retried by the store, not here.
func (s *Sweeper) Sweep(ctx context.Context) (sessions, conversations int64) {
	if s.cfg.IdleTTL > 0 {
		n, err := s.store.DeleteIdleAuthSessions(ctx, s.cfg.IdleTTL)
		sessions = n
		if err != nil {
			slog.Error("TTL worker failed to delete idle sessions", "error", err)
		} else if sessions > 0 {
			s.metrics.Swept("auth_sessions", sessions)
			slog.Info("TTL worker removed idle sessions", "count", sessions)
		}
	}

	if s.cfg.Retention > 0 {
		n, err := s.store.DeleteOrphanConversations(ctx, s.cfg.Retention)
		conversations = n
		if err != nil {
			slog.Error("TTL worker failed to delete orphaned conversations", "error", err)
		} else if conversations > 0 {
			s.metrics.Swept("conversation_sessions", conversations)
			slog.Info("TTL worker removed orphaned conversations", "count", conversations)
		}
	}
	return sessions, conversations
}
