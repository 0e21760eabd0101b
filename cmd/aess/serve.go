package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/aess/internal/agent"
	"github.com/ashureev/aess/internal/api"
	"github.com/ashureev/aess/internal/config"
	"github.com/ashureev/aess/internal/credential"
	"github.com/ashureev/aess/internal/expiry"
	"github.com/ashureev/aess/internal/history"
	"github.com/ashureev/aess/internal/identity"
	"github.com/ashureev/aess/internal/metrics"
	"github.com/ashureev/aess/internal/middleware"
	"github.com/ashureev/aess/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// server holds the wired dependencies of one process.
type server struct {
	cfg       *config.Config
	repo      store.Repository
	users     *credential.Directory
	responder agent.Responder
	metrics   *metrics.Metrics
	convLog   agent.ConversationLogger
}

func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "responder", cfg.Responder.Kind)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	users, err := loadDirectory(cfg)
	if err != nil {
		return err
	}

	responder, closeResponder, err := newResponder(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeResponder()

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	s := &server{
		cfg:       cfg,
		repo:      repo,
		users:     users,
		responder: responder,
		metrics:   metrics.New(),
		convLog:   convLog,
	}
	router, err := s.router()
	if err != nil {
		return err
	}

	// SSE and WebSocket connections need WriteTimeout 0.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return expiry.NewSweeper(repo, expiry.Config{
			Schedule:  cfg.SweepSchedule,
			IdleTTL:   cfg.SessionIdleTTL,
			Retention: cfg.ConversationTTL,
		}, s.metrics).Run(gctx)
	})
	if cfg.UsersFile != "" {
		watcher, err := credential.NewWatcher(cfg.UsersFile, users)
		if err != nil {
			slog.Warn("User directory hot reload disabled", "path", cfg.UsersFile, "error", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// router assembles middleware and routes.
func (s *server) router() (http.Handler, error) {
	mode, err := history.ParseMode(s.cfg.HistoryAppendMode)
	if err != nil {
		return nil, err
	}
	ledger, err := history.NewLedger(s.repo, mode)
	if err != nil {
		return nil, err
	}

	resolver := identity.NewResolver(s.repo, s.cfg.SessionIdleTTL)
	orchestrator := agent.NewOrchestrator(s.responder, ledger, s.metrics, s.convLog)
	queryHandler := agent.NewHandler(
		orchestrator,
		s.repo,
		resolver,
		agent.NewRateLimiter(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst),
		s.metrics,
		agent.Config{
			AppName:       s.cfg.AppName,
			ProgressDelay: s.cfg.Stream.ProgressDelay,
			FinalDelay:    s.cfg.Stream.FinalDelay,
			MaxBodySize:   s.cfg.MaxRequestBody,
		},
		s.wsOriginPatterns(),
	)
	authHandler := api.NewHandler(s.repo, s.users, s.metrics, api.Options{
		AppName:        s.cfg.AppName,
		ResponderName:  s.responder.Name(),
		IsDev:          s.cfg.IsDevelopment(),
		SessionIdleTTL: s.cfg.SessionIdleTTL,
	})

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.cfg.AllowedOrigins()))

	// Public routes.
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	authHandler.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(resolver))
		queryHandler.RegisterRoutes(r)
		authHandler.RegisterAdminRoutes(r)
	})
	return r, nil
}

// wsOriginPatterns converts allowed origins into host patterns for the
// WebSocket handshake.
func (s *server) wsOriginPatterns() []string {
	if s.cfg.IsDevelopment() {
		return []string{"*"}
	}
	var patterns []string
	for _, o := range s.cfg.AllowedOrigins() {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}

func loadDirectory(cfg *config.Config) (*credential.Directory, error) {
	hasher, err := credential.NewHasher(cfg.PasswordHash)
	if err != nil {
		return nil, err
	}
	if cfg.UsersFile == "" {
		slog.Info("No USERS_FILE configured, using built-in demo directory")
		return credential.NewDemoDirectory(hasher)
	}
	users, err := credential.LoadFile(cfg.UsersFile)
	if err != nil {
		return nil, err
	}
	slog.Info("User directory loaded", "path", cfg.UsersFile, "users", len(users))
	return credential.NewDirectory(hasher, users...), nil
}

// newResponder builds the configured backend. An unreachable gRPC responder
// degrades to the unavailable responder so the auth surface keeps working.
func newResponder(ctx context.Context, cfg *config.Config) (agent.Responder, func(), error) {
	noop := func() {}
	switch cfg.Responder.Kind {
	case config.ResponderGRPC:
		slog.Info("Connecting to responder service via gRPC", "address", cfg.Responder.GRPCAddr)
		c, err := agent.NewGrpcResponder(agent.GrpcResponderConfig{Address: cfg.Responder.GRPCAddr}, slog.Default())
		if err != nil {
			slog.Warn("Failed to connect to responder, queries will report an error", "error", err)
			return agent.UnavailableResponder{}, noop, nil
		}
		return c, c.Close, nil
	case config.ResponderGemini:
		g, err := agent.NewGeminiResponder(ctx, geminiConfig(cfg))
		if err != nil {
			return nil, noop, err
		}
		return g, noop, nil
	default:
		slog.Info("Responder disabled")
		return agent.UnavailableResponder{}, noop, nil
	}
}

func geminiConfig(cfg *config.Config) agent.GeminiConfig {
	return agent.GeminiConfig{
		APIKey:          cfg.Responder.GoogleAPIKey,
		Model:           cfg.Responder.GeminiModel,
		AgentName:       cfg.Responder.AgentName,
		InstructionFile: cfg.Responder.InstructionFile,
	}
}
