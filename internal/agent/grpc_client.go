package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errResponderNotServing      = errors.New("responder not serving")
)

// GrpcResponder streams events from a remote responder service.
type GrpcResponder struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	cfg    GrpcResponderConfig
	logger *slog.Logger
}

// GrpcResponderConfig holds configuration for the gRPC responder.
type GrpcResponderConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcResponderConfig returns default configuration.
func DefaultGrpcResponderConfig() GrpcResponderConfig {
	return GrpcResponderConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcResponder connects to the responder service at cfg.Address and
// waits until the connection is ready.
func NewGrpcResponder(cfg GrpcResponderConfig, logger *slog.Logger) (*GrpcResponder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcResponderConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to responder at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("responder at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to responder service", "address", cfg.Address)

	return &GrpcResponder{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Responder.
func (c *GrpcResponder) Name() string {
	return "grpc:" + c.addr
}

// Close closes the gRPC connection.
func (c *GrpcResponder) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks whether the responder service reports SERVING.
func (c *GrpcResponder) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: responderServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errResponderNotServing, resp.GetStatus())
	}
	return nil
}

// Stream implements Responder over a server-streaming call.
func (c *GrpcResponder) Stream(ctx context.Context, sc SessionContext, message string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		req, err := encodeRequest(sc, message)
		if err != nil {
			yield(nil, fmt.Errorf("encode responder request: %w", err))
			return
		}

		// Leaving the loop early cancels the call on the server.
		var cancel context.CancelFunc
		if c.cfg.RequestTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		} else {
			ctx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{
			StreamName:    responderStreamName,
			ServerStreams: true,
		}, responderStreamPath)
		if err != nil {
			yield(nil, fmt.Errorf("responder request failed: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(nil, fmt.Errorf("responder request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("responder request failed: %w", err))
			return
		}

		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Error("Responder stream error", "error", err, "session_id", sc.SessionID)
				yield(nil, fmt.Errorf("responder stream error: %w", err))
				return
			}

			ev, err := decodeEvent(msg)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
