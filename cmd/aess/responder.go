package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/aess/internal/agent"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func newResponderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Run a standalone responder service",
	}
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Gemini responder over gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := agent.NewGeminiResponder(ctx, geminiConfig(cfg))
			if err != nil {
				return err
			}
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			return serveResponder(ctx, lis, g)
		},
	}
	serve.Flags().StringVar(&addr, "addr", ":50051", "listen address")
	cmd.AddCommand(serve)
	return cmd
}

func serveResponder(ctx context.Context, lis net.Listener, r agent.Responder) error {
	srv := grpc.NewServer()
	hs := agent.RegisterResponderServer(srv, r, slog.Default())

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("Responder listening", "addr", lis.Addr().String(), "responder", r.Name())
		return srv.Serve(lis)
	})
	eg.Go(func() error {
		<-egctx.Done()
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	slog.Info("Responder stopped")
	return nil
}
