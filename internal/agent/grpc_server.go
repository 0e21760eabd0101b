package agent

import (
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// RegisterResponderServer exposes r on s under the responder stream method,
// together with the standard health service. The returned health server
// can be used to flip serving status on shutdown.
func RegisterResponderServer(s *grpc.Server, r Responder, logger *slog.Logger) *health.Server {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: responderServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    responderStreamName,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				return serveResponderStream(r, stream, logger)
			},
		}},
		Metadata: "aess/responder.proto",
	}, r)

	hs := health.NewServer()
	hs.SetServingStatus(responderServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func serveResponderStream(r Responder, stream grpc.ServerStream, logger *slog.Logger) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	sc, message, err := decodeRequest(req)
	if err != nil {
		return fmt.Errorf("decode responder request: %w", err)
	}

	logger.Info("Responder stream started",
		"responder", r.Name(),
		"user_id", sc.UserID,
		"session_id", sc.SessionID,
		"message_length", len(message),
	)

	for ev, err := range r.Stream(stream.Context(), sc, message) {
		if err != nil {
			logger.Error("Responder failed", "session_id", sc.SessionID, "error", err)
			return stream.SendMsg(encodeError(err))
		}
		if ev == nil {
			continue
		}
		msg, err := encodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}
