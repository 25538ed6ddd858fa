package server

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes health checking and reflection for infrastructure
// probes and grpcurl. The command and query surface is HTTP-only.
type GRPCServer struct {
	addr   string
	logger zerolog.Logger
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(addr string, logger zerolog.Logger) *GRPCServer {
	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)

	return &GRPCServer{
		addr:   addr,
		logger: logger.With().Str("component", "grpc").Logger(),
		server: srv,
		health: healthSrv,
	}
}

// SetServing flips the health status reported to probes.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Start serves until ctx is cancelled (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("gRPC server listening")
	return s.server.Serve(lis)
}
