package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/motionstream/motionstream/pkg/metrics"
)

// HealthServer is the parallel gRPC health + reflection endpoint,
// grounded on psubacz-dungeongate/internal/session/server/grpc.go
// (same health.NewServer/grpc_health_v1.RegisterHealthServer pairing),
// with reflection added to match cmd/auth-service's pattern.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewHealthServer builds the gRPC server with health and reflection
// registered. Callers register no other services on it — the data
// plane is the HTTP API (Server); this exists purely so standard
// gRPC health probes work against this process too. reg may be nil
// (no gRPC-side request metrics), in which case the server runs
// without the metrics interceptors.
func NewHealthServer(logger *slog.Logger, reg *metrics.Registry) *HealthServer {
	var opts []grpc.ServerOption
	if reg != nil {
		opts = append(opts,
			grpc.UnaryInterceptor(reg.UnaryServerInterceptor()),
			grpc.StreamInterceptor(reg.StreamServerInterceptor()),
		)
	}
	grpcServer := grpc.NewServer(opts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	return &HealthServer{server: grpcServer, health: healthServer, logger: logger}
}

// Start listens on addr and serves until Stop is called.
func (h *HealthServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server: listen on %s: %w", addr, err)
	}

	h.logger.Info("api: grpc health server starting", "addr", addr)
	return h.server.Serve(listener)
}

// SetServing updates the overall serving status, e.g. to NOT_SERVING
// during graceful shutdown.
func (h *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Stop gracefully stops the gRPC server.
func (h *HealthServer) Stop(ctx context.Context) {
	h.SetServing(false)
	h.server.GracefulStop()
}
