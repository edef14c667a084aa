package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard grpc.health.v1 service so service meshes and
// orchestrators can probe the process over gRPC.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// HealthProbe reports one dependency status; errors mark the service NOT_SERVING.
type HealthProbe func(context.Context) error

func NewHealthServer(logger *slog.Logger) *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{srv: srv, health: hs, logger: logger}
}

// SetServing flips the overall ("") and named service status.
func (h *HealthServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	if service != "" {
		h.health.SetServingStatus(service, status)
	}
}

// Watch periodically runs probe and updates the serving status until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, service string, every time.Duration, probe HealthProbe) {
	if probe == nil {
		h.SetServing(service, true)
		return
	}
	if every <= 0 {
		every = 10 * time.Second
	}
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := probe(probeCtx)
		cancel()
		if err != nil && h.logger != nil {
			h.logger.Warn("grpc health probe failed", "err", err)
		}
		h.SetServing(service, err == nil)
	}
	check()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (h *HealthServer) Serve(lis net.Listener) error {
	return h.srv.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
