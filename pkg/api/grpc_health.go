package api

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCServiceName is the service reported by the gRPC health endpoint in
// addition to the overall ("") status.
const GRPCServiceName = "blink.coordinator"

// ReadinessCheck returns nil while the service can accept work.
type ReadinessCheck func(ctx context.Context) error

// GRPCHealthServer serves grpc.health.v1 for orchestrator probes, backed by
// a periodic readiness check.
type GRPCHealthServer struct {
	server   *grpc.Server
	health   *health.Server
	check    ReadinessCheck
	interval time.Duration
}

// NewGRPCHealthServer creates the server. A nil check always reports serving.
func NewGRPCHealthServer(check ReadinessCheck, interval time.Duration) *GRPCHealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	return &GRPCHealthServer{
		server:   server,
		health:   hs,
		check:    check,
		interval: interval,
	}
}

// Serve accepts connections on lis until Shutdown.
func (g *GRPCHealthServer) Serve(lis net.Listener) error {
	return g.server.Serve(lis)
}

// Run refreshes the serving status every interval until ctx is done.
func (g *GRPCHealthServer) Run(ctx context.Context) {
	g.refresh(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refresh(ctx)
		}
	}
}

func (g *GRPCHealthServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if g.check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := g.check(checkCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Readiness check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(GRPCServiceName, status)
}

// Shutdown reports NOT_SERVING, then stops gracefully or force-stops when
// ctx expires.
func (g *GRPCHealthServer) Shutdown(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.server.Stop()
	}
}
