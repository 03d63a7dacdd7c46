// Package grpcsvc exposes service readiness over the standard gRPC health
// protocol.
package grpcsvc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"gallery.dev/internal/obs"
)

// ServiceName is the name reported to health clients alongside "".
const ServiceName = "gallery.api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Health keeps the health server's status in line with a readiness check.
type Health struct {
	server    *health.Server
	readiness readinessChecker
	version   string
}

func NewHealth(r readinessChecker, version string) *Health {
	h := &Health{server: health.NewServer(), readiness: r, version: version}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register installs the health and reflection services on g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.server)
	reflection.Register(g)
}

// Refresh runs the check once and publishes the result.
func (h *Health) Refresh(ctx context.Context) error {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Watch refreshes every interval until ctx ends, then marks the service as
// not serving so clients drain before shutdown.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			obs.Log(ctx, obs.LevelWarn, "readiness check failed", map[string]any{"error": err, "version": h.version})
		}
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}
