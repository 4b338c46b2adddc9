// Package grpcserver exposes the standard gRPC health service so that
// orchestrators can tell whether this node is able to run alignments.
package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// AlignmentService is the health service name reported next to the overall "" status.
const AlignmentService = "imodalign.Alignment"

// Checker returns nil when the node can run alignments.
type Checker func() error

// HealthServer reports SERVING while the checker passes and NOT_SERVING otherwise.
type HealthServer struct {
	health   *health.Server
	check    Checker
	interval time.Duration
	log      *slog.Logger
	last     error
	checked  bool
}

// NewHealthServer creates a HealthServer re-running check every interval.
func NewHealthServer(check Checker, interval time.Duration, log *slog.Logger) *HealthServer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HealthServer{health: health.NewServer(), check: check, interval: interval, log: log}
}

// Refresh runs the checker once and publishes the result.
func (s *HealthServer) Refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.check()
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if !s.checked || (err == nil) != (s.last == nil) {
		if err != nil {
			s.log.Warn("alignment service not serving", "error", err)
		} else {
			s.log.Info("alignment service serving")
		}
	}
	s.checked, s.last = true, err
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(AlignmentService, status)
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Serve refreshes the status periodically and serves on lis until ctx is cancelled.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer()
	s.Register(g)
	s.Refresh()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				g.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()

	s.log.Info("grpc health server starting", "addr", lis.Addr().String())
	return g.Serve(lis)
}

// Start listens on addr and serves until ctx is cancelled.
func (s *HealthServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}
