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
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"motioncorr/internal/storage"
)

// Service is the health service name covering the whole process.
const Service = "motioncorr"

// HealthServer publishes process and per-run health over the standard
// gRPC health protocol. Every run id is its own service name: SERVING
// while the run is active and NOT_SERVING once it finished.
type HealthServer struct {
	store *storage.Store
	log   *slog.Logger

	// PingInterval is how often the store is checked.
	PingInterval time.Duration

	health *health.Server
	grpc   *grpc.Server
}

// New creates a health server that reports NOT_SERVING whenever store
// cannot be reached.
func New(store *storage.Store, log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	s := &HealthServer{
		store:        store,
		log:          log,
		PingInterval: 10 * time.Second,
		health:       health.NewServer(),
		grpc: grpc.NewServer(
			grpc.MaxRecvMsgSize(4*1024*1024),
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
		),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	return s
}

// RunStarted marks runID as serving.
func (s *HealthServer) RunStarted(runID string) {
	s.health.SetServingStatus(runID, healthpb.HealthCheckResponse_SERVING)
}

// RunFinished marks runID as not serving.
func (s *HealthServer) RunFinished(runID string) {
	s.health.SetServingStatus(runID, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Start listens on addr and serves until ctx is cancelled.
func (s *HealthServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then flips every service to
// NOT_SERVING and stops gracefully.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	s.checkStore()

	go func() {
		ticker := time.NewTicker(s.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.checkStore()
			}
		}
	}()

	s.log.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (s *HealthServer) checkStore() {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.store.Ping(); err != nil {
		s.log.Warn("Store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}
