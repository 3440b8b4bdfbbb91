package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "tollgate"

// GRPCServer serves the standard gRPC health protocol backed by a Monitor.
// Critical maps to NOT_SERVING; degraded still serves.
type GRPCServer struct {
	monitor    *Monitor
	listener   net.Listener
	grpcServer *grpc.Server
	health     *grpchealth.Server
	interval   time.Duration
}

// NewGRPCServer listens on addr (e.g. ":9090").
func NewGRPCServer(monitor *Monitor, addr string, interval time.Duration) (*GRPCServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &GRPCServer{
		monitor:    monitor,
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		interval:   interval,
	}
	s.sync(context.Background())
	return s, nil
}

// Addr returns the listener address.
func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, refreshing the serving status from the
// monitor every interval.
func (s *GRPCServer) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpcServer.GracefulStop()
			err := <-serveErr
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve gRPC: %w", err)
		case err := <-serveErr:
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve gRPC: %w", err)
		case <-ticker.C:
			s.sync(ctx)
		}
	}
}

func (s *GRPCServer) sync(ctx context.Context) {
	report := s.monitor.CheckHealth(ctx)
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if report.SystemStatus == StatusCritical {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		slog.Warn("Reporting NOT_SERVING over gRPC health", "status", report.SystemStatus)
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
