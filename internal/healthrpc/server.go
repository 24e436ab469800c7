// Package healthrpc serves the standard gRPC health protocol so a
// supervisor can probe the kiosk's capture and delivery pipelines.
package healthrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
)

// Component service names reported through the health protocol. The empty
// service name reports overall health: serving only when every registered
// component is.
const (
	ServiceCapture     = "portunus.kiosk.Capture"
	ServiceRecognition = "portunus.kiosk.Recognition"
	ServiceDelivery    = "portunus.kiosk.Delivery"
)

type Server struct {
	addr   string
	logger *slog.Logger
	health *health.Server
	grpc   *grpc.Server

	mu      sync.Mutex
	serving map[string]bool
	lis     net.Listener
}

func New(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:    addr,
		logger:  logging.NewComponentLogger(logger, "healthrpc"),
		health:  health.NewServer(),
		grpc:    grpc.NewServer(),
		serving: make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	go func() {
		if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("health server stopped", logging.Error(err))
		}
	}()
	s.logger.Info("health server listening", logging.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.addr
}

// SetServing records a component's state and recomputes overall health.
func (s *Server) SetServing(service string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, known := s.serving[service]
	s.serving[service] = ok
	s.health.SetServingStatus(service, status(ok))

	all := true
	for _, v := range s.serving {
		all = all && v
	}
	s.health.SetServingStatus("", status(all))

	if !known || prev != ok {
		s.logger.Info("component health changed",
			logging.String("service", service),
			logging.Bool("serving", ok))
	}
}

// Stop drains in-flight checks until ctx expires, then closes hard.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}

func status(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
