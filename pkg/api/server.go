package api

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
)

// Server hosts the gRPC listener with the standard health service. RPC
// services registered later share its interceptor chain.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	meta       metastore.Store
	addr       string
	stopCh     chan struct{}
}

// NewServer builds the server with the logging and read-only interceptors.
func NewServer(addr string, meta metastore.Store) *Server {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(),
			ReadOnlyInterceptor(meta),
		),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		meta:       meta,
		addr:       addr,
		stopCh:     make(chan struct{}),
	}
}

// GRPCServer exposes the underlying server for service registration.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Start begins listening and keeps the health status in step with the
// metadata store's availability.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	go s.watchAvailability()
	go func() {
		log.WithComponent("api").Info().Str("addr", s.addr).Msg("gRPC server listening")
		if err := s.grpcServer.Serve(lis); err != nil {
			log.WithComponent("api").Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	return nil
}

// Stop drains in-flight calls and shuts the listener down.
func (s *Server) Stop() {
	close(s.stopCh)
	s.grpcServer.GracefulStop()
}

func (s *Server) watchAvailability() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	s.updateHealth()
	for {
		select {
		case <-ticker.C:
			s.updateHealth()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) updateHealth() {
	// The service stays SERVING in read-only mode; reads still work. Only a
	// store that cannot serve reads at all would go NOT_SERVING, and the
	// replica fallback keeps that from happening here.
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	if s.meta.PrimaryAvailable() {
		s.health.SetServingStatus("readwrite", grpc_health_v1.HealthCheckResponse_SERVING)
	} else {
		s.health.SetServingStatus("readwrite", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}
