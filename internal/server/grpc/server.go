// Package grpcserver hosts the gRPC health service of the archive server.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ArchiveService is the health service name reported alongside the overall status.
const ArchiveService = "mam.Archive"

// Server wraps a gRPC server exposing the standard health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds the server. Reflection is registered only when reflect is set.
func New(logger *zap.Logger, reflect bool) *Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(RecoverUnary(logger), LoggingUnary(logger)),
		grpc.ChainStreamInterceptor(RecoverStream(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if reflect {
		reflection.Register(srv)
	}
	s := &Server{srv: srv, health: hs, logger: logger}
	s.SetServing(true)
	return s
}

// SetServing flips the reported status of the server and of ArchiveService.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ArchiveService, st)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	return s.srv.Serve(lis)
}

// Stop drains in-flight calls, falling back to a hard stop after timeout.
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		s.logger.Warn("grpc graceful stop timed out")
		s.srv.Stop()
		<-done
	}
}

// Check reports the current status of service without a network round trip.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
