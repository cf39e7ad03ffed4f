package handler

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "pesio.workflows.v1.Workflows"

// userMetadataKey carries the acting user on incoming gRPC calls.
const userMetadataKey = "x-user-id"

// GRPCServer serves the standard health and reflection services so the
// platform mesh can probe the workflow service.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	ping   func(ctx context.Context) error
	log    *logger.Logger
}

// NewGRPCServer creates a gRPC server. ping, when set, decides the serving
// status reported by Refresh.
func NewGRPCServer(ping func(ctx context.Context) error, log *logger.Logger) *GRPCServer {
	s := &GRPCServer{
		health: health.NewServer(),
		ping:   ping,
		log:    log.Component("grpc_handler"),
	}
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverUnary, s.logUnary))
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Refresh updates the reported serving status from the storage ping.
func (s *GRPCServer) Refresh(ctx context.Context) {
	if s.ping == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Storage ping failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Stop marks every service as not serving and drains in-flight calls. It
// gives up waiting once ctx is done.
func (s *GRPCServer) Stop(ctx context.Context) {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	event := s.log.Debug()
	if err != nil {
		event = s.log.Warn().Err(err)
	}
	event.Str("method", info.FullMethod).
		Str("user_id", userID(ctx)).
		Dur("duration", time.Since(start)).
		Msg("gRPC call")
	return resp, mapErrorToGRPC(err)
}

func (s *GRPCServer) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("gRPC handler panicked")
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// userID extracts the acting user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(userMetadataKey); len(v) > 0 {
		return v[0]
	}
	return ""
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeInvalidInput, errors.ErrCodeDefinition:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyDecided:
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.ErrCodeInvalidState:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeUnsupportedStep:
		return status.Error(codes.Unimplemented, err.Error())
	case errors.ErrCodePersistence:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
