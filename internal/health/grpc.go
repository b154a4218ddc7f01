package health

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenHeader — метаданные с токеном доступа (в gRPC ключи в нижнем регистре).
const TokenHeader = "x-agentvault-token"

// NewGRPCServer регистрирует health-сервис. С пустым token проверки доступа нет.
func NewGRPCServer(hs *health.Server, token string) *grpc.Server {
	var opts []grpc.ServerOption
	if token != "" {
		opts = append(opts,
			grpc.UnaryInterceptor(UnaryTokenInterceptor(token)),
			grpc.StreamInterceptor(streamTokenInterceptor(token)),
		)
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

// UnaryTokenInterceptor проверяет токен в метаданных вызова.
func UnaryTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := checkToken(ctx, token); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func streamTokenInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkToken(ss.Context(), token); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkToken(ctx context.Context, want string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Errorf(codes.Unauthenticated, "missing metadata")
	}
	tokens := md.Get(TokenHeader)
	if len(tokens) == 0 {
		return status.Errorf(codes.Unauthenticated, "missing access token")
	}
	if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(want)) != 1 {
		return status.Errorf(codes.PermissionDenied, "invalid access token")
	}
	return nil
}
