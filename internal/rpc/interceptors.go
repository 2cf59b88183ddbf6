package rpc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/security"
)

const (
	ActorMetadataKey         = "x-actor-id"
	CorrelationIDMetadataKey = "x-correlation-id"
)

// actorInterceptor attaches the calling user and correlation id from the
// request metadata. Ledger calls that do not name an actor are rejected;
// the health service is exempt.
func actorInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	actor := first(md, ActorMetadataKey)
	if actor == "" {
		return nil, status.Error(codes.Unauthenticated, ActorMetadataKey+" metadata is required")
	}
	cid := first(md, CorrelationIDMetadataKey)
	if cid == "" {
		cid = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(CorrelationIDMetadataKey, cid))

	ctx = ledger.WithActor(ctx, actor)
	ctx = security.WithCorrelationID(ctx, cid)
	return handler(ctx, req)
}

func loggingInterceptor(l *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelInfo
		if code == codes.Internal || code == codes.Unavailable {
			level = slog.LevelError
		}
		l.Log(ctx, level, "grpc_request",
			"cid", security.CorrelationIDFromContext(ctx),
			"actor", ledger.ActorFrom(ctx),
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

func recoverInterceptor(l *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				l.Error("grpc handler panic", "method", info.FullMethod, "panic", p)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
