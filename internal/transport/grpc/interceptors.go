package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/messenger/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultDeadline = 10 * time.Second

// Unary logging + recovery + timeout guard (если у вызова нет deadline)
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, defaultDeadline)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				logger.FromCtx(ctx).Error("grpc unary panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			logCall(ctx, "grpc unary", info.FullMethod, start, err)
		}()

		return handler(ctx, req)
	}
}

func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				logger.FromCtx(ss.Context()).Error("grpc stream panic",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
			logCall(ss.Context(), "grpc stream", info.FullMethod, start, err)
		}()

		return handler(srv, ss)
	}
}

// health-пробы дёргаются часто, их пишем в debug
func logCall(ctx context.Context, msg, method string, start time.Time, err error) {
	lvl := slog.LevelInfo
	switch {
	case err != nil && status.Code(err) == codes.Internal:
		lvl = slog.LevelError
	case method == healthCheckMethod || method == healthWatchMethod:
		lvl = slog.LevelDebug
	}
	logger.FromCtx(ctx).Log(ctx, lvl, msg,
		"method", method,
		"dur_ms", time.Since(start).Milliseconds(),
		"err", errString(err))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
