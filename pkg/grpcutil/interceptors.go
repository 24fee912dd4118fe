package grpcutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/telemetry"
)

// LoggingUnaryInterceptor logs unary RPC calls. For Struct requests the
// named top-level fields are logged when present.
func LoggingUnaryInterceptor(logger *slog.Logger, fields ...string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		attrs := []any{
			"method", info.FullMethod,
			"duration_ms", time.Since(start).Milliseconds(),
			"code", status.Code(err).String(),
		}
		if traceID := telemetry.TraceIDFromContext(ctx); traceID != "" {
			attrs = append(attrs, "trace_id", traceID)
		}
		attrs = append(attrs, structAttrs(req, fields)...)

		if err != nil {
			attrs = append(attrs, "error", err.Error())
			logger.ErrorContext(ctx, "gRPC call failed", attrs...)
		} else {
			logger.InfoContext(ctx, "gRPC call completed", attrs...)
		}

		return resp, err
	}
}

func structAttrs(req interface{}, fields []string) []any {
	msg, ok := req.(*structpb.Struct)
	if !ok || len(fields) == 0 {
		return nil
	}
	var attrs []any
	for _, name := range fields {
		v, ok := msg.GetFields()[name]
		if !ok {
			continue
		}
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			attrs = append(attrs, name, k.StringValue)
		case *structpb.Value_NumberValue:
			attrs = append(attrs, name, k.NumberValue)
		case *structpb.Value_BoolValue:
			attrs = append(attrs, name, k.BoolValue)
		}
	}
	return attrs
}

// RecoveryUnaryInterceptor recovers from panics in unary RPCs.
func RecoveryUnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "panic recovered",
					"method", info.FullMethod,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// ErrorMappingUnaryInterceptor converts handler errors to gRPC statuses
// using table. See ToStatus.
func ErrorMappingUnaryInterceptor(table []ErrorCode) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, ToStatus(err, table)
		}
		return resp, nil
	}
}

// TimeoutUnaryInterceptor bounds the handler's context. Work a handler
// hands off to the background must not inherit ctx.
func TimeoutUnaryInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}
