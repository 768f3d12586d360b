package middleware

import (
	"context"

	"adpayout-engine/pkg/errutil"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// UnaryErrorInterceptor converts domain errors returned by handlers into gRPC
// status errors.
func UnaryErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			zap.L().Debug("grpc call failed", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, errutil.ToGRPCError(err)
		}
		return resp, nil
	}
}
