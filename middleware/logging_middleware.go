package middleware

import (
	"context"
	"drm-client/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{zap.String("kind", string(req.Kind)), zap.Duration("duration", time.Since(start))}
			if err != nil {
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("rpc done", fields...)
			return resp, nil
		}
	}
}
