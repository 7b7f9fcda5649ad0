package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"structured-channel/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("type", req.Type),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Info("request failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("request handled", fields...)
			}
			return result, err
		}
	}
}
