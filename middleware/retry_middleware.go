package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"structured-channel/message"
)

// RetryMiddleware re-runs a handler that failed with a deadline error, with
// exponential backoff between attempts. Other failures return immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (any, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !errors.Is(err, context.DeadlineExceeded) {
					return result, err
				}
				zap.L().Debug("retrying request", zap.String("type", req.Type), zap.Int("attempt", i+1), zap.Error(err))
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
