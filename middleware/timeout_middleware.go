package middleware

import (
	"context"
	"fmt"
	"time"

	"structured-channel/message"
)

type outcome struct {
	result any
	err    error
}

// TimeOutMiddleware fails a request whose handler has not returned within
// timeout. The handler keeps running with a cancelled context; its late
// result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					// A panic on this goroutine would escape the channel's recovery
					if r := recover(); r != nil {
						done <- outcome{err: PanicError(r)}
					}
				}()
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, fmt.Errorf("request timed out: %w", ctx.Err())
			}
		}
	}
}
