package middleware

import (
	"context"
	"drm-client/message"
	"time"
)

// RetryMiddleware retries next up to maxRetries extra times while retryable(err) holds,
// sleeping baseDelay * 2^attempt between attempts. A nil retryable retries every error.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return resp, nil
				}
				if retryable != nil && !retryable(err) {
					return resp, err
				}
				// Exponential backoff, cut short by ctx
				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp, err
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
