package middleware

import (
	"context"
	"drm-client/message"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond a token-bucket rate with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.Kind)
			}
			return next(ctx, req)
		}
	}
}
