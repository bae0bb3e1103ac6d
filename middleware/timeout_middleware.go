package middleware

import (
	"context"
	"drm-client/message"
	"fmt"
	"time"
)

// TimeOutMiddleware bounds next by timeout. A non-positive timeout disables the bound.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.RPCMessage
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Kind, timeout)
				}
				return nil, ctx.Err()
			}
		}
	}
}
