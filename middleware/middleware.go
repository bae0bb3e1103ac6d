// Package middleware provides the onion-model pipeline wrapped around request handlers.
//
// The same HandlerFunc shape serves both directions: the client wraps its outgoing
// requests (logging, timeout, retry) and the protocol server wraps its incoming ones
// (logging, rate limit).
package middleware

import (
	"context"
	"drm-client/message"
	"errors"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; the first runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
