// Package middleware wraps engine operations with cross-cutting behaviour.
//
// Every request flows through the chain before it reaches the network:
//
//	Logging → Metrics → [Retry] → Timeout → [RateLimit] → engine
package middleware

import (
	"context"

	"github.com/samrose/pg-erl/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
