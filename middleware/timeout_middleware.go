package middleware

import (
	"context"
	"time"

	"github.com/samrose/pg-erl/message"
)

// TimeoutMiddleware normalises request timeouts. A call with a non-positive
// timeout gets defaultTimeout, and no request may wait longer than
// maxTimeout. A poll keeps a non-positive timeout, which means "check
// without waiting".
//
// Calls and positive polls also get a context deadline, so waiting for a
// busy connection counts against the same budget as waiting for the reply.
func TimeoutMiddleware(defaultTimeout, maxTimeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			switch req.Kind {
			case message.KindCall:
				if req.Timeout <= 0 {
					req.Timeout = defaultTimeout
				}
			case message.KindPoll:
				if req.Timeout <= 0 {
					return next(ctx, req)
				}
			default:
				return next(ctx, req)
			}
			if maxTimeout > 0 && req.Timeout > maxTimeout {
				req.Timeout = maxTimeout
			}

			ctx, cancel := context.WithTimeout(ctx, req.Timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
