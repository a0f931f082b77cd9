package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/samrose/pg-erl/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware rejects requests beyond r per second with bursts of
// burst, using a token bucket. Polls are not limited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if req.Kind != message.KindPoll && !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
