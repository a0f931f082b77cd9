package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/samrose/pg-erl/message"
)

// RetryMiddleware retries requests whose error satisfies retryable, with
// exponential backoff starting at baseDelay. The engine never retries on its
// own; callers opt in, knowing a retried call may run twice remotely.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return resp, err
				}
				log.Debug().Err(err).Int("attempt", i+1).Str("node", req.Node).
					Str("kind", req.Kind.String()).Msg("retrying request")
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp, err
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
