package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/samrose/pg-erl/codec"
	"github.com/samrose/pg-erl/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev = ev.Str("kind", req.Kind.String()).Str("node", req.Node).Dur("duration", time.Since(start))
			if req.Module != "" {
				ev = ev.Str("module", req.Module).Str("function", req.Function)
			}
			if resp != nil {
				if resp.Handle != 0 {
					ev = ev.Uint64("handle", resp.Handle)
				}
				ev = ev.Str("outcome", resp.Outcome.String())
				if len(resp.Degraded) > 0 {
					logger.Warn().Err(codec.DegradedError(resp.Degraded)).Str("node", req.Node).Msg("response contained unrecognised terms")
				}
			}
			ev.Msg("request")
			return resp, err
		}
	}
}
