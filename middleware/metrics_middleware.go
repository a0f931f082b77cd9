package middleware

import (
	"context"
	"time"

	"github.com/samrose/pg-erl/message"
	"github.com/samrose/pg-erl/observability"
)

func MetricsMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			outcome := "failed"
			if err == nil && resp != nil {
				outcome = resp.Outcome.String()
				if len(resp.Degraded) > 0 {
					observability.RecordDegradedDecode()
				}
			}
			observability.RecordRequest(req.Node, req.Kind.String(), outcome, time.Since(start))
			return resp, err
		}
	}
}
