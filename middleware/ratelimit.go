package middleware

import (
	"context"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	"golang.org/x/time/rate"
)

// RateLimit paces calls with a token bucket, waiting for a token instead of
// rejecting. Sync replay uses it so a long queue does not flood the API the
// moment connectivity returns.
// ratePerSec: tokens per second
// burst: maximum burst size
func RateLimit(ratePerSec float64, burst int) request.Middleware {
	limiter := rate.NewLimiter(rate.Limit(ratePerSec), burst)

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, status.Wrap(status.RateLimited, err, "rate limit wait failed")
		}

		return next(ctx, call)
	}
}
