package middleware

import (
	"context"
	"time"

	"github.com/fieldops/fieldsync/pkg/metrics"
	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// Metrics records every network attempt in collector
func Metrics(collector metrics.Collector) request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		start := time.Now()

		resp, err := next(ctx, call)

		collector.RecordRequest(call.Endpoint(), status.CodeOf(err).String(), time.Since(start))

		return resp, err
	}
}
