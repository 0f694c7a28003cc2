package middleware

import (
	"context"
	"testing"

	"github.com/fieldops/fieldsync/pkg/metrics"
	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsMiddleware(t *testing.T) {
	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		t.Fatalf("Failed to create metrics collector: %v", err)
	}

	mw := Metrics(collector)
	ctx := context.Background()

	ok := func(ctx context.Context, call *request.Call) ([]byte, error) { return []byte("[]"), nil }
	bad := func(ctx context.Context, call *request.Call) ([]byte, error) {
		return nil, status.FromHTTP(502, call.Endpoint(), nil)
	}

	mw(ctx, &request.Call{Method: "GET", Path: "/api/jobs/1"}, ok)
	mw(ctx, &request.Call{Method: "GET", Path: "/api/jobs/2"}, ok)
	mw(ctx, &request.Call{Method: "GET", Path: "/api/jobs/3"}, bad)

	metricFamilies, err := collector.GetRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var requests *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "fieldsync_requests_total" {
			requests = mf
		}
	}
	if requests == nil {
		t.Fatal("requests_total metric not found")
	}

	counts := map[string]float64{}
	for _, m := range requests.GetMetric() {
		var endpoint, code string
		for _, l := range m.GetLabel() {
			switch l.GetName() {
			case "endpoint":
				endpoint = l.GetValue()
			case "code":
				code = l.GetValue()
			}
		}
		if endpoint != "GET /api/jobs/:id" {
			t.Errorf("Expected normalized endpoint label, got %q", endpoint)
		}
		counts[code] = m.GetCounter().GetValue()
	}

	if counts["OK"] != 2 {
		t.Errorf("Expected 2 OK requests, got %v", counts["OK"])
	}
	if counts["Server"] != 1 {
		t.Errorf("Expected 1 Server failure, got %v", counts["Server"])
	}
}
