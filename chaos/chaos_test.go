package chaos

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

func ok(ctx context.Context, call *request.Call) ([]byte, error) {
	return []byte("ok"), nil
}

func TestErrorInjection(t *testing.T) {
	mw := New(WithErrors([]status.Code{status.Server}, 1), WithSeed(1))

	_, err := mw(context.Background(), &request.Call{Method: "GET", Path: "/api/sites/3"}, ok)
	if status.CodeOf(err) != status.Server {
		t.Fatalf("expected Server, got %v", err)
	}
	se, _ := status.FromError(err)
	if se.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", se.HTTPStatus)
	}
	if se.Endpoint != "GET /api/sites/:id" {
		t.Errorf("unexpected endpoint %q", se.Endpoint)
	}
}

func TestNoInjectionAtZeroProbability(t *testing.T) {
	mw := New(WithErrors([]status.Code{status.Server}, 0), WithLatency(time.Second, 2*time.Second, 0))

	for i := 0; i < 50; i++ {
		if _, err := mw(context.Background(), &request.Call{}, ok); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestLatencyRespectsContext(t *testing.T) {
	mw := New(WithLatency(time.Second, 2*time.Second, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := mw(ctx, &request.Call{}, ok)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("latency injection ignored the context")
	}
}

func TestCondition(t *testing.T) {
	enabled := false
	mw := New(WithErrors([]status.Code{status.Network}, 1), WithCondition(func() bool { return enabled }))

	if _, err := mw(context.Background(), &request.Call{}, ok); err != nil {
		t.Fatalf("chaos should be off: %v", err)
	}
	enabled = true
	if _, err := mw(context.Background(), &request.Call{}, ok); status.CodeOf(err) != status.Network {
		t.Fatalf("expected Network, got %v", err)
	}
}

func TestForEndpoints(t *testing.T) {
	mw := ForEndpoints([]string{"GET /api/sites"}, New(WithErrors([]status.Code{status.Server}, 1)))

	if _, err := mw(context.Background(), &request.Call{Method: "GET", Path: "/api/sites"}, ok); err == nil {
		t.Error("targeted endpoint should fail")
	}
	if _, err := mw(context.Background(), &request.Call{Method: "GET", Path: "/api/jobs"}, ok); err != nil {
		t.Errorf("other endpoint should pass: %v", err)
	}
}

func TestTimeoutInjection(t *testing.T) {
	mw := New(WithTimeout(10*time.Millisecond, 1))

	_, err := mw(context.Background(), &request.Call{}, func(ctx context.Context, call *request.Call) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOffline(t *testing.T) {
	offline := true
	mw := Offline(func() bool { return offline })

	if _, err := mw(context.Background(), &request.Call{}, ok); !status.IsRetriable(err) {
		t.Errorf("expected retriable network error, got %v", err)
	}
	offline = false
	if _, err := mw(context.Background(), &request.Call{}, ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
