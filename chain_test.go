package fieldsync

import (
	"context"
	"reflect"
	"testing"

	"github.com/fieldops/fieldsync/pkg/request"
)

func recordMiddleware(name string, order *[]string) request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		*order = append(*order, name+">")
		resp, err := next(ctx, call)
		*order = append(*order, "<"+name)
		return resp, err
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	chain := NewChain(recordMiddleware("b", &order)).
		Append(recordMiddleware("c", &order)).
		Prepend(recordMiddleware("a", &order))

	if chain.Len() != 3 {
		t.Fatalf("expected 3 middleware, got %d", chain.Len())
	}

	handler := chain.Then(func(ctx context.Context, call *request.Call) ([]byte, error) {
		order = append(order, "handler")
		return []byte("ok"), nil
	})

	resp, err := handler(context.Background(), &request.Call{Method: "GET", Path: "/"})
	if err != nil || string(resp) != "ok" {
		t.Fatalf("unexpected result %q, %v", resp, err)
	}

	want := []string{"a>", "b>", "c>", "handler", "<c", "<b", "<a"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	combined := ChainMiddleware(recordMiddleware("x", &order), recordMiddleware("y", &order))

	handler := NewChain(combined, recordMiddleware("z", &order)).Then(func(ctx context.Context, call *request.Call) ([]byte, error) {
		return nil, nil
	})
	if _, err := handler(context.Background(), &request.Call{}); err != nil {
		t.Fatal(err)
	}

	want := []string{"x>", "y>", "z>", "<z", "<y", "<x"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}
