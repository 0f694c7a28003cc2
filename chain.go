package fieldsync

import (
	"context"

	"github.com/fieldops/fieldsync/pkg/request"
)

// Chain is an ordered list of fetch middleware. The first middleware is the
// outermost.
type Chain struct {
	middlewares []request.Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...request.Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Append adds middleware to the end of the chain
func (c *Chain) Append(middlewares ...request.Middleware) *Chain {
	c.middlewares = append(c.middlewares, middlewares...)
	return c
}

// Prepend adds middleware to the beginning of the chain
func (c *Chain) Prepend(middlewares ...request.Middleware) *Chain {
	c.middlewares = append(append([]request.Middleware(nil), middlewares...), c.middlewares...)
	return c
}

// Len returns the number of middleware in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Then wraps handler with the chain
func (c *Chain) Then(handler request.Handler) request.Handler {
	current := handler

	// Apply middleware in reverse order so they execute in the correct order
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		middleware := c.middlewares[i]
		next := current

		current = func(ctx context.Context, call *request.Call) ([]byte, error) {
			return middleware(ctx, call, next)
		}
	}

	return current
}

// ChainMiddleware combines several middleware into one
func ChainMiddleware(middlewares ...request.Middleware) request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		return NewChain(middlewares...).Then(next)(ctx, call)
	}
}
