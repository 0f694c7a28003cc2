package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for API calls. Acquiring and
// refreshing tokens is up to the host application.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// TokenFunc adapts a function to a TokenSource
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Auth attaches "Authorization: Bearer <token>" to every call. Tokens that
// parse as JWTs are checked for expiry locally so an expired session fails
// with Unauthenticated without a network round trip. Signatures are not
// verified here; the server does that.
func Auth(source TokenSource, opts ...AuthOption) request.Middleware {
	cfg := &authConfig{
		now:    time.Now,
		leeway: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	parser := jwt.NewParser()

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		token, err := source.Token(ctx)
		if err != nil {
			return nil, status.Wrap(status.Unauthenticated, err, "token unavailable")
		}
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
		if token == "" {
			return nil, &status.Error{Code: status.Unauthenticated, Endpoint: call.Endpoint(), Message: "no session token"}
		}

		if exp, ok := tokenExpiry(parser, token); ok && cfg.now().After(exp.Add(cfg.leeway)) {
			return nil, &status.Error{Code: status.Unauthenticated, Endpoint: call.Endpoint(), Message: "session token expired at " + exp.Format(time.RFC3339)}
		}

		if call.Header == nil {
			call.Header = make(map[string]string)
		}
		call.Header["Authorization"] = "Bearer " + token

		return next(ctx, call)
	}
}

// AuthOption configures Auth
type AuthOption func(*authConfig)

type authConfig struct {
	now    func() time.Time
	leeway time.Duration
}

// WithAuthClock sets the time source used for expiry checks
func WithAuthClock(now func() time.Time) AuthOption {
	return func(c *authConfig) {
		c.now = now
	}
}

// WithLeeway tolerates clock skew when checking expiry
// Default: 5s
func WithLeeway(d time.Duration) AuthOption {
	return func(c *authConfig) {
		c.leeway = d
	}
}

// tokenExpiry returns the exp claim of a JWT. Opaque tokens report ok=false.
func tokenExpiry(parser *jwt.Parser, token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Subject returns the sub claim of a JWT session token, if any
func Subject(token string) string {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return claims.Subject
}
