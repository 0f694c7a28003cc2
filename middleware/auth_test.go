package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tech-17",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestAuthAttachesBearer(t *testing.T) {
	clock := newFakeClock()
	token := signed(t, clock.Now().Add(time.Hour))
	mw := Auth(StaticToken(token), WithAuthClock(clock.Now))

	var got string
	_, err := mw(context.Background(), &request.Call{Method: "GET", Path: "/api/jobs"}, func(ctx context.Context, call *request.Call) ([]byte, error) {
		got = call.Header["Authorization"]
		return nil, nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "Bearer "+token {
		t.Errorf("Expected bearer header, got %q", got)
	}
	if Subject(token) != "tech-17" {
		t.Errorf("Expected subject tech-17, got %q", Subject(token))
	}
}

func TestAuthRejectsExpiredTokenLocally(t *testing.T) {
	clock := newFakeClock()
	mw := Auth(StaticToken(signed(t, clock.Now().Add(-time.Minute))), WithAuthClock(clock.Now))

	called := false
	_, err := mw(context.Background(), &request.Call{Method: "POST", Path: "/api/jobs"}, func(ctx context.Context, call *request.Call) ([]byte, error) {
		called = true
		return nil, nil
	})

	if status.CodeOf(err) != status.Unauthenticated {
		t.Errorf("Expected Unauthenticated, got %v", err)
	}
	if called {
		t.Error("Expected no network call with an expired token")
	}
}

func TestAuthOpaqueToken(t *testing.T) {
	mw := Auth(StaticToken("opaque-session-key"))

	var got string
	mw(context.Background(), &request.Call{Method: "GET", Path: "/api/jobs"}, func(ctx context.Context, call *request.Call) ([]byte, error) {
		got = call.Header["Authorization"]
		return nil, nil
	})

	if got != "Bearer opaque-session-key" {
		t.Errorf("Expected opaque token to pass through, got %q", got)
	}
}

func TestAuthTokenSourceError(t *testing.T) {
	mw := Auth(TokenFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("keychain locked")
	}))

	_, err := mw(context.Background(), &request.Call{Method: "GET", Path: "/api/jobs"}, func(ctx context.Context, call *request.Call) ([]byte, error) {
		return nil, nil
	})
	if status.CodeOf(err) != status.Unauthenticated {
		t.Errorf("Expected Unauthenticated, got %v", err)
	}
}
