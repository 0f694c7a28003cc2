// Package transport sends request.Call values to the remote HTTP API.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// Transport is the innermost handler of the fetch chain
type Transport struct {
	client *resty.Client
}

// Option configures a Transport
type Option func(*transportConfig)

type transportConfig struct {
	httpClient *http.Client
	logger     *zap.Logger
	userAgent  string
}

// WithHTTPClient sets the underlying http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(tc *transportConfig) {
		tc.httpClient = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(tc *transportConfig) {
		tc.logger = logger
	}
}

// WithUserAgent sets the User-Agent header sent with every call. Empty keeps
// the default.
func WithUserAgent(ua string) Option {
	return func(tc *transportConfig) {
		if ua != "" {
			tc.userAgent = ua
		}
	}
}

// New creates a transport for the API rooted at baseURL. Retries are left to
// the retry middleware so resty runs exactly one attempt per call.
func New(baseURL string, opts ...Option) *Transport {
	tc := &transportConfig{
		logger:    zap.NewNop(),
		userAgent: "fieldsync",
	}
	for _, opt := range opts {
		opt(tc)
	}

	var client *resty.Client
	if tc.httpClient != nil {
		client = resty.NewWithClient(tc.httpClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(baseURL).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", tc.userAgent).
		SetLogger(tc.logger.Sugar())

	return &Transport{client: client}
}

// Handler returns the transport as a request.Handler
func (t *Transport) Handler() request.Handler {
	return t.Do
}

// Do sends call and returns the response body of a 2xx/3xx answer.
// Failures are classified into status codes.
func (t *Transport) Do(ctx context.Context, call *request.Call) ([]byte, error) {
	req := t.client.R().SetContext(ctx)

	if len(call.Query) > 0 {
		req.SetQueryParamsFromValues(url.Values(call.Query))
	}
	if len(call.Header) > 0 {
		req.SetHeaders(call.Header)
	}

	switch {
	case call.Upload != nil:
		up := call.Upload
		// retries resend the same reader
		if s, ok := up.Reader.(io.Seeker); ok {
			if _, err := s.Seek(0, io.SeekStart); err != nil {
				return nil, status.Wrap(status.StorageUnavailable, err, "rewind upload")
			}
		}
		mime := up.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		req.SetMultipartField(up.Field, up.FileName, mime, up.Reader)
	case call.Body != nil:
		req.SetHeader("Content-Type", "application/json").SetBody(call.Body)
	}

	resp, err := req.Execute(call.Method, call.Path)
	if err != nil {
		return nil, classify(ctx, call.Endpoint(), err)
	}

	if err := status.FromHTTP(resp.StatusCode(), call.Endpoint(), resp.Body()); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func classify(ctx context.Context, endpoint string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &status.Error{Code: status.Timeout, Endpoint: endpoint, Message: "request timed out", Err: err}
	}
	return &status.Error{Code: status.Network, Endpoint: endpoint, Message: "request failed", Err: err}
}

