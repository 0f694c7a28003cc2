// Package request describes a single call to the remote API as it flows
// through the fetch middleware chain.
package request

import (
	"context"
	"io"
	"regexp"
	"strings"
)

// Call describes one logical request. Middleware may read every field; only
// Attempt is updated by the retry middleware.
type Call struct {
	// Method is the HTTP method
	Method string
	// Path is the concrete request path, e.g. /api/inspections/42
	Path string
	// Template is the path with parameters left in, e.g. /api/inspections/{id}.
	// When empty the endpoint key is derived from Path.
	Template string
	Query    map[string][]string
	Body     []byte
	Header   map[string]string
	// Upload is set for multipart photo uploads
	Upload *Upload
	// Attempt is 1 for the first try
	Attempt int
}

// Upload is a binary part sent as multipart/form-data
type Upload struct {
	Field    string
	FileName string
	MimeType string
	Reader   io.Reader
}

// Endpoint returns the normalized endpoint key of the call
func (c *Call) Endpoint() string {
	if c.Template != "" {
		return NormalizeEndpoint(c.Method, c.Template)
	}
	return NormalizeEndpoint(c.Method, c.Path)
}

// Handler performs a call and returns the raw response body
type Handler func(ctx context.Context, call *Call) ([]byte, error)

// Middleware wraps a Handler
type Middleware func(ctx context.Context, call *Call, next Handler) ([]byte, error)

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	xidSegment     = regexp.MustCompile(`^[0-9a-v]{20}$`)
	paramSegment   = regexp.MustCompile(`^(\{[^/]+\}|:[^/]+)$`)
)

// NormalizeEndpoint builds the breaker/metrics key for a call: the upper-cased
// method followed by the path template. Identifier-like segments are folded
// into ":id" so /api/sites/12 and /api/sites/13 share one key.
func NormalizeEndpoint(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case paramSegment.MatchString(seg),
			numericSegment.MatchString(seg),
			uuidSegment.MatchString(seg),
			xidSegment.MatchString(seg),
			strings.HasPrefix(seg, "local_"):
			segments[i] = ":id"
		}
	}

	return strings.ToUpper(method) + " " + strings.Join(segments, "/")
}
