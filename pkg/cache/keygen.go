package cache

import (
	"net/url"
	"sort"
	"strings"

	"github.com/fieldops/fieldsync/pkg/request"
)

// Query identifies a cacheable read
type Query struct {
	Method string
	// Template is the path with {name} placeholders, e.g. /api/sites/{id}/jobs
	Template   string
	PathParams map[string]string
	Params     map[string][]string
}

func (q Query) method() string {
	if q.Method == "" {
		return "GET"
	}
	return strings.ToUpper(q.Method)
}

// Path fills the template placeholders. Unknown placeholders are left as is.
func (q Query) Path() string {
	if len(q.PathParams) == 0 {
		return q.Template
	}
	segments := strings.Split(q.Template, "/")
	for i, seg := range segments {
		var name string
		switch {
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name = seg[1 : len(seg)-1]
		case strings.HasPrefix(seg, ":"):
			name = seg[1:]
		default:
			continue
		}
		if v, ok := q.PathParams[name]; ok {
			segments[i] = url.PathEscape(v)
		}
	}
	return strings.Join(segments, "/")
}

// Endpoint returns the normalized endpoint key used by breakers and metrics
func (q Query) Endpoint() string {
	return request.NormalizeEndpoint(q.method(), q.Template)
}

// Key builds the cache key: version, method, filled path and the params with
// both keys and values sorted, so equivalent queries share one entry. Keys are
// readable so collections can be invalidated by prefix.
func (q Query) Key(version string) string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteByte(' ')
	b.WriteString(q.method())
	b.WriteByte(' ')
	b.WriteString(q.Path())

	if len(q.Params) == 0 {
		return b.String()
	}

	names := make([]string, 0, len(q.Params))
	for k := range q.Params {
		names = append(names, k)
	}
	sort.Strings(names)

	sep := byte('?')
	for _, k := range names {
		values := append([]string(nil), q.Params[k]...)
		sort.Strings(values)
		if len(values) == 0 {
			values = []string{""}
		}
		for _, v := range values {
			b.WriteByte(sep)
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			sep = '&'
		}
	}
	return b.String()
}

// CollectionKeys returns the exact key of a GET on collectionPath and the key
// prefixes covering its filtered variants and its items.
func CollectionKeys(version, collectionPath string) (exact string, prefixes []string) {
	collectionPath = strings.TrimRight(collectionPath, "/")
	exact = Query{Template: collectionPath}.Key(version)
	return exact, []string{exact + "?", exact + "/"}
}
