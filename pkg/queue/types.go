// Package queue records mutations made while offline and keeps them until
// the sync orchestrator has applied them to the remote API.
package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
)

// LocalIDPrefix marks ids minted on the device before the server assigned one
const LocalIDPrefix = "local_"

// NewLocalID returns a fresh local entity id
func NewLocalID() string {
	return LocalIDPrefix + xid.New().String()
}

// IsLocalID reports whether id was minted locally
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Kind is the mutation type of a pending operation
type Kind int

const (
	Create Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "create":
		*k = Create
	case "update":
		*k = Update
	case "delete":
		*k = Delete
	default:
		return fmt.Errorf("unknown operation kind %q", text)
	}
	return nil
}

// BlobRef points at a photo kept in the blob store until it is uploaded
type BlobRef struct {
	ID        string `json:"id"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	// Field is the payload field that receives the uploaded URL
	Field     string `json:"field"`
	Attempts  int    `json:"attempts"`
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// Uploaded reports whether the blob was resolved to a remote URL
func (b BlobRef) Uploaded() bool {
	return b.RemoteURL != ""
}

// PendingOperation is the single queued mutation of one entity
type PendingOperation struct {
	LocalID    string         `json:"localId"`
	ServerID   string         `json:"serverId,omitempty"`
	Kind       Kind           `json:"kind"`
	EntityType string         `json:"entityType"`
	Payload    map[string]any `json:"payload,omitempty"`
	Blobs      []BlobRef      `json:"blobs,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	Seq        uint64         `json:"seq"`
	Revision   uint64         `json:"revision"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"lastError,omitempty"`
}

// PendingBlobs returns the blobs still waiting for upload
func (op *PendingOperation) PendingBlobs() []BlobRef {
	var out []BlobRef
	for _, b := range op.Blobs {
		if !b.Uploaded() {
			out = append(out, b)
		}
	}
	return out
}

// Parked reports whether the operation exhausted its automatic attempts.
// A zero limit disables that check.
func (op *PendingOperation) Parked(maxAttempts, blobMaxAttempts int) bool {
	if maxAttempts > 0 && op.Attempts >= maxAttempts {
		return true
	}
	if blobMaxAttempts > 0 {
		for _, b := range op.Blobs {
			if !b.Uploaded() && b.Attempts >= blobMaxAttempts {
				return true
			}
		}
	}
	return false
}

func (op PendingOperation) clone() PendingOperation {
	out := op
	out.Payload = clonePayload(op.Payload)
	out.Blobs = append([]BlobRef(nil), op.Blobs...)
	out.DependsOn = append([]string(nil), op.DependsOn...)
	return out
}

// Outcome describes what Enqueue did with an operation
type Outcome struct {
	// Op is the operation now queued for the entity. It is the zero value
	// when the mutation cancelled the queued create.
	Op PendingOperation
	// Coalesced is set when the mutation was folded into a queued operation
	Coalesced bool
	// Cancelled is set when nothing remains queued for the entity
	Cancelled bool
}

// Counts is the number of queued operations per kind
type Counts struct {
	Creates int
	Updates int
	Deletes int
	Total   int
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DependsOn lists the local ids referenced by the payload, excluding the
// entity's own id
func DependsOn(op PendingOperation) []string {
	seen := make(map[string]struct{})
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if IsLocalID(t) && t != op.LocalID {
				seen[t] = struct{}{}
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case []string:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(op.Payload)

	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PreparePayload returns the body to send for op: local ids are replaced by
// the server ids lookup knows, uploaded blob URLs are set on their fields.
// A field with several blobs receives a list of URLs.
func PreparePayload(op PendingOperation, lookup func(localID string) (string, bool)) map[string]any {
	var subst func(v any) any
	subst = func(v any) any {
		switch t := v.(type) {
		case string:
			if IsLocalID(t) {
				if id, ok := lookup(t); ok {
					return id
				}
			}
			return t
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, e := range t {
				out[k] = subst(e)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, e := range t {
				out[i] = subst(e)
			}
			return out
		case []string:
			out := make([]any, len(t))
			for i, e := range t {
				out[i] = subst(e)
			}
			return out
		default:
			return v
		}
	}

	payload, _ := subst(map[string]any(op.Payload)).(map[string]any)
	if payload == nil {
		payload = make(map[string]any)
	}

	byField := make(map[string][]string)
	var fields []string
	for _, b := range op.Blobs {
		if !b.Uploaded() || b.Field == "" {
			continue
		}
		if _, ok := byField[b.Field]; !ok {
			fields = append(fields, b.Field)
		}
		byField[b.Field] = append(byField[b.Field], b.RemoteURL)
	}
	for _, f := range fields {
		urls := byField[f]
		if len(urls) == 1 {
			payload[f] = urls[0]
			continue
		}
		list := make([]any, len(urls))
		for i, u := range urls {
			list[i] = u
		}
		payload[f] = list
	}
	return payload
}
