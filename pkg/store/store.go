// Package store provides the persistent key-value store the cache and the
// mutation queue are written through.
package store

import (
	"context"
	"strings"
)

// Namespaces used by fieldsync components
const (
	NamespaceCache = "cache:"
	NamespaceQueue = "queue:"
	NamespaceMeta  = "meta:"
)

// Record is a stored key and its value
type Record struct {
	Key   string
	Value []byte
}

// Store is an async key-value store. Implementations return errors classified
// as status.StorageUnavailable when the backing medium cannot be used.
type Store interface {
	// Get returns the value for key; ok is false when it does not exist
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores value under key, replacing any existing value
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every record whose key starts with prefix, ordered by key
	List(ctx context.Context, prefix string) ([]Record, error)

	// Close releases resources
	Close() error
}

// DeletePrefix removes every key under prefix and returns how many were removed
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	records, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if !strings.HasPrefix(r.Key, prefix) {
			continue
		}
		if err := s.Delete(ctx, r.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
