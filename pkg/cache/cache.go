// Package cache stores fetched API responses with stale-while-revalidate
// freshness and an LRU bound on memory.
package cache

import (
	"time"
)

// Entry is one cached response. Value must not be modified by callers.
type Entry struct {
	Key            string    `json:"key"`
	Value          []byte    `json:"value"`
	StoredAt       time.Time `json:"storedAt"`
	FetchStartedAt time.Time `json:"fetchStartedAt,omitempty"`
	Version        string    `json:"version"`
	SizeBytes      int64     `json:"sizeBytes"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Age returns how long ago the entry was stored
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// newerThan reports whether e supersedes a value whose fetch started at
// fetchStart. Entries from a fetch compare fetch start times.
func (e *Entry) newerThan(fetchStart time.Time) bool {
	if !e.FetchStartedAt.IsZero() {
		return e.FetchStartedAt.After(fetchStart)
	}
	return e.StoredAt.After(fetchStart)
}

func (e *Entry) clone() *Entry {
	c := *e
	return &c
}

// Freshness is the derived state of an entry at a point in time
type Freshness int

const (
	Fresh Freshness = iota
	Stale
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "Fresh"
	case Stale:
		return "Stale"
	default:
		return "Expired"
	}
}

// Policy holds the freshness windows. StaleAge is measured from StoredAt,
// not from the end of MaxAge.
type Policy struct {
	MaxAge   time.Duration
	StaleAge time.Duration
}

// DefaultPolicy returns a 5 minute fresh window and a 1 hour stale window
func DefaultPolicy() Policy {
	return Policy{
		MaxAge:   5 * time.Minute,
		StaleAge: time.Hour,
	}
}

// Classify returns the freshness of e at now
func (p Policy) Classify(e *Entry, now time.Time) Freshness {
	age := e.Age(now)
	switch {
	case age <= p.MaxAge:
		return Fresh
	case age <= p.StaleAge:
		return Stale
	default:
		return Expired
	}
}

// Stats holds entry store statistics
type Stats struct {
	Entries    int
	Bytes      int64
	MaxEntries int
	MaxBytes   int64
	Evictions  uint64
	// Degraded is true once persistence failed and the store went memory-only
	Degraded bool
}
