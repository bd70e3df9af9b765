package cache

import (
	"errors"

	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/policy"
)

// ErrDuplicateKey is returned by AddNew when the primary key is already queued.
var ErrDuplicateKey = errors.New("cache: duplicate primary key")

// Metrics exposes queue-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Added(typeName string)
	Touched(typeName string)
	Removed(typeName string)
	Evicted(typeName string, n int)
	Size(typeName string, entries int)
}

// Options configures an EvictionQueue. Zero values are safe except Capacity;
// defaults are applied in New():
//   - EvictionCount < 0 => 0
//   - nil Policy        => LRU
//   - nil Metrics       => NoopMetrics
type Options struct {
	// Type is the object type this queue serves; used as a metrics label.
	Type string

	// Capacity is the entry count at which an eviction pass becomes required.
	Capacity int

	// EvictionCount is the number of extra entries removed below Capacity by
	// each pass, so passes need not run on every insert near capacity.
	EvictionCount int

	// Policy is the recency policy; nil => LRU.
	Policy policy.Policy[object.KeyValue, *object.CachedObject]

	Metrics Metrics
}
