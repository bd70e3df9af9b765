// Package lru implements the least-recently-used recency policy.
package lru

import "github.com/IvanBrykalov/txcache/policy"

// lru is a classic "move-to-front" policy.
// It delegates list manipulation to policy.Hooks provided by the queue.
type lru[K comparable, V any] struct {
	h policy.Hooks[K, V]
}

type lruPolicy[K comparable, V any] struct{}

// New returns a Policy factory that constructs per-queue LRU instances.
func New[K comparable, V any]() policy.Policy[K, V] { return lruPolicy[K, V]{} }

// New implements policy.Policy by binding queue hooks.
func (lruPolicy[K, V]) New(h policy.Hooks[K, V]) policy.QueuePolicy[K, V] {
	return &lru[K, V]{h: h}
}

// OnAdd places the new entry at MRU. Evictions are driven by the queue,
// which always takes them from the LRU end.
func (p *lru[K, V]) OnAdd(n policy.Node[K, V]) { p.h.PushFront(n) }

// OnTouch promotes the entry to MRU.
func (p *lru[K, V]) OnTouch(n policy.Node[K, V]) { p.h.MoveToFront(n) }

// OnUpdate promotes the entry to MRU (a replaced value counts as recent use).
func (p *lru[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }

// OnRemove is a no-op: pure LRU keeps no state outside the list.
func (p *lru[K, V]) OnRemove(_ policy.Node[K, V]) {}
