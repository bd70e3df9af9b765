// Package cache provides the per-type eviction queue used by cache nodes:
// a recency-ordered set of packed objects with batched eviction.
//
// Design
//
//   - Storage: the queue keeps a map[object.KeyValue]*node for lookups and an
//     intrusive MRU↔LRU doubly linked list for ordering. One mutex guards both.
//     AddNew, Touch and TryRemove are O(1); Evict is O(evicted).
//
//   - Batched eviction: once Count reaches Capacity, an eviction pass removes
//     the least-recent entries until Count == max(0, Capacity-EvictionCount).
//     Evicting in batches keeps the queue from re-evicting on every insert
//     once it is full.
//
//   - Policies: recency moves are delegated to a policy.QueuePolicy through
//     policy.Hooks. LRU is the default. Evict always takes victims from the
//     list tail, so a policy must keep the list in strict recency order.
//
//   - Metrics: Options.Metrics receives Added/Touched/Removed/Evicted/Size
//     signals, labelled with the queue's type name. By default NoopMetrics is
//     used; metrics/prom provides a Prometheus adapter.
//
// Basic usage
//
//	q := cache.New(cache.Options{Type: "Account", Capacity: 1000, EvictionCount: 100})
//	if err := q.AddNew(obj); err != nil {
//	    // cache.ErrDuplicateKey: obj's primary key is already queued
//	}
//	q.Touch(obj)          // refresh recency
//	if q.EvictionRequired() {
//	    for _, victim := range q.Evict() {
//	        _ = victim // drop from the owning store
//	    }
//	}
//
// The queue only tracks recency; the owning store keeps the authoritative
// key→object map and its secondary indexes, and must drop every object
// returned by Evict.
package cache
