package cache

import (
	"fmt"
	"sync"

	"github.com/IvanBrykalov/txcache/internal/util"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/policy"
	"github.com/IvanBrykalov/txcache/policy/lru"
)

// EvictionQueue is the per-type, per-node recency structure: a map index
// over an intrusive MRU↔LRU doubly linked list, guarded by one mutex.
//
// Invariants:
//   - no two entries share a primary key;
//   - Count() always equals the index size;
//   - EvictionRequired() holds iff Count() >= Capacity().
//
// All operations are O(1) except Evict, which is O(evicted).
type EvictionQueue struct {
	// ---- guarded by mu ----
	mu            sync.Mutex
	m             map[object.KeyValue]*node
	head          *node // MRU
	tail          *node // LRU
	len           int
	capacity      int
	evictionCount int

	pol     policy.QueuePolicy[object.KeyValue, *object.CachedObject]
	typ     string
	metrics Metrics

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_       util.CacheLinePad
	touches util.PaddedAtomicUint64
	evicts  util.PaddedAtomicUint64
}

// New constructs an EvictionQueue. Capacity must be > 0.
func New(opt Options) *EvictionQueue {
	if opt.Capacity <= 0 {
		panic("Capacity must be > 0")
	}
	if opt.EvictionCount < 0 {
		opt.EvictionCount = 0
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[object.KeyValue, *object.CachedObject]()
	}
	q := &EvictionQueue{
		m:             make(map[object.KeyValue]*node),
		capacity:      opt.Capacity,
		evictionCount: opt.EvictionCount,
		typ:           opt.Type,
		metrics:       opt.Metrics,
	}
	q.pol = opt.Policy.New(queueHooks{q: q})
	return q
}

// AddNew inserts obj at the most-recent end.
// It fails with ErrDuplicateKey, leaving the queue untouched, when the primary
// key is already present.
func (q *EvictionQueue) AddNew(obj *object.CachedObject) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.m[obj.PrimaryKey]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, obj.ID())
	}
	n := &node{key: obj.PrimaryKey, val: obj}
	q.m[obj.PrimaryKey] = n
	q.pol.OnAdd(n)

	q.metrics.Added(q.typ)
	q.metrics.Size(q.typ, q.len)
	return nil
}

// Touch moves the entry with obj's primary key to the most-recent end and
// makes obj its current value (a re-packed object replaces the old one).
// Returns false, with no effect, when the key is absent.
func (q *EvictionQueue) Touch(obj *object.CachedObject) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.m[obj.PrimaryKey]
	if !ok {
		return false
	}
	if n.val != obj {
		n.val = obj
		q.pol.OnUpdate(n)
	} else {
		q.pol.OnTouch(n)
	}
	q.touches.Add(1)
	q.metrics.Touched(q.typ)
	return true
}

// TryRemove removes the entry with obj's primary key. Reports whether an
// entry was removed; removing an absent key is a no-op.
func (q *EvictionQueue) TryRemove(obj *object.CachedObject) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, ok := q.m[obj.PrimaryKey]
	if !ok {
		return false
	}
	q.pol.OnRemove(n)
	q.removeNode(n)
	delete(q.m, n.key)
	q.metrics.Removed(q.typ)
	q.metrics.Size(q.typ, q.len)
	return true
}

// Evict runs an eviction pass. When eviction is required it removes entries
// from the least-recent end, in strict recency order, until
// Count() == max(0, Capacity()-EvictionCount()), and returns them oldest first.
// Otherwise it returns nil and leaves the queue unchanged.
func (q *EvictionQueue) Evict() []*object.CachedObject {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.len < q.capacity {
		return nil
	}
	target := q.capacity - q.evictionCount
	if target < 0 {
		target = 0
	}
	evicted := make([]*object.CachedObject, 0, q.len-target)
	for q.len > target {
		n := q.tail
		if n == nil {
			break
		}
		q.pol.OnRemove(n)
		q.removeNode(n)
		delete(q.m, n.key)
		evicted = append(evicted, n.val)
	}
	q.evicts.Add(uint64(len(evicted)))
	q.metrics.Evicted(q.typ, len(evicted))
	q.metrics.Size(q.typ, q.len)
	return evicted
}

// Count returns the number of queued entries.
func (q *EvictionQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Capacity returns the entry count at which eviction becomes required.
func (q *EvictionQueue) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// SetCapacity changes the capacity; it takes effect at the next pass.
func (q *EvictionQueue) SetCapacity(capacity int) {
	if capacity <= 0 {
		panic("Capacity must be > 0")
	}
	q.mu.Lock()
	q.capacity = capacity
	q.mu.Unlock()
}

// EvictionCount returns the batch size removed below Capacity by a pass.
func (q *EvictionQueue) EvictionCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictionCount
}

// EvictionRequired reports whether Count() >= Capacity().
func (q *EvictionQueue) EvictionRequired() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len >= q.capacity
}

// Contains reports whether key is queued, without refreshing recency.
func (q *EvictionQueue) Contains(key object.KeyValue) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.m[key]
	return ok
}

// Keys returns the queued primary keys from least to most recent.
func (q *EvictionQueue) Keys() []object.KeyValue {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]object.KeyValue, 0, q.len)
	for n := q.tail; n != nil; n = n.prev {
		out = append(out, n.key)
	}
	return out
}

// Stats returns lifetime touch and eviction counters.
func (q *EvictionQueue) Stats() (touches, evictions uint64) {
	return q.touches.Load(), q.evicts.Load()
}

// -------------------- internals (mu held) --------------------

// insertFront inserts n at MRU in O(1).
func (q *EvictionQueue) insertFront(n *node) {
	n.prev = nil
	n.next = q.head
	if q.head != nil {
		q.head.prev = n
	}
	q.head = n
	if q.tail == nil {
		q.tail = n
	}
	q.len++
}

// moveToFront promotes n to MRU in O(1).
func (q *EvictionQueue) moveToFront(n *node) {
	if n == q.head {
		return
	}
	// detach
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if q.tail == n {
		q.tail = n.prev
	}
	// insert at head
	n.prev = nil
	n.next = q.head
	if q.head != nil {
		q.head.prev = n
	}
	q.head = n
	if q.tail == nil {
		q.tail = n
	}
}

// removeNode unlinks n and updates the length in O(1).
func (q *EvictionQueue) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if q.head == n {
		q.head = n.next
	}
	if q.tail == n {
		q.tail = n.prev
	}
	n.prev, n.next = nil, nil
	q.len--
}

// -------------------- policy hooks --------------------

// queueHooks adapts the queue's list operations to policy.Hooks.
type queueHooks struct{ q *EvictionQueue }

type pnode = policy.Node[object.KeyValue, *object.CachedObject]

func (h queueHooks) MoveToFront(x pnode) { h.q.moveToFront(x.(*node)) }
func (h queueHooks) PushFront(x pnode)   { h.q.insertFront(x.(*node)) }
func (h queueHooks) Remove(x pnode) {
	// Policies call Remove while the queue lock is held.
	// Map bookkeeping is performed by the queue itself.
	h.q.removeNode(x.(*node))
}
func (h queueHooks) Back() pnode {
	if h.q.tail == nil {
		return nil
	}
	return h.q.tail
}
func (h queueHooks) Len() int { return h.q.len }
