package cache

import "github.com/IvanBrykalov/txcache/object"

// node is an intrusive doubly linked list element owned by a queue.
// Its position in the list is the object's recency token.
type node struct {
	key object.KeyValue
	val *object.CachedObject

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node
	next *node
}

// Key returns the primary key (part of policy.Node interface).
func (n *node) Key() object.KeyValue { return n.key }

// Value returns a pointer to the stored object (part of policy.Node interface).
// NOTE: callers must only read/write through this pointer while holding the
// queue lock.
func (n *node) Value() **object.CachedObject { return &n.val }
