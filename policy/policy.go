// Package policy defines the recency-policy contract used by the eviction
// queue. A policy decides where entries move on admission, access and update;
// the queue owns the list memory and the key index.
package policy

// Node is the minimal contract a queue entry must satisfy for a policy.
// It provides read-only access to the key and a pointer to the value.
// The pointer allows in-place replacement without re-linking the node.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
}

// Hooks expose O(1) list operations that a policy can use to manipulate
// the queue's intrusive MRU/LRU list. Implementations are provided by the queue.
//
// Concurrency: all hook calls happen under the queue lock.
// Important: hooks manage only the list; the queue owns the key->node map.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Remove detaches the node from the list (map bookkeeping is done by the queue).
	Remove(Node[K, V])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K, V]
	// Len returns the number of resident nodes.
	Len() int
}

// QueuePolicy is a policy instance bound to one queue's hooks.
// All methods are invoked under the queue lock.
//
// Semantics:
//   - OnAdd places a new node. Eviction order is always taken from Back(),
//     so a policy must keep the list in strict recency order.
//   - OnTouch/OnUpdate promote the node (move to MRU for LRU).
//   - OnRemove is a notification; the queue performs the actual unlink.
type QueuePolicy[K comparable, V any] interface {
	OnAdd(Node[K, V])
	OnTouch(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
}

// Policy is a factory that creates queue-local policy instances.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) QueuePolicy[K, V]
}
