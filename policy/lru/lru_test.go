package lru

import (
	"testing"

	"github.com/IvanBrykalov/txcache/policy"
)

// --- test doubles ---

type testNode[K comparable, V any] struct {
	k K
	v V
}

func (n *testNode[K, V]) Key() K    { return n.k }
func (n *testNode[K, V]) Value() *V { return &n.v }

type mockHooks[K comparable, V any] struct {
	pushFrontCnt   int
	moveToFrontCnt int
	removeCnt      int

	lastPush policy.Node[K, V]
	lastMove policy.Node[K, V]
}

func (h *mockHooks[K, V]) MoveToFront(n policy.Node[K, V]) { h.moveToFrontCnt++; h.lastMove = n }
func (h *mockHooks[K, V]) PushFront(n policy.Node[K, V])   { h.pushFrontCnt++; h.lastPush = n }
func (h *mockHooks[K, V]) Remove(policy.Node[K, V])        { h.removeCnt++ }
func (h *mockHooks[K, V]) Back() policy.Node[K, V]         { return nil }
func (h *mockHooks[K, V]) Len() int                        { return 0 }

// --- tests ---

// OnAdd should push the node to MRU and nothing else.
func TestLRU_OnAdd_PushFront(t *testing.T) {
	t.Parallel()

	h := &mockHooks[int64, string]{}
	p := New[int64, string]().New(h)

	n := &testNode[int64, string]{k: 1, v: "a"}
	p.OnAdd(n)

	if h.pushFrontCnt != 1 || h.lastPush != n {
		t.Fatalf("OnAdd must call PushFront exactly once with the node")
	}
	if h.moveToFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnAdd must not call MoveToFront/Remove")
	}
}

// OnTouch and OnUpdate should both promote the node to MRU.
func TestLRU_TouchAndUpdate_MoveToFront(t *testing.T) {
	t.Parallel()

	h := &mockHooks[int64, string]{}
	p := New[int64, string]().New(h)

	n := &testNode[int64, string]{k: 2, v: "b"}
	p.OnTouch(n)
	p.OnUpdate(n)

	if h.moveToFrontCnt != 2 || h.lastMove != n {
		t.Fatalf("OnTouch/OnUpdate must call MoveToFront once each, got %d", h.moveToFrontCnt)
	}
	if h.pushFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnTouch/OnUpdate must not call PushFront/Remove")
	}
}

// OnRemove is a no-op for pure LRU.
func TestLRU_OnRemove_NoOp(t *testing.T) {
	t.Parallel()

	h := &mockHooks[int64, string]{}
	p := New[int64, string]().New(h)

	p.OnRemove(&testNode[int64, string]{k: 3, v: "c"})

	if h.pushFrontCnt != 0 || h.moveToFrontCnt != 0 || h.removeCnt != 0 {
		t.Fatalf("OnRemove for LRU must be no-op (no hooks should be called)")
	}
}
