package util

import (
	"testing"

	"github.com/IvanBrykalov/txcache/object"
)

func TestNextPow2(t *testing.T) {
	t.Parallel()

	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 1000: 1024, 1 << 40: 1 << 40}
	for in, want := range cases {
		if got := NextPow2(in); got != want {
			t.Fatalf("NextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestIndexInRange(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 3, 7, 8} {
		for i := int64(0); i < 1000; i++ {
			idx := Index(HashID(object.ObjectID{Type: "A", Key: object.IntValue(i)}), n)
			if idx < 0 || idx >= n {
				t.Fatalf("Index out of range: %d for n=%d", idx, n)
			}
		}
	}
}

// The same identity must always hash identically; int and string keys with
// the same textual form must not collide by construction.
func TestHashIDStable(t *testing.T) {
	t.Parallel()

	a := object.ObjectID{Type: "Account", Key: object.IntValue(42)}
	if HashID(a) != HashID(a) {
		t.Fatal("HashID is not deterministic")
	}
	b := object.ObjectID{Type: "Account", Key: object.StringValue("42")}
	if HashID(a) == HashID(b) {
		t.Fatal("int and string keys should hash differently")
	}
}
