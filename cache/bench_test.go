package cache

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/IvanBrykalov/txcache/object"
)

// benchmarkMix exercises a touch/add mix against a warm, full queue; every
// insert that fills the queue triggers an eviction pass, like a node store does.
func benchmarkMix(b *testing.B, touchPct int) {
	q := New(Options{Type: "bench", Capacity: 100_000, EvictionCount: 1_000})

	const keyMask = (1 << 17) - 1
	objs := make([]*object.CachedObject, keyMask+1)
	for i := range objs {
		objs[i] = obj(i)
	}
	for i := 0; i < 50_000; i++ {
		_ = q.AddNew(objs[i])
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			o := objs[i&keyMask]
			if r.Intn(100) < touchPct {
				q.Touch(o)
			} else if q.AddNew(o) == nil && q.EvictionRequired() {
				q.Evict()
			}
			i++
		}
	})
}

func BenchmarkQueue_90t10a(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkQueue_50t50a(b *testing.B) { benchmarkMix(b, 50) }
