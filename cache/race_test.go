package cache

import (
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/IvanBrykalov/txcache/object"
)

// A mixed workload of concurrent AddNew/Touch/TryRemove/Evict on random keys.
// Should pass under `-race` without detector reports.
func TestRace_Basic(t *testing.T) {
	q := New(Options{Type: "race", Capacity: 2_048, EvictionCount: 128})

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 10_000
	deadline := time.Now().Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				o := obj(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% TryRemove
					q.TryRemove(o)
				case 5, 6, 7, 8, 9: // ~5% eviction pass
					q.Evict()
				case 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24: // ~15% AddNew
					_ = q.AddNew(o)
				default: // Touch
					q.Touch(o)
				}
			}
		}(w)
	}
	wg.Wait()

	if got, keys := q.Count(), len(q.Keys()); got != keys {
		t.Fatalf("Count()=%d but list holds %d keys", got, keys)
	}
}

// Evictions returned by concurrent passes never overlap.
func TestRace_EvictDisjoint(t *testing.T) {
	q := New(Options{Type: "race", Capacity: 1_000, EvictionCount: 10})
	for i := 0; i < 1_000; i++ {
		if err := q.AddNew(obj(i)); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[object.KeyValue]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, o := range q.Evict() {
				mu.Lock()
				if seen[o.PrimaryKey] {
					t.Errorf("key %v evicted twice", o.PrimaryKey)
				}
				seen[o.PrimaryKey] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// The first pass brings Count to 990; later passes are no-ops.
	if len(seen) != 10 || q.Count() != 990 {
		t.Fatalf("evicted=%d count=%d, want 10 and 990", len(seen), q.Count())
	}
}
