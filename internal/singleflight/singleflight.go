// Package singleflight coalesces concurrent identical requests. The client
// uses it, when enabled, so that simultaneous reads of one object cost one round trip.
package singleflight

import (
	"context"
	"sync"
)

// Group runs fn at most once per key among concurrent callers; the others
// wait for and share its result.
//
// The first caller for a key is the leader and runs fn with its own context.
// A follower whose ctx ends stops waiting and returns ctx.Err(); the leader is
// unaffected. A leader whose ctx ends passes that error to all followers, as
// fn itself returns it.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{} // closed once val/err are set
	val     V
	err     error
	waiters int
}

// Do executes fn for key unless a call is already in flight, in which case it
// waits for that call. shared reports whether the result went to more than
// one caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.waiters++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}
	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.m, key)
		shared = c.waiters > 0
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = fn(ctx)
	return c.val, false, c.err
}

// InFlight returns the number of keys with a call in progress.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
