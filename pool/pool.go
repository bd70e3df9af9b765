// Package pool implements a generic pool of expensive resources, such as
// connections, with a bounded number of idle resources, optional preloading,
// validity checks and an optional ceiling on resources handed out at once.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pool: closed")

// Provider creates, checks and disposes of resources.
type Provider[T any] interface {
	// Claim creates a new resource.
	Claim(ctx context.Context) (T, error)
	// Valid reports whether r can still be used.
	Valid(r T) bool
	// Release disposes of r.
	Release(r T)
}

// Options configures a Pool. Zero values are safe; defaults are applied in New():
//   - Capacity <= 0       => 4
//   - Preload > Capacity  => Capacity
//   - MaxOutstanding <= 0 => no ceiling
type Options struct {
	// Capacity is the maximum number of idle resources kept.
	Capacity int
	// Preload is the number of resources claimed by New.
	Preload int
	// MaxOutstanding bounds resources obtained by Get and not yet returned.
	MaxOutstanding int
}

// Pool hands out resources oldest idle first and claims new ones when no
// valid idle resource is left. Safe for concurrent use.
type Pool[T any] struct {
	provider Provider[T]
	capacity int

	mu     sync.Mutex
	idle   []T // oldest first
	closed bool

	sem         *semaphore.Weighted // nil without a ceiling
	outstanding atomic.Int64
	claims      atomic.Int64
}

// New builds a pool and claims opt.Preload resources. A failing preload claim
// is returned as an error after releasing what was claimed.
func New[T any](ctx context.Context, provider Provider[T], opt Options) (*Pool[T], error) {
	if opt.Capacity <= 0 {
		opt.Capacity = 4
	}
	if opt.Preload > opt.Capacity {
		opt.Preload = opt.Capacity
	}
	p := &Pool[T]{provider: provider, capacity: opt.Capacity}
	if opt.MaxOutstanding > 0 {
		p.sem = semaphore.NewWeighted(int64(opt.MaxOutstanding))
	}
	for i := 0; i < opt.Preload; i++ {
		r, err := p.claim(ctx)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle = append(p.idle, r)
	}
	return p, nil
}

// Get returns the oldest valid idle resource, or a newly claimed one.
// Invalid idle resources met on the way are released. With a ceiling, Get
// waits (bounded by ctx) until a resource is returned.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return zero, err
		}
	}
	r, err := p.get(ctx)
	if err != nil {
		if p.sem != nil {
			p.sem.Release(1)
		}
		return zero, err
	}
	p.outstanding.Add(1)
	return r, nil
}

func (p *Pool[T]) get(ctx context.Context) (T, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			return p.claim(ctx)
		}
		r := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		if p.provider.Valid(r) {
			return r, nil
		}
		p.provider.Release(r)
	}
}

// Put returns r to the pool. Invalid resources are released. When the pool
// already holds Capacity idle resources the oldest is released to make room.
func (p *Pool[T]) Put(r T) {
	p.returned()
	if !p.provider.Valid(r) {
		p.provider.Release(r)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.provider.Release(r)
		return
	}
	var evicted []T
	for len(p.idle) >= p.capacity {
		evicted = append(evicted, p.idle[0])
		p.idle = p.idle[1:]
	}
	p.idle = append(p.idle, r)
	p.mu.Unlock()

	for _, old := range evicted {
		p.provider.Release(old)
	}
}

// Discard releases r instead of returning it, e.g. after a failed request.
func (p *Pool[T]) Discard(r T) {
	p.returned()
	p.provider.Release(r)
}

// returned frees a ceiling slot for a resource that came from Get.
func (p *Pool[T]) returned() {
	for {
		n := p.outstanding.Load()
		if n <= 0 {
			return
		}
		if p.outstanding.CompareAndSwap(n, n-1) {
			if p.sem != nil {
				p.sem.Release(1)
			}
			return
		}
	}
}

// Len returns the number of idle resources.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Claims returns how many resources were ever claimed from the provider.
func (p *Pool[T]) Claims() int64 { return p.claims.Load() }

// Outstanding returns the number of resources obtained by Get and not yet
// returned with Put or Discard.
func (p *Pool[T]) Outstanding() int64 { return p.outstanding.Load() }

// Close releases every idle resource. Resources returned later are released
// by Put. Close is idempotent.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, r := range idle {
		p.provider.Release(r)
	}
}

func (p *Pool[T]) claim(ctx context.Context) (T, error) {
	r, err := p.provider.Claim(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	p.claims.Add(1)
	return r, nil
}
