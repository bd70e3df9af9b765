package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/txcache/object"
)

func id(i int) object.ObjectID {
	return object.ObjectID{Type: "Account", Key: object.IntValue(int64(i))}
}

func TestAcquireReentrantAndRelease(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, id(1), "tx1", time.Second))
	require.NoError(t, m.TryAcquire(ctx, id(1), "tx1", time.Second))
	owner, ok := m.Holder(id(1))
	require.True(t, ok)
	require.Equal(t, "tx1", owner)
	require.Equal(t, 1, m.Len())
	require.Len(t, m.Held("tx1"), 1)

	m.Release("tx1")
	_, ok = m.Holder(id(1))
	require.False(t, ok)
	require.Zero(t, m.Len())

	m.Release("tx1") // no-op
}

func TestAcquireTimesOut(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.TryAcquire(ctx, id(1), "tx1", 0))

	start := time.Now()
	err := m.TryAcquire(ctx, id(1), "tx2", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	owner, _ := m.Holder(id(1))
	require.Equal(t, "tx1", owner)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.TryAcquire(context.Background(), id(1), "tx1", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.TryAcquire(ctx, id(1), "tx2", 0)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestWaiterWakesOnRelease(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()
	require.NoError(t, m.TryAcquire(ctx, id(1), "tx1", 0))

	got := make(chan error, 1)
	go func() { got <- m.TryAcquire(ctx, id(1), "tx2", 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	m.Release("tx1")
	require.NoError(t, <-got)
	owner, _ := m.Holder(id(1))
	require.Equal(t, "tx2", owner)
}

// Transactions locking overlapping sets in opposite request order never
// deadlock: AcquireAll always walks the canonical order.
func TestAcquireAllNoDeadlock(t *testing.T) {
	t.Parallel()
	m := NewManager()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		tx := "tx" + string(rune('a'+w))
		ids := []object.ObjectID{id(1), id(2), id(3)}
		if w%2 == 1 {
			ids = []object.ObjectID{id(3), id(2), id(1)}
		}
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				if err := m.AcquireAll(ctx, ids, tx, 5*time.Second); err != nil {
					return err
				}
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				m.Release(tx)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 1, maxSeen, "critical section must be exclusive")
	require.Zero(t, m.Len())
}
