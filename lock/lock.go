// Package lock implements the per-node lock manager: exclusive locks on
// object identities, owned by transaction ids, with bounded waits.
//
// A waiter never spins: each held lock carries a channel that is closed when
// the lock is released, and waiters block on it until release, timeout or
// context cancellation. Lock tables are striped by the identity hash.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IvanBrykalov/txcache/internal/util"
	"github.com/IvanBrykalov/txcache/object"
)

// ErrLockTimeout is returned when a lock could not be obtained in time.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

type latch struct {
	owner    string
	released chan struct{}
}

type stripe struct {
	mu   sync.Mutex
	held map[object.ObjectID]*latch
	_    util.CacheLinePad
}

// Manager grants exclusive locks keyed by ObjectID to transaction ids.
// A transaction may re-acquire a lock it already holds. Safe for concurrent use.
type Manager struct {
	stripes []stripe

	// ownedMu guards owned: every identity each transaction holds.
	ownedMu sync.Mutex
	owned   map[string][]object.ObjectID
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	n := util.ReasonableStripeCount()
	m := &Manager{
		stripes: make([]stripe, n),
		owned:   make(map[string][]object.ObjectID),
	}
	for i := range m.stripes {
		m.stripes[i].held = make(map[object.ObjectID]*latch)
	}
	return m
}

func (m *Manager) stripeFor(id object.ObjectID) *stripe {
	return &m.stripes[util.Index(util.HashID(id), len(m.stripes))]
}

// TryAcquire obtains the lock on id for txID. It succeeds immediately when
// the lock is free or already held by txID; otherwise it waits until the
// holder releases it, timeout elapses (ErrLockTimeout) or ctx is done.
// A timeout <= 0 means wait only on ctx.
func (m *Manager) TryAcquire(ctx context.Context, id object.ObjectID, txID string, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	s := m.stripeFor(id)
	for {
		s.mu.Lock()
		l, busy := s.held[id]
		if !busy {
			s.held[id] = &latch{owner: txID, released: make(chan struct{})}
			m.remember(txID, id)
			s.mu.Unlock()
			return nil
		}
		if l.owner == txID {
			s.mu.Unlock()
			return nil
		}
		wait := l.released
		s.mu.Unlock()

		select {
		case <-wait:
			// Lock released; race the other waiters for it.
		case <-deadline:
			return fmt.Errorf("%w: %s held by %s", ErrLockTimeout, id, l.owner)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AcquireAll locks every id for txID in canonical order, so that two
// transactions contending for overlapping sets cannot deadlock. The timeout
// bounds each individual wait. On failure the locks obtained so far remain
// held by txID; the caller releases them with Release.
func (m *Manager) AcquireAll(ctx context.Context, ids []object.ObjectID, txID string, timeout time.Duration) error {
	sorted := make([]object.ObjectID, len(ids))
	copy(sorted, ids)
	object.SortIDs(sorted)
	for _, id := range sorted {
		if err := m.TryAcquire(ctx, id, txID, timeout); err != nil {
			return err
		}
	}
	return nil
}

// Release drops every lock held by txID and wakes their waiters.
// Releasing for a transaction that holds nothing is a no-op.
func (m *Manager) Release(txID string) {
	m.ownedMu.Lock()
	ids := m.owned[txID]
	delete(m.owned, txID)
	m.ownedMu.Unlock()

	for _, id := range ids {
		s := m.stripeFor(id)
		s.mu.Lock()
		if l, ok := s.held[id]; ok && l.owner == txID {
			delete(s.held, id)
			close(l.released)
		}
		s.mu.Unlock()
	}
}

// Holder returns the transaction holding id, if any.
func (m *Manager) Holder(id object.ObjectID) (string, bool) {
	s := m.stripeFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.held[id]; ok {
		return l.owner, true
	}
	return "", false
}

// Held returns the identities currently locked by txID.
func (m *Manager) Held(txID string) []object.ObjectID {
	m.ownedMu.Lock()
	defer m.ownedMu.Unlock()
	return append([]object.ObjectID(nil), m.owned[txID]...)
}

// Len returns the number of locked identities.
func (m *Manager) Len() int {
	n := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		n += len(s.held)
		s.mu.Unlock()
	}
	return n
}

// remember records id under txID. Called with the stripe lock held.
func (m *Manager) remember(txID string, id object.ObjectID) {
	m.ownedMu.Lock()
	m.owned[txID] = append(m.owned[txID], id)
	m.ownedMu.Unlock()
}
