// Package server implements a cache node: per-type data stores bounded by
// eviction queues, the two-phase-commit participant, unique id sequences and
// crash recovery from the persistence log.
package server

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/internal/logging"
	"github.com/IvanBrykalov/txcache/lock"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/wal"
)

// Node is one cache node. It implements protocol.Node.
type Node struct {
	cfg    Config
	logger *zap.Logger
	locks  *lock.Manager
	log    *wal.Log // nil when not persistent
	part   *Participant

	storesMu sync.RWMutex
	stores   map[string]*DataStore

	seqMu sync.Mutex
	seqs  map[string]int64 // used when log == nil

	closeOnce sync.Once
}

var _ protocol.Node = (*Node)(nil)

// Open starts a node. With a DataDir it opens the log, rolls back every
// prepared intent left by a previous run and rebuilds the stores by replay.
func Open(cfg Config) (*Node, error) {
	cfg.setDefaults()
	n := &Node{
		cfg:    cfg,
		logger: logging.Subsystem(cfg.Logger, "node").With(zap.String("node", cfg.Name)),
		locks:  lock.NewManager(),
		stores: make(map[string]*DataStore),
		seqs:   make(map[string]int64),
	}
	n.part = newParticipant(n)

	if cfg.DataDir == "" {
		return n, nil
	}
	l, err := wal.Open(cfg.DataDir, wal.Options{NoSync: cfg.NoSync, Logger: n.logger})
	if err != nil {
		return nil, err
	}
	n.log = l
	if err := n.recover(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) recover() error {
	prepared, err := n.log.Prepared()
	if err != nil {
		return err
	}
	for txID, recs := range prepared {
		n.logger.Warn("txn.recover.rollback",
			zap.String("tx_id", txID), zap.Int("operations", len(recs)))
		if err := n.log.DiscardPrepared(txID); err != nil {
			return err
		}
		n.part.remember(txID, outcome{state: StateRolledBack, reason: protocol.KindUnknownTransaction})
	}

	records := 0
	if err := n.log.Replay(func(r wal.Record) error {
		s := n.store(r.Type)
		s.mu.Lock()
		s.apply(r)
		s.mu.Unlock()
		records++
		return nil
	}); err != nil {
		return err
	}
	n.logger.Info("node.recover",
		zap.Int("records", records), zap.Int("rolled_back", len(prepared)), zap.String("log", n.log.Path()))
	return nil
}

// Close closes the persistence log. Locks held by in-flight transactions are
// abandoned; their prepared intents are rolled back at the next Open.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.log != nil {
			err = n.log.Close()
		}
	})
	return err
}

// Name returns the configured node name.
func (n *Node) Name() string { return n.cfg.Name }

// Participant returns the node's transaction participant.
func (n *Node) Participant() *Participant { return n.part }

// Store returns the data store for typ, or nil if nothing of that type was
// ever written.
func (n *Node) Store(typ string) *DataStore {
	n.storesMu.RLock()
	defer n.storesMu.RUnlock()
	return n.stores[typ]
}

// store returns the data store for typ, creating it on first use.
func (n *Node) store(typ string) *DataStore {
	if s := n.Store(typ); s != nil {
		return s
	}
	n.storesMu.Lock()
	defer n.storesMu.Unlock()
	if s, ok := n.stores[typ]; ok {
		return s
	}
	s := newDataStore(typ, n.cfg.typeConfig(typ), n.cfg.QueueMetrics)
	n.stores[typ] = s
	return s
}

// Types returns the names of the types held by the node, sorted.
func (n *Node) Types() []string {
	n.storesMu.RLock()
	defer n.storesMu.RUnlock()
	out := make([]string, 0, len(n.stores))
	for t := range n.stores {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// -------------------- non-transactional operations --------------------

// Get returns a copy of the object or a NotFound error.
func (n *Node) Get(ctx context.Context, typ string, key object.KeyValue) (*object.CachedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s := n.Store(typ); s != nil {
		if obj, ok := s.Get(key); ok {
			return obj.Clone(), nil
		}
	}
	return nil, protocol.Errorf(protocol.KindNotFound, "%s/%s", typ, key).WithNode(n.cfg.Name)
}

// Put stores obj outside any transaction. The write is logged before it
// becomes visible; it does not take transaction locks.
func (n *Node) Put(ctx context.Context, obj *object.CachedObject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if obj == nil || obj.Type == "" || obj.PrimaryKey.IsZero() {
		return protocol.Errorf(protocol.KindInvalidRequest, "object needs a type and a primary key")
	}
	obj = obj.Clone()
	s := n.store(obj.Type)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.uniqueConflictLocked(obj); err != nil {
		return err
	}
	rec := wal.PutRecord(obj, "")
	if n.log != nil {
		if err := n.log.Append(rec); err != nil {
			return protocol.Wrap(protocol.KindInternal, err).WithNode(n.cfg.Name)
		}
	}
	if evicted := s.apply(rec); len(evicted) > 0 {
		n.logger.Debug("store.evict", zap.String("type", obj.Type), zap.Int("evicted", len(evicted)))
	}
	return nil
}

// Delete removes an object outside any transaction; absent is a no-op.
func (n *Node) Delete(ctx context.Context, typ string, key object.KeyValue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := n.store(typ)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, resident := s.objects[key]
	rec := wal.DeleteRecord(typ, key, "")
	// An evicted object is still in the log, so the delete is logged
	// whether or not the object is resident.
	if n.log != nil {
		if err := n.log.Append(rec); err != nil {
			return protocol.Wrap(protocol.KindInternal, err).WithNode(n.cfg.Name)
		}
	}
	if resident {
		s.apply(rec)
	}
	return nil
}

// current returns the latest value of typ/key: the resident object, or for
// a persistent node the logged value of an evicted one. Nil means absent.
func (n *Node) current(typ string, key object.KeyValue) (*object.CachedObject, error) {
	if s := n.Store(typ); s != nil {
		if obj := s.peek(key); obj != nil {
			return obj, nil
		}
	}
	if n.log == nil {
		return nil, nil
	}
	return n.log.Latest(typ, key)
}

// Scan returns copies of all resident objects of typ in primary-key order.
func (n *Node) Scan(ctx context.Context, typ string) ([]*object.CachedObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := n.Store(typ)
	if s == nil {
		return nil, nil
	}
	objs := s.Scan()
	for i, o := range objs {
		objs[i] = o.Clone()
	}
	return objs, nil
}

// Count returns the number of resident objects of typ.
func (n *Node) Count(ctx context.Context, typ string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s := n.Store(typ); s != nil {
		return s.Count(), nil
	}
	return 0, nil
}

// GenerateUniqueIDs reserves count consecutive values of sequence.
// Persistent nodes keep sequences in the log, so values survive restarts.
func (n *Node) GenerateUniqueIDs(ctx context.Context, sequence string, count int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 || sequence == "" {
		return nil, protocol.Errorf(protocol.KindInvalidRequest, "sequence %q: count must be positive", sequence)
	}
	var first int64
	if n.log != nil {
		v, err := n.log.NextSequence(sequence, count)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindInternal, err).WithNode(n.cfg.Name)
		}
		first = v
	} else {
		n.seqMu.Lock()
		first = n.seqs[sequence] + 1
		n.seqs[sequence] += int64(count)
		n.seqMu.Unlock()
	}
	ids := make([]int64, count)
	for i := range ids {
		ids[i] = first + int64(i)
	}
	return ids, nil
}

// Compact rewrites the persistence log from its folded state. No-op for a
// node that is not persistent.
func (n *Node) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.log == nil {
		return nil
	}
	if _, err := n.log.Compact(); err != nil {
		return protocol.Wrap(protocol.KindInternal, err).WithNode(n.cfg.Name)
	}
	return nil
}

// -------------------- two-phase commit --------------------

// Prepare runs the first phase for this node's share of a transaction.
func (n *Node) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	return n.part.Prepare(ctx, req)
}

// Commit runs the second phase for a prepared transaction.
func (n *Node) Commit(ctx context.Context, txID string) error {
	return n.part.Commit(ctx, txID)
}

// Rollback discards a transaction's staged mutations and releases its locks.
func (n *Node) Rollback(ctx context.Context, txID string) error {
	return n.part.Rollback(ctx, txID)
}

// applyCommit makes a transaction's records durable and visible. The write
// locks of every involved store are held, in type-name order, across the log
// write and the apply, so readers see all of the transaction or none of it.
func (n *Node) applyCommit(txID string, recs []wal.Record) error {
	types := make([]string, 0, 2)
	seen := make(map[string]bool)
	for _, r := range recs {
		if !seen[r.Type] {
			seen[r.Type] = true
			types = append(types, r.Type)
		}
	}
	sort.Strings(types)
	stores := make([]*DataStore, len(types))
	for i, t := range types {
		stores[i] = n.store(t)
		stores[i].mu.Lock()
	}
	defer func() {
		for i := len(stores) - 1; i >= 0; i-- {
			stores[i].mu.Unlock()
		}
	}()

	if n.log != nil {
		if err := n.log.Commit(txID, recs); err != nil {
			return err
		}
	}
	evicted := 0
	for _, r := range recs {
		evicted += len(n.store(r.Type).apply(r))
	}
	if evicted > 0 {
		n.logger.Debug("store.evict", zap.String("tx_id", txID), zap.Int("evicted", evicted))
	}
	return nil
}
