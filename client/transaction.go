package client

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/transport"
)

// TxStatus is the coordinator-side status of a transaction.
type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxPrepared
	TxCommitted
	TxRolledBack
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxPrepared:
		return "prepared"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// pendingOp is a recorded write, packed at commit time.
type pendingOp struct {
	kind      protocol.OpKind
	desc      *object.TypeDescription
	value     any
	id        object.ObjectID // set for DeleteKey
	predicate string
}

// Transaction buffers writes and applies them atomically across nodes on
// Commit. Nothing is sent to a node before Commit. A Transaction is used once.
type Transaction struct {
	c  *Connector
	id string

	mu     sync.Mutex
	ops    []pendingOp
	status TxStatus
}

// BeginTransaction starts a new transaction with a fresh id.
func (c *Connector) BeginTransaction() *Transaction {
	return &Transaction{c: c, id: uuid.NewString()}
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// Status returns the coordinator-side status.
func (tx *Transaction) Status() TxStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Put records an insert-or-replace of v.
func (tx *Transaction) Put(v any) error {
	return tx.record(protocol.OpPut, v, "")
}

// UpdateIf records a replace of v that only takes effect if predicate holds
// for the object's current value at its node, e.g. "Balance >= 334". The
// whole transaction aborts with ConditionNotSatisfied otherwise.
func (tx *Transaction) UpdateIf(v any, predicate string) error {
	if _, err := object.CompilePredicate(predicate); err != nil {
		return protocol.Wrap(protocol.KindInvalidRequest, err).WithTx(tx.id)
	}
	return tx.record(protocol.OpUpdateIf, v, predicate)
}

// Delete records removal of v, identified by its primary key.
func (tx *Transaction) Delete(v any) error {
	return tx.record(protocol.OpDelete, v, "")
}

// DeleteKey records removal of the object of type typ with primary key key
// (an int, a string or an object.KeyValue).
func (tx *Transaction) DeleteKey(typ string, key any) error {
	k, err := object.KeyOf(key)
	if err != nil {
		return protocol.Wrap(protocol.KindInvalidRequest, err).WithTx(tx.id)
	}
	return tx.add(pendingOp{kind: protocol.OpDelete, id: object.ObjectID{Type: typ, Key: k}})
}

func (tx *Transaction) record(kind protocol.OpKind, v any, predicate string) error {
	desc, err := tx.c.description(v)
	if err != nil {
		return err
	}
	return tx.add(pendingOp{kind: kind, desc: desc, value: v, predicate: predicate})
}

func (tx *Transaction) add(op pendingOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != TxPending {
		return protocol.Errorf(protocol.KindInvalidRequest, "transaction is %s", tx.status).WithTx(tx.id)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// operations packs the recorded writes, keeps the last write per object and
// returns them in canonical order.
func (tx *Transaction) operations() ([]protocol.Operation, error) {
	last := make(map[object.ObjectID]protocol.Operation, len(tx.ops))
	for _, p := range tx.ops {
		op := protocol.Operation{Kind: p.kind, Target: p.id, Predicate: p.predicate}
		switch {
		case p.desc == nil:
		case p.kind == protocol.OpDelete:
			key, err := p.desc.KeyFor(p.value)
			if err != nil {
				return nil, protocol.Wrap(protocol.KindInvalidRequest, err).WithTx(tx.id)
			}
			op.Target = object.ObjectID{Type: p.desc.Name, Key: key}
		default:
			obj, err := object.Pack(p.desc, p.value)
			if err != nil {
				return nil, protocol.Wrap(protocol.KindInvalidRequest, err).WithTx(tx.id)
			}
			op.Object = obj
			op.Target = obj.ID()
		}
		last[op.Target] = op
	}
	out := make([]protocol.Operation, 0, len(last))
	for _, op := range last {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return object.CompareIDs(out[i].Target, out[j].Target) < 0 })
	return out, nil
}

// participant is one node's share of a transaction.
type participant struct {
	node int
	addr string
	ops  []protocol.Operation
	conn transport.Conn

	resp protocol.PrepareResponse
	err  error
}

// Commit applies every recorded write atomically. It returns nil when all
// involved nodes committed. Failures are *protocol.Error values carrying the
// transaction id:
//   - ConditionNotSatisfied, LockTimeout or NodeUnavailable when the
//     transaction was rolled back (the most severe reason is reported);
//   - CommitIncomplete when every node prepared but some node could not be
//     told to commit within CommitMaxAttempts.
//
// ctx bounds the prepare phase only; once every node is prepared the commit
// phase runs to completion regardless of ctx.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != TxPending {
		return protocol.Errorf(protocol.KindInvalidRequest, "transaction is %s", tx.status).WithTx(tx.id)
	}
	ops, err := tx.operations()
	if err != nil {
		tx.status = TxRolledBack
		return err
	}
	if len(ops) == 0 {
		tx.status = TxCommitted
		return nil
	}

	c := tx.c
	log := c.logger.With(zap.String("tx_id", tx.id))
	parts := c.partition(ops)
	if err := tx.borrowAll(ctx, parts); err != nil {
		tx.status = TxRolledBack
		log.Debug("txn.abort", zap.String("reason", string(protocol.KindOf(err))), zap.Error(err))
		return err
	}
	defer func() {
		for _, p := range parts {
			if p.conn != nil {
				c.giveBack(p.node, p.conn)
			}
		}
	}()

	if len(parts) == 1 {
		return tx.commitOnePhase(ctx, parts[0], log)
	}

	// Phase one.
	var g errgroup.Group
	for _, p := range parts {
		g.Go(func() error {
			rctx, cancel := c.requestCtx(ctx)
			defer cancel()
			p.resp, p.err = p.conn.Prepare(rctx, protocol.PrepareRequest{TxID: tx.id, Operations: p.ops})
			return nil
		})
	}
	_ = g.Wait()

	if abortErr := tx.verdict(parts); abortErr != nil {
		tx.rollbackAll(context.WithoutCancel(ctx), parts, log)
		tx.status = TxRolledBack
		log.Info("txn.abort", zap.String("reason", string(abortErr.Kind)), zap.String("node", abortErr.Node))
		return abortErr
	}
	tx.status = TxPrepared

	// Phase two: every node promised to commit, so cancellation no longer
	// applies.
	dctx := context.WithoutCancel(ctx)
	var (
		failMu sync.Mutex
		failed *protocol.Error
	)
	var commits errgroup.Group
	for _, p := range parts {
		commits.Go(func() error {
			if err := tx.commitWithRetry(dctx, p, log); err != nil {
				failMu.Lock()
				if failed == nil {
					failed = protocol.Wrap(protocol.KindCommitIncomplete, err).WithTx(tx.id).WithNode(p.addr)
				}
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = commits.Wait()
	if failed != nil {
		log.Error("txn.commit.incomplete", zap.String("node", failed.Node), zap.String("error", failed.Message))
		return failed
	}
	tx.status = TxCommitted
	log.Debug("txn.commit", zap.Int("nodes", len(parts)), zap.Int("ops", len(ops)))
	return nil
}

// partition groups ops by owning node; the result is in node order and each
// group keeps canonical order.
func (c *Connector) partition(ops []protocol.Operation) []*participant {
	byNode := make(map[int]*participant)
	var parts []*participant
	for _, op := range ops {
		i := c.NodeFor(op.Target)
		p, ok := byNode[i]
		if !ok {
			p = &participant{node: i, addr: c.nodes[i]}
			byNode[i] = p
			parts = append(parts, p)
		}
		p.ops = append(p.ops, op)
	}
	sort.Slice(parts, func(a, b int) bool { return parts[a].node < parts[b].node })
	return parts
}

// borrowAll takes one connection per participant. On failure nothing has been
// sent yet, so the borrowed connections are returned and the error reported.
func (tx *Transaction) borrowAll(ctx context.Context, parts []*participant) error {
	for _, p := range parts {
		conn, err := tx.c.borrow(ctx, p.node)
		if err != nil {
			for _, q := range parts {
				if q.conn != nil {
					tx.c.giveBack(q.node, q.conn)
					q.conn = nil
				}
			}
			return abortError(protocol.KindOf(err), err, tx.id, p.addr)
		}
		p.conn = conn
	}
	return nil
}

// verdict returns nil when every participant voted ready, or the abort error
// with the most severe reason otherwise.
func (tx *Transaction) verdict(parts []*participant) *protocol.Error {
	var worst *protocol.Error
	for _, p := range parts {
		var e *protocol.Error
		switch {
		case p.err != nil:
			e = abortError(protocol.KindOf(p.err), p.err, tx.id, p.addr)
		case !p.resp.Ready():
			e = protocol.Errorf(p.resp.Reason, "%s", p.resp.Message).WithTx(tx.id).WithNode(p.addr)
		default:
			continue
		}
		if worst == nil || protocol.MoreSevere(e.Kind, worst.Kind) {
			worst = e
		}
	}
	return worst
}

// abortError maps a request failure to the error a caller sees. Failures that
// carry no abort reason of their own count as the node being unavailable.
func abortError(kind protocol.ErrorKind, err error, txID, addr string) *protocol.Error {
	switch kind {
	case protocol.KindConditionNotSatisfied, protocol.KindLockTimeout, protocol.KindNodeUnavailable,
		protocol.KindDuplicateKey, protocol.KindInvalidRequest, protocol.KindUnknownTransaction:
	default:
		kind = protocol.KindNodeUnavailable
	}
	return protocol.Wrap(kind, err).WithTx(txID).WithNode(addr)
}

// commitOnePhase runs a single-node transaction in one round trip.
func (tx *Transaction) commitOnePhase(ctx context.Context, p *participant, log *zap.Logger) error {
	rctx, cancel := tx.c.requestCtx(ctx)
	resp, err := p.conn.Prepare(rctx, protocol.PrepareRequest{TxID: tx.id, Operations: p.ops, OnePhase: true})
	cancel()
	switch {
	case err != nil:
		// The request may or may not have reached the node. A rollback
		// settles it, unless the node already committed.
		if tx.rollbackOne(context.WithoutCancel(ctx), p, log) == errAlreadyCommitted {
			tx.status = TxCommitted
			return nil
		}
		tx.status = TxRolledBack
		e := abortError(protocol.KindOf(err), err, tx.id, p.addr)
		log.Info("txn.abort", zap.String("reason", string(e.Kind)), zap.String("node", p.addr))
		return e
	case !resp.Ready():
		tx.status = TxRolledBack
		log.Info("txn.abort", zap.String("reason", string(resp.Reason)), zap.String("node", p.addr))
		return protocol.Errorf(resp.Reason, "%s", resp.Message).WithTx(tx.id).WithNode(p.addr)
	case !resp.Committed:
		// Prepared but not committed in the same call: finish in two phases.
		tx.status = TxPrepared
		if err := tx.commitWithRetry(context.WithoutCancel(ctx), p, log); err != nil {
			return protocol.Wrap(protocol.KindCommitIncomplete, err).WithTx(tx.id).WithNode(p.addr)
		}
	}
	tx.status = TxCommitted
	log.Debug("txn.commit", zap.Int("nodes", 1), zap.Int("ops", len(p.ops)), zap.Bool("one_phase", true))
	return nil
}

var errAlreadyCommitted = protocol.Errorf(protocol.KindInvalidRequest, "transaction already committed")

// rollbackOne rolls p back, best effort. It returns errAlreadyCommitted when
// the node reports the transaction as committed.
func (tx *Transaction) rollbackOne(ctx context.Context, p *participant, log *zap.Logger) error {
	conn := p.conn
	if !conn.Valid() {
		fresh, err := tx.c.borrow(ctx, p.node)
		if err != nil {
			log.Warn("txn.rollback.failed", zap.String("node", p.addr), zap.Error(err))
			return err
		}
		tx.c.giveBack(p.node, conn)
		p.conn, conn = fresh, fresh
	}
	rctx, cancel := tx.c.requestCtx(ctx)
	defer cancel()
	err := conn.Rollback(rctx, tx.id)
	if err == nil {
		return nil
	}
	if protocol.KindOf(err) == protocol.KindInvalidRequest {
		return errAlreadyCommitted
	}
	// A node that never saw the prepare, or lost it, has nothing to undo; an
	// unreachable one drops the intent when its lock timeout fires or on
	// restart.
	log.Warn("txn.rollback.failed", zap.String("node", p.addr), zap.Error(err))
	return err
}

func (tx *Transaction) rollbackAll(ctx context.Context, parts []*participant, log *zap.Logger) {
	var g errgroup.Group
	for _, p := range parts {
		g.Go(func() error {
			_ = tx.rollbackOne(ctx, p, log)
			return nil
		})
	}
	_ = g.Wait()
}

// commitWithRetry tells p to commit, retrying with exponential backoff until
// it acknowledges, the attempt budget runs out or the node reports the
// transaction unknown.
func (tx *Transaction) commitWithRetry(ctx context.Context, p *participant, log *zap.Logger) error {
	c := tx.c
	var err error
	for attempt := 1; ; attempt++ {
		if p.conn == nil || !p.conn.Valid() {
			if p.conn != nil {
				c.giveBack(p.node, p.conn)
				p.conn = nil
			}
			p.conn, err = c.borrow(ctx, p.node)
		}
		if p.conn != nil {
			rctx, cancel := c.requestCtx(ctx)
			err = p.conn.Commit(rctx, tx.id)
			cancel()
			if err == nil {
				return nil
			}
			if protocol.KindOf(err) == protocol.KindUnknownTransaction {
				return err
			}
		}
		if c.cfg.CommitMaxAttempts > 0 && attempt >= c.cfg.CommitMaxAttempts {
			return err
		}
		delay := backoff(c.cfg.CommitBaseDelay, c.cfg.CommitMaxDelay, attempt)
		log.Warn("txn.commit.retry",
			zap.String("node", p.addr), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// backoff returns base*2^(attempt-1) capped at limit, with up to 20% jitter.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}
