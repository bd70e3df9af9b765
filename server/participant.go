package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/internal/logging"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/wal"
)

// TxState is the participant-side state of one transaction.
type TxState uint8

const (
	StateIdle TxState = iota
	StateLocking
	StatePrepared
	StateCommitted
	StateAborted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocking:
		return "locking"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s TxState) Terminal() bool {
	return s == StateCommitted || s == StateAborted || s == StateRolledBack
}

type txn struct {
	mu     sync.Mutex // serializes Prepare, Commit and Rollback of one txID
	id     string
	state  TxState
	staged []wal.Record
}

type outcome struct {
	state  TxState
	reason protocol.ErrorKind
	// early marks a rollback that arrived before any prepare. It is kept
	// in its own ring so that ordinary outcomes cannot push it out while
	// the late prepare may still be in flight.
	early bool
}

// Participant runs this node's side of two-phase commit.
//
// Transitions:
//
//	Idle -> Locking -> Prepared -> Committed
//	        Locking -> Aborted
//	                   Prepared -> RolledBack
//	Idle -> RolledBack (rollback before prepare)
//
// Finished transactions move from the active table to a bounded outcome
// table so that retried Commit and Rollback calls are answered consistently.
// Early rollbacks are bounded separately from other outcomes.
type Participant struct {
	node    *Node
	logger  *zap.Logger
	metrics Metrics

	mu       sync.Mutex
	active   map[string]*txn
	outcomes map[string]outcome
	ring     []string // outcome ids, oldest first
	early    []string // early rollback ids, oldest first
}

func newParticipant(n *Node) *Participant {
	return &Participant{
		node:     n,
		logger:   logging.Subsystem(n.logger, "participant"),
		metrics:  n.cfg.Metrics,
		active:   make(map[string]*txn),
		outcomes: make(map[string]outcome),
	}
}

// State returns the known state of txID. Unknown ids report StateIdle.
func (p *Participant) State(txID string) TxState {
	p.mu.Lock()
	if o, ok := p.outcomes[txID]; ok {
		p.mu.Unlock()
		return o.state
	}
	t, ok := p.active[txID]
	p.mu.Unlock()
	if !ok {
		return StateIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Active returns the number of transactions not yet finished.
func (p *Participant) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// lookup returns the active txn or the remembered outcome of txID. With
// create set, an unknown id gets a fresh Idle txn.
func (p *Participant) lookup(txID string, create bool) (*txn, *outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.outcomes[txID]; ok {
		return nil, &o
	}
	t, ok := p.active[txID]
	if !ok && create {
		t = &txn{id: txID}
		p.active[txID] = t
	}
	return t, nil
}

// remember records a terminal outcome and forgets the active txn.
func (p *Participant) remember(txID string, o outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, txID)
	if _, ok := p.outcomes[txID]; ok {
		p.outcomes[txID] = o
		return
	}
	p.outcomes[txID] = o
	ring := &p.ring
	if o.early {
		ring = &p.early
	}
	*ring = append(*ring, txID)
	for len(*ring) > p.node.cfg.OutcomeRetention {
		delete(p.outcomes, (*ring)[0])
		*ring = (*ring)[1:]
	}
}

// Prepare locks the transaction's objects in canonical order, checks
// conditions under those locks and stages the mutations. A refusal is a
// VoteAbort response, not an error; errors are reserved for bad requests.
func (p *Participant) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	if req.TxID == "" {
		return protocol.PrepareResponse{}, protocol.Errorf(protocol.KindInvalidRequest, "missing transaction id")
	}
	t, o := p.lookup(req.TxID, true)
	if o != nil {
		return p.answerFinished(req.TxID, *o), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StatePrepared:
		// Re-sent prepare.
		if req.OnePhase {
			return p.commitOnePhase(t)
		}
		return protocol.PrepareResponse{Vote: protocol.VoteReady}, nil
	case StateIdle:
	default:
		// Finished concurrently with this call.
		return p.answerFinished(t.id, outcome{state: t.state}), nil
	}

	log := p.logger.With(zap.String("tx_id", t.id))
	t.state = StateLocking

	ids := make([]object.ObjectID, len(req.Operations))
	for i, op := range req.Operations {
		if err := validate(op); err != nil {
			p.finishAbort(t, protocol.KindInvalidRequest, err.Error())
			return protocol.PrepareResponse{}, err.WithTx(t.id).WithNode(p.node.cfg.Name)
		}
		ids[i] = op.Target
	}

	start := time.Now()
	err := p.node.locks.AcquireAll(ctx, ids, t.id, p.node.cfg.LockTimeout)
	p.metrics.LockWait(p.node.cfg.Name, time.Since(start))
	if err != nil {
		log.Info("txn.prepare.abort", zap.String("reason", string(protocol.KindLockTimeout)), zap.Error(err))
		return p.abort(t, protocol.KindLockTimeout, err.Error()), nil
	}

	staged := make([]wal.Record, 0, len(req.Operations))
	for _, op := range req.Operations {
		switch op.Kind {
		case protocol.OpUpdateIf:
			pred, err := object.CompilePredicate(op.Predicate)
			if err != nil {
				return p.abort(t, protocol.KindInvalidRequest, err.Error()), nil
			}
			// Held locks keep other transactions off the object, so the
			// value cannot change before commit.
			current, err := p.node.current(op.Target.Type, op.Target.Key)
			if err != nil {
				log.Error("txn.prepare.read", zap.Error(err))
				return p.abort(t, protocol.KindInternal, err.Error()), nil
			}
			ok, err := pred.Eval(ctx, current)
			if err != nil || !ok {
				msg := fmt.Sprintf("%s: %s", op.Target, pred)
				if err != nil {
					msg = err.Error()
				}
				log.Info("txn.prepare.abort",
					zap.String("reason", string(protocol.KindConditionNotSatisfied)),
					zap.String("type", op.Target.Type), zap.Stringer("key", op.Target.Key))
				return p.abort(t, protocol.KindConditionNotSatisfied, msg), nil
			}
			fallthrough
		case protocol.OpPut:
			if err := p.node.store(op.Target.Type).uniqueConflict(op.Object); err != nil {
				return p.abort(t, protocol.KindDuplicateKey, err.Error()), nil
			}
			staged = append(staged, wal.PutRecord(op.Object.Clone(), t.id))
		case protocol.OpDelete:
			staged = append(staged, wal.DeleteRecord(op.Target.Type, op.Target.Key, t.id))
		}
	}

	if p.node.log != nil && !req.OnePhase {
		if err := p.node.log.SavePrepared(t.id, staged); err != nil {
			log.Error("txn.prepare.persist", zap.Error(err))
			return p.abort(t, protocol.KindInternal, err.Error()), nil
		}
	}
	t.staged = staged
	t.state = StatePrepared
	p.metrics.Prepared(p.node.cfg.Name)
	log.Debug("txn.prepare.ready", zap.Int("operations", len(staged)))

	if req.OnePhase {
		return p.commitOnePhase(t)
	}
	return protocol.PrepareResponse{Vote: protocol.VoteReady}, nil
}

// commitOnePhase commits right after prepare. Nobody else will decide this
// transaction, so a failed commit aborts it instead of leaving it prepared.
func (p *Participant) commitOnePhase(t *txn) (protocol.PrepareResponse, error) {
	if err := p.commitLocked(t); err != nil {
		if p.node.log != nil {
			_ = p.node.log.DiscardPrepared(t.id)
		}
		return p.abort(t, protocol.KindInternal, err.Error()), nil
	}
	return protocol.PrepareResponse{Vote: protocol.VoteReady, Committed: true}, nil
}

// Commit applies a prepared transaction. Committing an already committed
// transaction acknowledges again.
func (p *Participant) Commit(_ context.Context, txID string) error {
	t, o := p.lookup(txID, false)
	if o != nil {
		if o.state == StateCommitted {
			return nil
		}
		return protocol.Errorf(protocol.KindUnknownTransaction, "transaction is %s", o.state).
			WithTx(txID).WithNode(p.node.cfg.Name)
	}
	if t == nil {
		return protocol.Errorf(protocol.KindUnknownTransaction, "no such transaction").
			WithTx(txID).WithNode(p.node.cfg.Name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StatePrepared:
		return p.commitLocked(t)
	case StateCommitted:
		return nil
	default:
		return protocol.Errorf(protocol.KindUnknownTransaction, "transaction is %s", t.state).
			WithTx(txID).WithNode(p.node.cfg.Name)
	}
}

// commitLocked logs, applies and releases. On a log failure the transaction
// stays Prepared so the coordinator can retry. Caller holds t.mu.
func (p *Participant) commitLocked(t *txn) error {
	if err := p.node.applyCommit(t.id, t.staged); err != nil {
		p.logger.Error("txn.commit.persist", zap.String("tx_id", t.id), zap.Error(err))
		return protocol.Wrap(protocol.KindInternal, err).WithTx(t.id).WithNode(p.node.cfg.Name)
	}
	p.node.locks.Release(t.id)
	t.state = StateCommitted
	t.staged = nil
	p.remember(t.id, outcome{state: StateCommitted})
	p.metrics.Committed(p.node.cfg.Name)
	p.logger.Debug("txn.commit", zap.String("tx_id", t.id))
	return nil
}

// Rollback discards a transaction. It is idempotent and valid from every
// state except Committed. Rolling back an unknown id records the outcome, so
// a Prepare arriving later for it aborts.
func (p *Participant) Rollback(_ context.Context, txID string) error {
	t, o := p.lookup(txID, true)
	if o != nil {
		if o.state == StateCommitted {
			return protocol.Errorf(protocol.KindInvalidRequest, "transaction already committed").
				WithTx(txID).WithNode(p.node.cfg.Name)
		}
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCommitted:
		return protocol.Errorf(protocol.KindInvalidRequest, "transaction already committed").
			WithTx(txID).WithNode(p.node.cfg.Name)
	case StateAborted, StateRolledBack:
		return nil
	}

	wasPrepared := t.state == StatePrepared
	early := t.state == StateIdle
	p.node.locks.Release(t.id)
	if wasPrepared && p.node.log != nil {
		if err := p.node.log.DiscardPrepared(t.id); err != nil {
			// The intent is swept as rolled back on the next restart.
			p.logger.Warn("txn.rollback.persist", zap.String("tx_id", t.id), zap.Error(err))
		}
	}
	t.state = StateRolledBack
	t.staged = nil
	p.remember(t.id, outcome{state: StateRolledBack, reason: protocol.KindUnknownTransaction, early: early})
	p.metrics.RolledBack(p.node.cfg.Name)
	p.logger.Debug("txn.rollback", zap.String("tx_id", t.id), zap.Bool("was_prepared", wasPrepared))
	return nil
}

// abort releases locks, records the outcome and builds the abort vote.
// Caller holds t.mu.
func (p *Participant) abort(t *txn, reason protocol.ErrorKind, msg string) protocol.PrepareResponse {
	p.finishAbort(t, reason, msg)
	return protocol.PrepareResponse{Vote: protocol.VoteAbort, Reason: reason, Message: msg}
}

func (p *Participant) finishAbort(t *txn, reason protocol.ErrorKind, msg string) {
	p.node.locks.Release(t.id)
	t.state = StateAborted
	t.staged = nil
	p.remember(t.id, outcome{state: StateAborted, reason: reason})
	p.metrics.Aborted(p.node.cfg.Name, string(reason))
}

func (p *Participant) answerFinished(txID string, o outcome) protocol.PrepareResponse {
	switch o.state {
	case StateCommitted:
		return protocol.PrepareResponse{Vote: protocol.VoteReady, Committed: true}
	default:
		reason := o.reason
		if reason == "" {
			reason = protocol.KindUnknownTransaction
		}
		return protocol.PrepareResponse{
			Vote:    protocol.VoteAbort,
			Reason:  reason,
			Message: fmt.Sprintf("transaction %s is %s", txID, o.state),
		}
	}
}

func validate(op protocol.Operation) *protocol.Error {
	if op.Target.Type == "" || op.Target.Key.IsZero() {
		return protocol.Errorf(protocol.KindInvalidRequest, "operation without target")
	}
	switch op.Kind {
	case protocol.OpPut, protocol.OpUpdateIf:
		if op.Object == nil || op.Object.ID() != op.Target {
			return protocol.Errorf(protocol.KindInvalidRequest, "%s %s: object does not match target", op.Kind, op.Target)
		}
	case protocol.OpDelete:
	default:
		return protocol.Errorf(protocol.KindInvalidRequest, "unknown operation %s", op.Kind)
	}
	return nil
}
