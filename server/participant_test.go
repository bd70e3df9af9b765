package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
)

var (
	errNotFound     = protocol.ErrNotFound
	errDuplicateKey = protocol.ErrDuplicateKey
	errInvalid      = protocol.ErrInvalidRequest
	errUnknownTx    = protocol.ErrUnknownTransaction
)

func acctID(id int) object.ObjectID {
	return object.ObjectID{Type: "Account", Key: object.IntValue(int64(id))}
}

func putOp(obj *object.CachedObject) protocol.Operation {
	return protocol.Operation{Kind: protocol.OpPut, Target: obj.ID(), Object: obj}
}

func txPut(txID string, accts ...account) protocol.PrepareRequest {
	req := protocol.PrepareRequest{TxID: txID}
	for _, a := range accts {
		obj, err := object.Pack(accountDesc, a)
		if err != nil {
			panic(err)
		}
		req.Operations = append(req.Operations, putOp(obj))
	}
	return req
}

func TestPrepareCommitLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{})
	p := n.Participant()

	require.Equal(t, StateIdle, p.State("tx1"))
	resp, err := p.Prepare(ctx, txPut("tx1", account{ID: 1, Owner: "ann", Balance: 5}))
	require.NoError(t, err)
	require.True(t, resp.Ready())
	require.Equal(t, StatePrepared, p.State("tx1"))

	// Staged, not visible; locked.
	_, err = n.Get(ctx, "Account", object.IntValue(1))
	require.ErrorIs(t, err, errNotFound)
	owner, ok := n.locks.Holder(acctID(1))
	require.True(t, ok)
	require.Equal(t, "tx1", owner)

	// A re-sent prepare answers Ready again.
	resp, err = p.Prepare(ctx, txPut("tx1", account{ID: 1, Owner: "ann", Balance: 5}))
	require.NoError(t, err)
	require.True(t, resp.Ready())

	require.NoError(t, p.Commit(ctx, "tx1"))
	require.NoError(t, p.Commit(ctx, "tx1"), "commit retries are acknowledged")
	require.Equal(t, StateCommitted, p.State("tx1"))
	require.Zero(t, p.Active())
	require.Zero(t, n.locks.Len())

	got, err := n.Get(ctx, "Account", object.IntValue(1))
	require.NoError(t, err)
	require.Equal(t, 5, balance(t, got))

	require.Error(t, p.Rollback(ctx, "tx1"), "committed transactions cannot roll back")
	require.ErrorIs(t, p.Commit(ctx, "never-seen"), errUnknownTx)
}

func TestRollbackDiscardsStagedState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{DataDir: t.TempDir(), NoSync: true})
	p := n.Participant()

	resp, err := p.Prepare(ctx, txPut("tx1", account{ID: 1, Owner: "ann"}))
	require.NoError(t, err)
	require.True(t, resp.Ready())
	prepared, err := n.log.Prepared()
	require.NoError(t, err)
	require.Contains(t, prepared, "tx1")

	require.NoError(t, p.Rollback(ctx, "tx1"))
	require.NoError(t, p.Rollback(ctx, "tx1"))
	require.Equal(t, StateRolledBack, p.State("tx1"))
	require.Zero(t, n.locks.Len())
	prepared, err = n.log.Prepared()
	require.NoError(t, err)
	require.Empty(t, prepared)

	count, _ := n.Count(ctx, "Account")
	require.Zero(t, count)
	require.ErrorIs(t, p.Commit(ctx, "tx1"), errUnknownTx)
}

func TestPrepareAfterRollbackAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{})
	p := n.Participant()

	require.NoError(t, p.Rollback(ctx, "late"))
	resp, err := p.Prepare(ctx, txPut("late", account{ID: 1, Owner: "ann"}))
	require.NoError(t, err)
	require.False(t, resp.Ready())
	require.Zero(t, n.locks.Len())
}

func TestUpdateIfPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{})
	p := n.Participant()
	require.NoError(t, n.Put(ctx, pack(t, account{ID: 1, Owner: "ann", Balance: 100})))

	cond := func(txID, pred string, bal int) protocol.PrepareRequest {
		obj := pack(t, account{ID: 1, Owner: "ann", Balance: bal})
		return protocol.PrepareRequest{TxID: txID, Operations: []protocol.Operation{{
			Kind: protocol.OpUpdateIf, Target: obj.ID(), Object: obj, Predicate: pred,
		}}}
	}

	resp, err := p.Prepare(ctx, cond("low", "Balance >= 150", 0))
	require.NoError(t, err)
	require.False(t, resp.Ready())
	require.Equal(t, protocol.KindConditionNotSatisfied, resp.Reason)
	require.Equal(t, StateAborted, p.State("low"))
	require.Zero(t, n.locks.Len())

	resp, err = p.Prepare(ctx, cond("ok", "Balance >= 100", 40))
	require.NoError(t, err)
	require.True(t, resp.Ready())
	require.NoError(t, p.Commit(ctx, "ok"))
	got, _ := n.Get(ctx, "Account", object.IntValue(1))
	require.Equal(t, 40, balance(t, got))

	// A predicate over an absent object never holds.
	obj := pack(t, account{ID: 9, Owner: "zed"})
	resp, err = p.Prepare(ctx, protocol.PrepareRequest{TxID: "absent", Operations: []protocol.Operation{{
		Kind: protocol.OpUpdateIf, Target: obj.ID(), Object: obj, Predicate: "true",
	}}})
	require.NoError(t, err)
	require.Equal(t, protocol.KindConditionNotSatisfied, resp.Reason)
}

func TestPrepareLockTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{LockTimeout: 30 * time.Millisecond})
	p := n.Participant()

	resp, err := p.Prepare(ctx, txPut("holder", account{ID: 1, Owner: "ann"}))
	require.NoError(t, err)
	require.True(t, resp.Ready())

	resp, err = p.Prepare(ctx, txPut("waiter", account{ID: 2, Owner: "bob"}, account{ID: 1, Owner: "ann"}))
	require.NoError(t, err)
	require.False(t, resp.Ready())
	require.Equal(t, protocol.KindLockTimeout, resp.Reason)

	// The waiter's partial locks (Account/2) were released.
	_, held := n.locks.Holder(acctID(2))
	require.False(t, held)
	require.NoError(t, p.Rollback(ctx, "holder"))
	require.Zero(t, n.locks.Len())
}

func TestDeleteAndOnePhase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{})
	p := n.Participant()
	require.NoError(t, n.Put(ctx, pack(t, account{ID: 1, Owner: "ann"})))

	req := protocol.PrepareRequest{TxID: "del", OnePhase: true, Operations: []protocol.Operation{
		{Kind: protocol.OpDelete, Target: acctID(1)},
		{Kind: protocol.OpDelete, Target: acctID(2)}, // absent: no-op
	}}
	resp, err := p.Prepare(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.Ready())
	require.True(t, resp.Committed)
	require.Equal(t, StateCommitted, p.State("del"))

	count, _ := n.Count(ctx, "Account")
	require.Zero(t, count)
	require.Zero(t, n.locks.Len())
}

func TestPrepareRejectsMalformed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{})
	p := n.Participant()

	_, err := p.Prepare(ctx, protocol.PrepareRequest{})
	require.ErrorIs(t, err, errInvalid)

	obj := pack(t, account{ID: 1, Owner: "ann"})
	_, err = p.Prepare(ctx, protocol.PrepareRequest{TxID: "bad", Operations: []protocol.Operation{
		{Kind: protocol.OpPut, Target: acctID(2), Object: obj},
	}})
	require.ErrorIs(t, err, errInvalid)
	require.Equal(t, StateAborted, p.State("bad"))
}

func TestOutcomeRetentionIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{OutcomeRetention: 2})
	p := n.Participant()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, p.Rollback(ctx, id))
	}
	require.Equal(t, StateIdle, p.State("a"), "oldest outcome forgotten")
	require.Equal(t, StateRolledBack, p.State("c"))
}

func TestEarlyRollbackOutlivesOutcomeChurn(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{OutcomeRetention: 2})
	p := n.Participant()

	require.NoError(t, p.Rollback(ctx, "late"))
	for i, id := range []string{"a", "b", "c"} {
		resp, err := p.Prepare(ctx, txPut(id, account{ID: i + 1, Owner: id}))
		require.NoError(t, err)
		require.True(t, resp.Ready())
		require.NoError(t, p.Commit(ctx, id))
	}
	require.Equal(t, StateIdle, p.State("a"), "oldest commit forgotten")

	// The delayed prepare of the rolled back transaction still aborts.
	resp, err := p.Prepare(ctx, txPut("late", account{ID: 9, Owner: "zed"}))
	require.NoError(t, err)
	require.False(t, resp.Ready())
	require.Zero(t, n.locks.Len())
	_, err = n.Get(ctx, "Account", object.IntValue(9))
	require.ErrorIs(t, err, errNotFound)
}

func TestUpdateIfReadsEvictedObjectFromLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := openNode(t, Config{DataDir: t.TempDir(), NoSync: true, DefaultCapacity: 2, DefaultEvictionCount: 1})
	p := n.Participant()

	require.NoError(t, n.Put(ctx, pack(t, account{ID: 1, Owner: "ann", Balance: 100})))
	require.NoError(t, n.Put(ctx, pack(t, account{ID: 2, Owner: "bob", Balance: 5})))
	_, err := n.Get(ctx, "Account", object.IntValue(1))
	require.ErrorIs(t, err, errNotFound, "evicted")

	obj := pack(t, account{ID: 1, Owner: "ann", Balance: 60})
	resp, err := p.Prepare(ctx, protocol.PrepareRequest{TxID: "debit", Operations: []protocol.Operation{{
		Kind: protocol.OpUpdateIf, Target: obj.ID(), Object: obj, Predicate: "Balance >= 100",
	}}})
	require.NoError(t, err)
	require.True(t, resp.Ready())
	require.NoError(t, p.Commit(ctx, "debit"))

	got, err := n.Get(ctx, "Account", object.IntValue(1))
	require.NoError(t, err)
	require.Equal(t, 60, balance(t, got))

	// A logged delete makes the predicate fail like any absent object.
	require.NoError(t, n.Put(ctx, pack(t, account{ID: 3, Owner: "cat"})))
	require.NoError(t, n.Delete(ctx, "Account", object.IntValue(2)))
	obj = pack(t, account{ID: 2, Owner: "bob"})
	resp, err = p.Prepare(ctx, protocol.PrepareRequest{TxID: "gone", Operations: []protocol.Operation{{
		Kind: protocol.OpUpdateIf, Target: obj.ID(), Object: obj, Predicate: "true",
	}}})
	require.NoError(t, err)
	require.Equal(t, protocol.KindConditionNotSatisfied, resp.Reason)
}
