package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/txcache/object"
)

func acct(id int64, payload string) *object.CachedObject {
	return &object.CachedObject{Type: "Account", PrimaryKey: object.IntValue(id), Payload: []byte(payload)}
}

func openLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	return l
}

func replayAll(t *testing.T, l *Log) []Record {
	t.Helper()
	var out []Record
	require.NoError(t, l.Replay(func(r Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func TestAppendReplayInOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l := openLog(t, dir)

	require.NoError(t, l.Append(PutRecord(acct(1, `{"b":1}`), "")))
	require.NoError(t, l.Append(
		PutRecord(acct(1, `{"b":2}`), "tx1"),
		DeleteRecord("Account", object.IntValue(2), "tx1"),
		PutRecord(&object.CachedObject{Type: "Trade", PrimaryKey: object.StringValue("t1")}, "tx1"),
	))
	require.NoError(t, l.Close())

	l = openLog(t, dir)
	defer l.Close()
	recs := replayAll(t, l)
	require.Len(t, recs, 4)
	require.Equal(t, OpPut, recs[0].Op)
	require.Equal(t, `{"b":1}`, string(recs[0].Object.Payload))
	require.Equal(t, `{"b":2}`, string(recs[1].Object.Payload))
	require.Equal(t, OpDelete, recs[2].Op)
	require.Equal(t, "Trade", recs[3].Type)
}

func TestCommitDropsPreparedIntent(t *testing.T) {
	t.Parallel()
	l := openLog(t, t.TempDir())
	defer l.Close()

	staged := []Record{PutRecord(acct(1, `{}`), "tx1")}
	require.NoError(t, l.SavePrepared("tx1", staged))
	require.NoError(t, l.SavePrepared("tx2", staged))

	prepared, err := l.Prepared()
	require.NoError(t, err)
	require.Len(t, prepared, 2)
	require.Equal(t, staged[0].Key, prepared["tx1"][0].Key)

	require.NoError(t, l.Commit("tx1", staged))
	require.NoError(t, l.DiscardPrepared("tx2"))
	require.NoError(t, l.DiscardPrepared("missing"))

	prepared, err = l.Prepared()
	require.NoError(t, err)
	require.Empty(t, prepared)
	require.Len(t, replayAll(t, l), 1)
}

func TestCompactFoldsHistory(t *testing.T) {
	t.Parallel()
	l := openLog(t, t.TempDir())
	defer l.Close()

	require.NoError(t, l.Append(
		PutRecord(acct(2, `{"v":1}`), ""),
		PutRecord(acct(1, `{"v":1}`), ""),
		PutRecord(acct(2, `{"v":2}`), ""),
		PutRecord(acct(3, `{"v":1}`), ""),
		DeleteRecord("Account", object.IntValue(3), ""),
	))
	before := replayAll(t, l)

	dropped, err := l.Compact()
	require.NoError(t, err)
	require.Equal(t, 3, dropped)

	after := replayAll(t, l)
	require.Len(t, after, 2)
	require.Equal(t, object.IntValue(1), after[0].Key)
	require.Equal(t, `{"v":2}`, string(after[1].Object.Payload))

	// Compaction preserves the meaning of the log.
	require.Equal(t, Fold(before), Fold(after))

	// Appends after compaction land after the compacted records.
	require.NoError(t, l.Append(DeleteRecord("Account", object.IntValue(1), "")))
	require.Len(t, Fold(replayAll(t, l)), 1)
}

func TestSequencesSurviveRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l := openLog(t, dir)

	first, err := l.NextSequence("orders", 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)
	first, err = l.NextSequence("orders", 5)
	require.NoError(t, err)
	require.Equal(t, int64(11), first)
	_, err = l.NextSequence("orders", 0)
	require.Error(t, err)
	require.NoError(t, l.Close())

	l = openLog(t, dir)
	defer l.Close()
	first, err = l.NextSequence("orders", 1)
	require.NoError(t, err)
	require.Equal(t, int64(16), first)
	first, err = l.NextSequence("other", 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)
}

func TestLatestFollowsLastRecord(t *testing.T) {
	t.Parallel()
	l := openLog(t, t.TempDir())
	defer l.Close()

	obj, err := l.Latest("Account", object.IntValue(1))
	require.NoError(t, err)
	require.Nil(t, obj)

	require.NoError(t, l.Append(
		PutRecord(acct(1, `{"v":1}`), ""),
		PutRecord(acct(2, `{"v":1}`), ""),
		PutRecord(acct(1, `{"v":2}`), "tx1"),
		DeleteRecord("Account", object.IntValue(2), ""),
	))

	obj, err = l.Latest("Account", object.IntValue(1))
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(obj.Payload))

	obj, err = l.Latest("Account", object.IntValue(2))
	require.NoError(t, err)
	require.Nil(t, obj, "deleted")

	obj, err = l.Latest("Trade", object.IntValue(1))
	require.NoError(t, err)
	require.Nil(t, obj)
}
