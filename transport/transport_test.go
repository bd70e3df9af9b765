package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/server"
)

func newNode(t *testing.T) *server.Node {
	t.Helper()
	n, err := server.Open(server.Config{Name: "n0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func item(id int64, payload string) *object.CachedObject {
	return &object.CachedObject{
		Type:       "Item",
		PrimaryKey: object.IntValue(id),
		UniqueKeys: map[string]object.KeyValue{"Code": object.StringValue("c" + payload)},
		Payload:    []byte(payload),
	}
}

// exercise runs the same checks against any Conn.
func exercise(t *testing.T, c Conn) {
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, item(1, `{"Qty":1}`)))
	require.NoError(t, c.Put(ctx, item(2, `{"Qty":2}`)))

	got, err := c.Get(ctx, "Item", object.IntValue(1))
	require.NoError(t, err)
	require.Equal(t, `{"Qty":1}`, string(got.Payload))

	_, err = c.Get(ctx, "Item", object.IntValue(42))
	require.ErrorIs(t, err, protocol.ErrNotFound)

	err = c.Put(ctx, &object.CachedObject{
		Type: "Item", PrimaryKey: object.IntValue(3),
		UniqueKeys: map[string]object.KeyValue{"Code": object.StringValue(`c{"Qty":1}`)},
		Payload:    []byte(`{}`),
	})
	require.ErrorIs(t, err, protocol.ErrDuplicateKey)

	objs, err := c.Scan(ctx, "Item")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	n, err := c.Count(ctx, "Item")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Two-phase commit round trip.
	upd := item(2, `{"Qty":20}`)
	resp, err := c.Prepare(ctx, protocol.PrepareRequest{TxID: "tx-1", Operations: []protocol.Operation{{
		Kind: protocol.OpUpdateIf, Target: upd.ID(), Object: upd, Predicate: "Qty == 2",
	}}})
	require.NoError(t, err)
	require.True(t, resp.Ready())
	require.NoError(t, c.Commit(ctx, "tx-1"))
	require.NoError(t, c.Commit(ctx, "tx-1"))
	got, err = c.Get(ctx, "Item", object.IntValue(2))
	require.NoError(t, err)
	require.Equal(t, `{"Qty":20}`, string(got.Payload))

	resp, err = c.Prepare(ctx, protocol.PrepareRequest{TxID: "tx-2", Operations: []protocol.Operation{{
		Kind: protocol.OpUpdateIf, Target: upd.ID(), Object: upd, Predicate: "Qty == 2",
	}}})
	require.NoError(t, err)
	require.False(t, resp.Ready())
	require.Equal(t, protocol.KindConditionNotSatisfied, resp.Reason)
	require.NoError(t, c.Rollback(ctx, "tx-2"))

	err = c.Commit(ctx, "nope")
	require.ErrorIs(t, err, protocol.ErrUnknownTransaction)

	ids, err := c.GenerateUniqueIDs(ctx, "Item", 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	require.NoError(t, c.Delete(ctx, "Item", object.IntValue(1)))
	n, err = c.Count(ctx, "Item")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, c.Compact(ctx))
	require.True(t, c.Valid())
}

func TestLoopback(t *testing.T) {
	t.Parallel()
	net := NewLoopback()
	net.Register("n0", newNode(t))

	c, err := net.Dial(context.Background(), "n0")
	require.NoError(t, err)
	exercise(t, c)

	// Objects handed out are copies.
	got, err := c.Get(context.Background(), "Item", object.IntValue(2))
	require.NoError(t, err)
	got.Payload[0] = 'X'
	again, _ := c.Get(context.Background(), "Item", object.IntValue(2))
	require.Equal(t, byte('{'), again.Payload[0])
}

func TestLoopbackNodeDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	net := NewLoopback()
	net.Register("n0", newNode(t))
	c, err := net.Dial(ctx, "n0")
	require.NoError(t, err)

	net.SetDown("n0", true)
	_, err = c.Count(ctx, "Item")
	require.ErrorIs(t, err, protocol.ErrNodeUnavailable)
	require.False(t, c.Valid())
	_, err = net.Dial(ctx, "n0")
	require.ErrorIs(t, err, protocol.ErrNodeUnavailable)

	net.SetDown("n0", false)
	c, err = net.Dial(ctx, "n0")
	require.NoError(t, err)
	require.True(t, c.Valid())
	_, err = net.Dial(ctx, "missing")
	require.Error(t, err)
}

func TestHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHandler(newNode(t), nil))
	t.Cleanup(srv.Close)

	d := NewHTTPDialer(HTTPOptions{RetryMax: 1})
	c, err := d.Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, srv.URL, c.Addr())
	exercise(t, c)

	// String keys with reserved characters survive the route.
	obj := &object.CachedObject{Type: "Doc", PrimaryKey: object.StringValue("a/b c"), Payload: []byte(`{}`)}
	require.NoError(t, c.Put(context.Background(), obj))
	got, err := c.Get(context.Background(), "Doc", object.StringValue("a/b c"))
	require.NoError(t, err)
	require.Equal(t, obj.PrimaryKey, got.PrimaryKey)
}

func TestHTTPNodeUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewHandler(newNode(t), nil))
	d := NewHTTPDialer(HTTPOptions{RetryMax: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: time.Millisecond})
	c, err := d.Dial(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	srv.Close()

	_, err = c.Count(context.Background(), "Item")
	require.ErrorIs(t, err, protocol.ErrNodeUnavailable)
	require.False(t, c.Valid())

	_, err = d.Dial(context.Background(), srv.URL)
	require.ErrorIs(t, err, protocol.ErrNodeUnavailable)
}
