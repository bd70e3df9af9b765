// Package client is the cache client: it places objects on nodes, pools
// connections, offers typed data sources and coordinates multi-object,
// multi-node transactions with two-phase commit.
package client

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/txcache/internal/logging"
	"github.com/IvanBrykalov/txcache/internal/singleflight"
	"github.com/IvanBrykalov/txcache/internal/util"
	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/pool"
	"github.com/IvanBrykalov/txcache/protocol"
	"github.com/IvanBrykalov/txcache/transport"
)

// ErrNoNodes is returned by NewConnector without node addresses.
var ErrNoNodes = errors.New("client: no nodes configured")

// Connector is a client's handle on a cluster. Safe for concurrent use.
type Connector struct {
	cfg    Config
	logger *zap.Logger
	nodes  []string
	pools  []*pool.Pool[transport.Conn]
	reads  singleflight.Group[object.ObjectID, *object.CachedObject]

	typesMu sync.RWMutex
	types   map[reflect.Type]*object.TypeDescription
}

// connProvider claims connections to one node for its pool.
type connProvider struct {
	dialer transport.Dialer
	addr   string
}

func (p connProvider) Claim(ctx context.Context) (transport.Conn, error) {
	return p.dialer.Dial(ctx, p.addr)
}
func (p connProvider) Valid(c transport.Conn) bool { return c.Valid() }
func (p connProvider) Release(c transport.Conn)    { _ = c.Close() }

// NewConnector builds connection pools for every node. A node that cannot be
// reached yet gets an empty pool; requests to it fail with NodeUnavailable
// until it answers.
func NewConnector(ctx context.Context, cfg Config) (*Connector, error) {
	if len(cfg.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	cfg.setDefaults()
	c := &Connector{
		cfg:    cfg,
		logger: logging.Subsystem(cfg.Logger, "client"),
		nodes:  append([]string(nil), cfg.Nodes...),
		types:  make(map[reflect.Type]*object.TypeDescription),
	}
	for _, addr := range c.nodes {
		prov := connProvider{dialer: cfg.Dialer, addr: addr}
		opt := pool.Options{
			Capacity:       cfg.PoolCapacity,
			Preload:        cfg.PreloadedConnections,
			MaxOutstanding: cfg.MaxOutstanding,
		}
		p, err := pool.New[transport.Conn](ctx, prov, opt)
		if err != nil {
			c.logger.Warn("client.preload", zap.String("node", addr), zap.Error(err))
			opt.Preload = 0
			p, _ = pool.New[transport.Conn](ctx, prov, opt)
		}
		c.pools = append(c.pools, p)
	}
	return c, nil
}

// Close releases all pooled connections.
func (c *Connector) Close() {
	for _, p := range c.pools {
		p.Close()
	}
}

// Nodes returns the node addresses in placement order.
func (c *Connector) Nodes() []string { return append([]string(nil), c.nodes...) }

// NodeFor returns the index of the node owning id.
func (c *Connector) NodeFor(id object.ObjectID) int {
	return util.Index(util.HashID(id), len(c.nodes))
}

// register remembers the description of a Go type for transactions.
func (c *Connector) register(t reflect.Type, d *object.TypeDescription) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.typesMu.Lock()
	c.types[t] = d
	c.typesMu.Unlock()
}

func (c *Connector) description(v any) (*object.TypeDescription, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c.typesMu.RLock()
	d, ok := c.types[t]
	c.typesMu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.KindInvalidRequest, "type %v is not registered; create a DataSource for it first", t)
	}
	return d, nil
}

// withConn borrows a connection to node i for fn. Connections that failed
// are discarded instead of pooled.
func (c *Connector) withConn(ctx context.Context, i int, fn func(transport.Conn) error) error {
	conn, err := c.borrow(ctx, i)
	if err != nil {
		return err
	}
	err = fn(conn)
	c.giveBack(i, conn)
	return err
}

func (c *Connector) borrow(ctx context.Context, i int) (transport.Conn, error) {
	conn, err := c.pools[i].Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var pe *protocol.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, protocol.Wrap(protocol.KindNodeUnavailable, err).WithNode(c.nodes[i])
	}
	return conn, nil
}

func (c *Connector) giveBack(i int, conn transport.Conn) {
	if conn.Valid() {
		c.pools[i].Put(conn)
	} else {
		c.pools[i].Discard(conn)
	}
}

func (c *Connector) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// -------------------- non-transactional operations --------------------

// PutObject stores a packed object on its node outside any transaction.
func (c *Connector) PutObject(ctx context.Context, obj *object.CachedObject) error {
	return c.withConn(ctx, c.NodeFor(obj.ID()), func(conn transport.Conn) error {
		rctx, cancel := c.requestCtx(ctx)
		defer cancel()
		return conn.Put(rctx, obj)
	})
}

// DeleteObject removes an object outside any transaction.
func (c *Connector) DeleteObject(ctx context.Context, id object.ObjectID) error {
	return c.withConn(ctx, c.NodeFor(id), func(conn transport.Conn) error {
		rctx, cancel := c.requestCtx(ctx)
		defer cancel()
		return conn.Delete(rctx, id.Type, id.Key)
	})
}

// GetObject fetches an object. With Config.CoalesceReads set, concurrent
// reads of one id share a request.
func (c *Connector) GetObject(ctx context.Context, id object.ObjectID) (*object.CachedObject, error) {
	if !c.cfg.CoalesceReads {
		return c.getObject(ctx, id)
	}
	obj, _, err := c.reads.Do(ctx, id, func(ctx context.Context) (*object.CachedObject, error) {
		return c.getObject(ctx, id)
	})
	return obj, err
}

func (c *Connector) getObject(ctx context.Context, id object.ObjectID) (*object.CachedObject, error) {
	var out *object.CachedObject
	err := c.withConn(ctx, c.NodeFor(id), func(conn transport.Conn) error {
		rctx, cancel := c.requestCtx(ctx)
		defer cancel()
		o, err := conn.Get(rctx, id.Type, id.Key)
		out = o
		return err
	})
	return out, err
}

// ScanObjects returns every object of typ across all nodes, in primary-key
// order.
func (c *Connector) ScanObjects(ctx context.Context, typ string) ([]*object.CachedObject, error) {
	parts := make([][]*object.CachedObject, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.nodes {
		g.Go(func() error {
			return c.withConn(gctx, i, func(conn transport.Conn) error {
				rctx, cancel := c.requestCtx(gctx)
				defer cancel()
				objs, err := conn.Scan(rctx, typ)
				parts[i] = objs
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*object.CachedObject
	for _, p := range parts {
		out = append(out, p...)
	}
	sort.Slice(out, func(a, b int) bool { return object.Compare(out[a].PrimaryKey, out[b].PrimaryKey) < 0 })
	return out, nil
}

// CountObjects returns the number of resident objects of typ in the cluster.
func (c *Connector) CountObjects(ctx context.Context, typ string) (int, error) {
	counts := make([]int, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.nodes {
		g.Go(func() error {
			return c.withConn(gctx, i, func(conn transport.Conn) error {
				rctx, cancel := c.requestCtx(gctx)
				defer cancel()
				n, err := conn.Count(rctx, typ)
				counts[i] = n
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// GenerateUniqueIDs reserves count values of sequence. Each sequence lives
// on one node (chosen by its name), so values are unique cluster-wide.
func (c *Connector) GenerateUniqueIDs(ctx context.Context, sequence string, count int) ([]int64, error) {
	var ids []int64
	err := c.withConn(ctx, util.Index(util.HashString(sequence), len(c.nodes)), func(conn transport.Conn) error {
		rctx, cancel := c.requestCtx(ctx)
		defer cancel()
		var err error
		ids, err = conn.GenerateUniqueIDs(rctx, sequence, count)
		return err
	})
	return ids, err
}

// Compact asks every node to compact its persistence log.
func (c *Connector) Compact(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.nodes {
		g.Go(func() error {
			return c.withConn(gctx, i, func(conn transport.Conn) error {
				return conn.Compact(gctx)
			})
		})
	}
	return g.Wait()
}
