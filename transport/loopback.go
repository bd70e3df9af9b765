package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/txcache/object"
	"github.com/IvanBrykalov/txcache/protocol"
)

// Loopback is an in-process network of nodes. Objects are cloned in both
// directions so that callers never share memory with a node. Nodes can be
// marked down to simulate failures.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]protocol.Node
	down  map[string]bool
}

var _ Dialer = (*Loopback)(nil)

// NewLoopback returns an empty network.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]protocol.Node), down: make(map[string]bool)}
}

// Register makes node reachable at addr.
func (l *Loopback) Register(addr string, node protocol.Node) {
	l.mu.Lock()
	l.nodes[addr] = node
	l.mu.Unlock()
}

// SetDown marks addr unreachable (or reachable again).
func (l *Loopback) SetDown(addr string, down bool) {
	l.mu.Lock()
	l.down[addr] = down
	l.mu.Unlock()
}

func (l *Loopback) reach(addr string) (protocol.Node, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[addr]
	if !ok || l.down[addr] {
		return nil, protocol.Errorf(protocol.KindNodeUnavailable, "%s unreachable", addr).WithNode(addr)
	}
	return n, nil
}

// Dial opens a connection to addr.
func (l *Loopback) Dial(ctx context.Context, addr string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := l.reach(addr); err != nil {
		return nil, err
	}
	return &loopConn{net: l, addr: addr}, nil
}

type loopConn struct {
	net    *Loopback
	addr   string
	broken atomic.Bool
	closed atomic.Bool
}

func (c *loopConn) Addr() string { return c.addr }
func (c *loopConn) Valid() bool  { return !c.broken.Load() && !c.closed.Load() }
func (c *loopConn) Close() error { c.closed.Store(true); return nil }

func (c *loopConn) node() (protocol.Node, error) {
	n, err := c.net.reach(c.addr)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

func (c *loopConn) Get(ctx context.Context, typ string, key object.KeyValue) (*object.CachedObject, error) {
	n, err := c.node()
	if err != nil {
		return nil, err
	}
	obj, err := n.Get(ctx, typ, key)
	return obj.Clone(), err
}

func (c *loopConn) Put(ctx context.Context, obj *object.CachedObject) error {
	n, err := c.node()
	if err != nil {
		return err
	}
	return n.Put(ctx, obj.Clone())
}

func (c *loopConn) Delete(ctx context.Context, typ string, key object.KeyValue) error {
	n, err := c.node()
	if err != nil {
		return err
	}
	return n.Delete(ctx, typ, key)
}

func (c *loopConn) Scan(ctx context.Context, typ string) ([]*object.CachedObject, error) {
	n, err := c.node()
	if err != nil {
		return nil, err
	}
	objs, err := n.Scan(ctx, typ)
	for i, o := range objs {
		objs[i] = o.Clone()
	}
	return objs, err
}

func (c *loopConn) Count(ctx context.Context, typ string) (int, error) {
	n, err := c.node()
	if err != nil {
		return 0, err
	}
	return n.Count(ctx, typ)
}

func (c *loopConn) Prepare(ctx context.Context, req protocol.PrepareRequest) (protocol.PrepareResponse, error) {
	n, err := c.node()
	if err != nil {
		return protocol.PrepareResponse{}, err
	}
	ops := make([]protocol.Operation, len(req.Operations))
	for i, op := range req.Operations {
		op.Object = op.Object.Clone()
		ops[i] = op
	}
	req.Operations = ops
	return n.Prepare(ctx, req)
}

func (c *loopConn) Commit(ctx context.Context, txID string) error {
	n, err := c.node()
	if err != nil {
		return err
	}
	return n.Commit(ctx, txID)
}

func (c *loopConn) Rollback(ctx context.Context, txID string) error {
	n, err := c.node()
	if err != nil {
		return err
	}
	return n.Rollback(ctx, txID)
}

func (c *loopConn) GenerateUniqueIDs(ctx context.Context, sequence string, count int) ([]int64, error) {
	n, err := c.node()
	if err != nil {
		return nil, err
	}
	return n.GenerateUniqueIDs(ctx, sequence, count)
}

func (c *loopConn) Compact(ctx context.Context) error {
	n, err := c.node()
	if err != nil {
		return err
	}
	return n.Compact(ctx)
}
