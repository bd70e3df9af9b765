// Package transport connects clients to cache nodes. A Conn is a
// protocol.Node reached through some channel, plus the validity signal the
// client's connection pool needs. Two transports are provided: an in-process
// loopback and HTTP/JSON.
package transport

import (
	"context"

	"github.com/IvanBrykalov/txcache/protocol"
)

// Conn is one client connection to a node.
type Conn interface {
	protocol.Node
	// Addr names the node the connection leads to.
	Addr() string
	// Valid reports whether the connection may be reused. A connection that
	// hit a connectivity failure is invalid.
	Valid() bool
	// Close releases the connection.
	Close() error
}

// Dialer opens connections to a node address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }
