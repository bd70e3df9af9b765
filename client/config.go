package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/transport"
)

// Defaults applied by NewConnector for zero Config fields.
const (
	DefaultPoolCapacity         = 3
	DefaultPreloadedConnections = 1
	DefaultCommitBaseDelay      = 10 * time.Millisecond
	DefaultCommitMaxDelay       = time.Second
)

// Config configures a Connector. Zero values are safe; defaults are applied
// in NewConnector():
//   - PoolCapacity <= 0          => DefaultPoolCapacity
//   - PreloadedConnections < 0   => 0; 0 => DefaultPreloadedConnections
//   - CommitBaseDelay <= 0       => DefaultCommitBaseDelay
//   - CommitMaxDelay <= 0        => DefaultCommitMaxDelay
//   - nil Dialer                 => HTTP dialer
//   - nil Logger                 => no-op logger
type Config struct {
	// Nodes lists node addresses. The order defines object placement and
	// must be identical for every client of a cluster.
	Nodes []string `mapstructure:"nodes"`

	// PoolCapacity bounds idle connections kept per node.
	PoolCapacity int `mapstructure:"pool_capacity"`
	// PreloadedConnections are opened per node at start.
	PreloadedConnections int `mapstructure:"preloaded_connections"`
	// MaxOutstanding bounds connections in use per node (0 = no bound).
	MaxOutstanding int `mapstructure:"max_outstanding"`

	// CommitMaxAttempts bounds commit attempts per node after a unanimous
	// prepare; 0 retries until success.
	CommitMaxAttempts int           `mapstructure:"commit_max_attempts"`
	CommitBaseDelay   time.Duration `mapstructure:"commit_base_delay"`
	CommitMaxDelay    time.Duration `mapstructure:"commit_max_delay"`

	// RequestTimeout bounds each node request (0 = only the caller's ctx).
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// CoalesceReads lets concurrent GetObject calls for one id share a
	// request already in flight. A coalesced read may return the value as
	// of the start of that request, missing a write that completed after it
	// began, so it is off by default.
	CoalesceReads bool `mapstructure:"coalesce_reads"`

	Dialer transport.Dialer `mapstructure:"-"`
	Logger *zap.Logger      `mapstructure:"-"`
}

func (c *Config) setDefaults() {
	if c.PoolCapacity <= 0 {
		c.PoolCapacity = DefaultPoolCapacity
	}
	if c.PreloadedConnections == 0 {
		c.PreloadedConnections = DefaultPreloadedConnections
	}
	if c.PreloadedConnections < 0 {
		c.PreloadedConnections = 0
	}
	if c.CommitBaseDelay <= 0 {
		c.CommitBaseDelay = DefaultCommitBaseDelay
	}
	if c.CommitMaxDelay <= 0 {
		c.CommitMaxDelay = DefaultCommitMaxDelay
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewHTTPDialer(transport.HTTPOptions{Timeout: c.RequestTimeout, Logger: c.Logger})
	}
}
