package server

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/txcache/cache"
)

// Defaults applied by Open for zero Config fields.
const (
	DefaultLockTimeout      = 5 * time.Second
	DefaultOutcomeRetention = 4096
)

// TypeConfig bounds the resident working set of one object type.
// Capacity 0 means unbounded (no eviction). Reaching Capacity evicts the
// EvictionCount least recently used objects; with EvictionCount >= Capacity
// every pass empties the store, including the object just written.
type TypeConfig struct {
	Capacity      int `mapstructure:"capacity"`
	EvictionCount int `mapstructure:"eviction_count"`
}

// Config configures a Node. Zero values are safe; defaults are applied in Open():
//   - Name == ""             => "node"
//   - LockTimeout <= 0       => DefaultLockTimeout
//   - OutcomeRetention <= 0  => DefaultOutcomeRetention
//   - nil Logger             => no-op logger
//   - nil Metrics            => NoopMetrics
//   - nil QueueMetrics       => cache.NoopMetrics
type Config struct {
	// Name identifies the node in logs, metrics and errors.
	Name string `mapstructure:"name"`

	// DataDir holds the persistence log. Empty means the node is not
	// persistent and starts empty.
	DataDir string `mapstructure:"data_dir"`
	// NoSync skips fsync on log writes.
	NoSync bool `mapstructure:"no_sync"`

	// LockTimeout bounds each lock wait during Prepare.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// DefaultCapacity and DefaultEvictionCount apply to types without an
	// entry in Types.
	DefaultCapacity      int                   `mapstructure:"default_capacity"`
	DefaultEvictionCount int                   `mapstructure:"default_eviction_count"`
	Types                map[string]TypeConfig `mapstructure:"types"`

	// OutcomeRetention is how many finished transactions are remembered so
	// that retried Commit/Rollback calls stay idempotent.
	OutcomeRetention int `mapstructure:"outcome_retention"`

	Logger       *zap.Logger   `mapstructure:"-"`
	Metrics      Metrics       `mapstructure:"-"`
	QueueMetrics cache.Metrics `mapstructure:"-"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "node"
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.OutcomeRetention <= 0 {
		c.OutcomeRetention = DefaultOutcomeRetention
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	if c.QueueMetrics == nil {
		c.QueueMetrics = cache.NoopMetrics{}
	}
}

// typeConfig returns the limits for typ. Names match case-insensitively
// since configuration files are loaded with lower-cased keys.
func (c *Config) typeConfig(typ string) TypeConfig {
	if tc, ok := c.Types[typ]; ok {
		return tc
	}
	for name, tc := range c.Types {
		if strings.EqualFold(name, typ) {
			return tc
		}
	}
	return TypeConfig{Capacity: c.DefaultCapacity, EvictionCount: c.DefaultEvictionCount}
}
