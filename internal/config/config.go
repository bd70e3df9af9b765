// Package config loads node and client settings from, in priority order,
// command line flags, TXCACHE_* environment variables and a YAML file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/txcache/client"
	"github.com/IvanBrykalov/txcache/server"
)

// EnvPrefix prefixes environment variables, e.g. TXCACHE_DATA_DIR.
const EnvPrefix = "TXCACHE"

// Flag names. File keys are the same names; environment variables upper-case
// them and replace dashes with underscores.
const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"

	FlagListen           = "listen"
	FlagName             = "name"
	FlagDataDir          = "data-dir"
	FlagNoSync           = "no-sync"
	FlagLockTimeout      = "lock-timeout"
	FlagCapacity         = "default-capacity"
	FlagEvictionCount    = "default-eviction-count"
	FlagOutcomeRetention = "outcome-retention"

	FlagNodes             = "nodes"
	FlagPoolCapacity      = "pool-capacity"
	FlagPreloaded         = "preloaded-connections"
	FlagMaxOutstanding    = "max-outstanding"
	FlagCommitMaxAttempts = "commit-max-attempts"
	FlagCommitBaseDelay   = "commit-base-delay"
	FlagCommitMaxDelay    = "commit-max-delay"
	FlagRequestTimeout    = "request-timeout"
	FlagCoalesceReads     = "coalesce-reads"
)

// typesKey holds per-type limits; it only exists in files.
const typesKey = "types"

// Node is the configuration of the node binary.
type Node struct {
	Listen   string
	LogLevel string
	Server   server.Config
}

// CommonFlags registers flags shared by every command.
func CommonFlags(fs *pflag.FlagSet) {
	fs.StringP(FlagConfig, "c", "", "YAML configuration file")
	fs.String(FlagLogLevel, "info", "log level (debug, info, warn, error, off)")
}

// NodeFlags registers the node flags.
func NodeFlags(fs *pflag.FlagSet) {
	fs.String(FlagListen, ":7070", "HTTP listen address")
	fs.String(FlagName, "", "node name used in logs, metrics and errors")
	fs.String(FlagDataDir, "", "persistence directory (empty: in-memory only)")
	fs.Bool(FlagNoSync, false, "skip fsync on log writes")
	fs.Duration(FlagLockTimeout, server.DefaultLockTimeout, "lock wait bound during prepare")
	fs.Int(FlagCapacity, 0, "per-type resident object bound (0: unbounded)")
	fs.Int(FlagEvictionCount, 0, "objects evicted below capacity per eviction pass")
	fs.Int(FlagOutcomeRetention, server.DefaultOutcomeRetention, "finished transactions remembered for idempotent retries")
}

// ClientFlags registers the client flags.
func ClientFlags(fs *pflag.FlagSet) {
	fs.StringSlice(FlagNodes, nil, "node base URLs, in placement order")
	fs.Int(FlagPoolCapacity, client.DefaultPoolCapacity, "idle connections kept per node")
	fs.Int(FlagPreloaded, client.DefaultPreloadedConnections, "connections opened per node at start")
	fs.Int(FlagMaxOutstanding, 0, "connections in use per node (0: unbounded)")
	fs.Int(FlagCommitMaxAttempts, 0, "commit attempts per node after prepare (0: until success)")
	fs.Duration(FlagCommitBaseDelay, client.DefaultCommitBaseDelay, "first commit retry delay")
	fs.Duration(FlagCommitMaxDelay, client.DefaultCommitMaxDelay, "commit retry delay cap")
	fs.Duration(FlagRequestTimeout, 0, "per-request timeout (0: none)")
	fs.Bool(FlagCoalesceReads, false, "share in-flight reads of one object (may return a value a concurrent write just replaced)")
}

// Load binds flags and the environment, then reads the file named by the
// config flag, if any. Unknown file keys are rejected.
func Load(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	valid := map[string]bool{typesKey: true}
	fs.VisitAll(func(f *pflag.Flag) { valid[f.Name] = true })
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	path := v.GetString(FlagConfig)
	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	for _, k := range v.AllKeys() {
		top, _, _ := strings.Cut(k, ".")
		if !valid[top] {
			return nil, fmt.Errorf("config: unknown option %q in %s", k, path)
		}
	}
	return v, nil
}

// NodeConfig assembles the node configuration from v.
func NodeConfig(v *viper.Viper) (Node, error) {
	n := Node{
		Listen:   v.GetString(FlagListen),
		LogLevel: v.GetString(FlagLogLevel),
		Server: server.Config{
			Name:                 v.GetString(FlagName),
			DataDir:              v.GetString(FlagDataDir),
			NoSync:               v.GetBool(FlagNoSync),
			LockTimeout:          v.GetDuration(FlagLockTimeout),
			DefaultCapacity:      v.GetInt(FlagCapacity),
			DefaultEvictionCount: v.GetInt(FlagEvictionCount),
			OutcomeRetention:     v.GetInt(FlagOutcomeRetention),
		},
	}
	if v.IsSet(typesKey) {
		if err := v.UnmarshalKey(typesKey, &n.Server.Types); err != nil {
			return Node{}, fmt.Errorf("config: %s: %w", typesKey, err)
		}
	}
	if n.Server.Name == "" {
		n.Server.Name = n.Listen
	}
	if err := checkBound(server.TypeConfig{
		Capacity:      n.Server.DefaultCapacity,
		EvictionCount: n.Server.DefaultEvictionCount,
	}); err != nil {
		return Node{}, fmt.Errorf("config: defaults: %w", err)
	}
	for typ, tc := range n.Server.Types {
		if err := checkBound(tc); err != nil {
			return Node{}, fmt.Errorf("config: type %s: %w", typ, err)
		}
	}
	return n, nil
}

// checkBound rejects limits under which an eviction pass would empty the
// store, including the object whose write triggered it.
func checkBound(tc server.TypeConfig) error {
	if tc.Capacity < 0 || tc.EvictionCount < 0 {
		return errors.New("capacity and eviction count must not be negative")
	}
	if tc.Capacity > 0 && tc.EvictionCount >= tc.Capacity {
		return fmt.Errorf("eviction count %d must be below capacity %d", tc.EvictionCount, tc.Capacity)
	}
	return nil
}

// ClientConfig assembles the client configuration from v. Dialer and Logger
// are left for the caller.
func ClientConfig(v *viper.Viper) (client.Config, error) {
	var nodes []string
	for _, s := range v.GetStringSlice(FlagNodes) {
		for _, n := range strings.Split(s, ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
	}
	if len(nodes) == 0 {
		return client.Config{}, client.ErrNoNodes
	}
	return client.Config{
		Nodes:                nodes,
		PoolCapacity:         v.GetInt(FlagPoolCapacity),
		PreloadedConnections: v.GetInt(FlagPreloaded),
		MaxOutstanding:       v.GetInt(FlagMaxOutstanding),
		CommitMaxAttempts:    v.GetInt(FlagCommitMaxAttempts),
		CommitBaseDelay:      v.GetDuration(FlagCommitBaseDelay),
		CommitMaxDelay:       v.GetDuration(FlagCommitMaxDelay),
		RequestTimeout:       v.GetDuration(FlagRequestTimeout),
		CoalesceReads:        v.GetBool(FlagCoalesceReads),
	}, nil
}
