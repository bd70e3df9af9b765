package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/txcache/client"
)

func nodeFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	CommonFlags(fs)
	NodeFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNodeDefaults(t *testing.T) {
	t.Parallel()

	v, err := Load(nodeFlags(t))
	require.NoError(t, err)
	n, err := NodeConfig(v)
	require.NoError(t, err)
	require.Equal(t, ":7070", n.Listen)
	require.Equal(t, ":7070", n.Server.Name)
	require.Equal(t, 5*time.Second, n.Server.LockTimeout)
	require.Empty(t, n.Server.DataDir)
}

func TestNodeFileAndFlags(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "node.yaml", `
name: n1
data-dir: /var/lib/txcache
lock-timeout: 2s
default-capacity: 1000
types:
  Account:
    capacity: 10
    eviction_count: 3
`)
	v, err := Load(nodeFlags(t, "--config", path, "--data-dir", "/tmp/override"))
	require.NoError(t, err)
	n, err := NodeConfig(v)
	require.NoError(t, err)
	require.Equal(t, "n1", n.Server.Name)
	require.Equal(t, "/tmp/override", n.Server.DataDir, "flags win over the file")
	require.Equal(t, 2*time.Second, n.Server.LockTimeout)
	require.Equal(t, 1000, n.Server.DefaultCapacity)
	require.Len(t, n.Server.Types, 1)
	for _, tc := range n.Server.Types {
		require.Equal(t, 10, tc.Capacity)
		require.Equal(t, 3, tc.EvictionCount)
	}
}

func TestUnknownFileKey(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "node.yaml", "capacityy: 3\n")
	_, err := Load(nodeFlags(t, "-c", path))
	require.ErrorContains(t, err, "unknown option")
}

func TestEnvironment(t *testing.T) {
	t.Setenv("TXCACHE_DATA_DIR", "/env/dir")
	t.Setenv("TXCACHE_NODES", "http://a:7070,http://b:7070")

	v, err := Load(nodeFlags(t))
	require.NoError(t, err)
	n, err := NodeConfig(v)
	require.NoError(t, err)
	require.Equal(t, "/env/dir", n.Server.DataDir)

	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	ClientFlags(fs)
	require.NoError(t, fs.Parse(nil))
	v, err = Load(fs)
	require.NoError(t, err)
	c, err := ClientConfig(v)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:7070", "http://b:7070"}, c.Nodes)
	require.Equal(t, client.DefaultPoolCapacity, c.PoolCapacity)
}

func TestClientNeedsNodes(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	ClientFlags(fs)
	require.NoError(t, fs.Parse([]string{"--commit-max-attempts", "5"}))
	v, err := Load(fs)
	require.NoError(t, err)
	_, err = ClientConfig(v)
	require.ErrorIs(t, err, client.ErrNoNodes)

	require.NoError(t, fs.Parse([]string{"--nodes", "http://a:1", "--nodes", "http://b:2"}))
	c, err := ClientConfig(v)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:1", "http://b:2"}, c.Nodes)
	require.Equal(t, 5, c.CommitMaxAttempts)
}

func TestEvictionCountBelowCapacity(t *testing.T) {
	t.Parallel()

	v, err := Load(nodeFlags(t, "--default-capacity", "5", "--default-eviction-count", "5"))
	require.NoError(t, err)
	_, err = NodeConfig(v)
	require.ErrorContains(t, err, "below capacity")

	path := writeFile(t, "node.yaml", `
types:
  Account:
    capacity: 3
    eviction_count: 4
`)
	v, err = Load(nodeFlags(t, "-c", path))
	require.NoError(t, err)
	_, err = NodeConfig(v)
	require.ErrorContains(t, err, "type account")

	// Unbounded types ignore the eviction count.
	v, err = Load(nodeFlags(t, "--default-eviction-count", "7"))
	require.NoError(t, err)
	_, err = NodeConfig(v)
	require.NoError(t, err)
}

func TestClientCoalesceReads(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	ClientFlags(fs)
	require.NoError(t, fs.Parse([]string{"--nodes", "http://a:1"}))
	v, err := Load(fs)
	require.NoError(t, err)
	c, err := ClientConfig(v)
	require.NoError(t, err)
	require.False(t, c.CoalesceReads)

	require.NoError(t, fs.Parse([]string{"--coalesce-reads"}))
	c, err = ClientConfig(v)
	require.NoError(t, err)
	require.True(t, c.CoalesceReads)
}
