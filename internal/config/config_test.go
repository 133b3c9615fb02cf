package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 7012
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.NotEmpty(t, cfg.Server.AdvertiseAddr)
	assert.Equal(t, 7946, cfg.Gossip.BindPort)
	assert.Equal(t, "dc1", cfg.Topology.Datacenter)
	assert.Equal(t, 256, cfg.Topology.NumTokens)
	assert.True(t, *cfg.Topology.AutoBootstrap)
	assert.True(t, *cfg.Topology.ConsistentRangeMovement)
	assert.Equal(t, 30*time.Second, cfg.Topology.RingDelay)
	assert.Equal(t, 10*time.Second, cfg.Topology.NodeOpsHeartbeatInterval)
	assert.Equal(t, 120*time.Second, cfg.Topology.NodeOpsWatchdogTimeout)
	assert.Equal(t, time.Minute, cfg.Topology.PendingOpsWaitTimeout)
	require.Len(t, cfg.Keyspaces, 1)
	assert.Equal(t, "system", cfg.Keyspaces[0].Name)
	assert.Equal(t, 3, cfg.Keyspaces[0].ReplicationFactor)
	assert.Equal(t, 9180, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.5
  port: 8080
  advertise_addr: node1:8080
gossip:
  bind_port: 7000
  seed_nodes:
    - seed1:7000
topology:
  datacenter: us-east
  rack: r42
  num_tokens: 16
  auto_bootstrap: false
keyspaces:
  - name: app
    strategy: network_topology
    dc_replication_factors:
      us-east: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node1:8080", cfg.Server.AdvertiseAddr)
	assert.Equal(t, []string{"seed1:7000"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, "us-east", cfg.Topology.Datacenter)
	assert.Equal(t, 16, cfg.Topology.NumTokens)
	assert.False(t, *cfg.Topology.AutoBootstrap)
	require.Len(t, cfg.Keyspaces, 1)
	assert.Equal(t, "network_topology", cfg.Keyspaces[0].Strategy)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 10.0.0.5
  port: 8080
topology:
  datacenter: us-east
`)
	t.Setenv("SERVER_HOST", "10.9.9.9")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("GOSSIP_SEED_NODES", "seed1:7000,seed2:7000")
	t.Setenv("TOPOLOGY_DATACENTER", "eu-west")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Environment wins over the file.
	assert.Equal(t, "10.9.9.9", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"seed1:7000", "seed2:7000"}, cfg.Gossip.SeedNodes)
	assert.Equal(t, "eu-west", cfg.Topology.Datacenter)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"zero tokens", "topology:\n  num_tokens: -1\n"},
		{"watchdog below heartbeat", "topology:\n  nodeops_heartbeat_interval: 60s\n  nodeops_watchdog_timeout: 30s\n"},
		{"unknown repair op", "topology:\n  allowed_repair_based_node_ops: \"replace,flambe\"\n"},
		{"unknown keyspace strategy", "keyspaces:\n  - name: ks\n    strategy: everywhere\n"},
		{"network topology without rf", "keyspaces:\n  - name: ks\n    strategy: network_topology\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestRepairBasedNodeOpsParsing(t *testing.T) {
	tc := TopologyConfig{AllowedRepairBasedNodeOps: ` replace, "removenode" , rebuild `}
	allowed, err := tc.RepairBasedNodeOps()
	require.NoError(t, err)
	assert.True(t, allowed["replace"])
	assert.True(t, allowed["removenode"])
	assert.True(t, allowed["rebuild"])
	assert.False(t, allowed["bootstrap"])
}
