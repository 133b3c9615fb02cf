package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AdvertiseAddr is the address peers use to reach this node's API.
	// It doubles as the node's identity in gossip, so it must be
	// routable from every peer. Defaults to "<hostname>:<port>".
	AdvertiseAddr string `yaml:"advertise_addr"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	SettleTimeout  time.Duration `yaml:"settle_timeout"`
}

// TopologyConfig holds the topology service configuration
type TopologyConfig struct {
	// Datacenter and rack advertised to peers
	Datacenter string `yaml:"datacenter"`
	Rack       string `yaml:"rack"`

	// Number of tokens a new node claims on bootstrap
	NumTokens int `yaml:"num_tokens"`

	// Shards is the number of per-shard token metadata replicas.
	// Defaults to GOMAXPROCS.
	Shards int `yaml:"shards"`

	// AutoBootstrap streams historical data on first join when true.
	AutoBootstrap *bool `yaml:"auto_bootstrap"`

	// ReplaceNode holds the host id of a dead node this node replaces
	// on its first boot. Empty for a regular bootstrap.
	ReplaceNode string `yaml:"replace_node_first_boot"`

	// OverrideDecommission allows a decommissioned node to rejoin.
	OverrideDecommission bool `yaml:"override_decommission"`

	// ConsistentRangeMovement rejects joining while other nodes are
	// bootstrapping or leaving.
	ConsistentRangeMovement *bool `yaml:"consistent_rangemovement"`

	RingDelay                time.Duration `yaml:"ring_delay"`
	NodeOpsHeartbeatInterval time.Duration `yaml:"nodeops_heartbeat_interval"`
	NodeOpsWatchdogTimeout   time.Duration `yaml:"nodeops_watchdog_timeout"`

	// PendingOpsWaitTimeout bounds how long a new topology operation
	// waits for in-flight node operations to drain.
	PendingOpsWaitTimeout time.Duration `yaml:"pending_ops_wait_timeout"`

	// EnableRepairBasedNodeOps selects repair instead of streaming for
	// the operations listed in AllowedRepairBasedNodeOps.
	EnableRepairBasedNodeOps  bool   `yaml:"enable_repair_based_node_ops"`
	AllowedRepairBasedNodeOps string `yaml:"allowed_repair_based_node_ops"`
}

// KeyspaceConfig declares a keyspace whose replication map the node
// maintains.
type KeyspaceConfig struct {
	Name     string `yaml:"name"`
	Strategy string `yaml:"strategy"` // "simple" or "network_topology"

	// ReplicationFactor applies to the simple strategy.
	ReplicationFactor int `yaml:"replication_factor"`

	// DCReplicationFactors applies to the network topology strategy.
	DCReplicationFactors map[string]int `yaml:"dc_replication_factors"`
}

// StorageConfig holds local storage configuration
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimiterConfig holds admin API rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// Config represents the complete configuration for the topology service
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Topology    TopologyConfig    `yaml:"topology"`
	Keyspaces   []KeyspaceConfig  `yaml:"keyspaces"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)
	applyEnvironmentOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides,
// which take precedence over the config file.
func applyEnvironmentOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if addr := os.Getenv("ADVERTISE_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}
	if seeds := os.Getenv("GOSSIP_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if dc := os.Getenv("TOPOLOGY_DATACENTER"); dc != "" {
		cfg.Topology.Datacenter = dc
	}
	if rack := os.Getenv("TOPOLOGY_RACK"); rack != "" {
		cfg.Topology.Rack = rack
	}
	if replace := os.Getenv("REPLACE_NODE_FIRST_BOOT"); replace != "" {
		cfg.Topology.ReplaceNode = replace
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7012
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.AdvertiseAddr == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.Server.AdvertiseAddr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}
	if cfg.Gossip.SettleTimeout == 0 {
		cfg.Gossip.SettleTimeout = 30 * time.Second
	}

	if cfg.Topology.Datacenter == "" {
		cfg.Topology.Datacenter = "dc1"
	}
	if cfg.Topology.Rack == "" {
		cfg.Topology.Rack = "rack1"
	}
	if cfg.Topology.NumTokens == 0 {
		cfg.Topology.NumTokens = 256
	}
	if cfg.Topology.Shards == 0 {
		cfg.Topology.Shards = runtime.GOMAXPROCS(0)
	}
	if cfg.Topology.AutoBootstrap == nil {
		b := true
		cfg.Topology.AutoBootstrap = &b
	}
	if cfg.Topology.ConsistentRangeMovement == nil {
		b := true
		cfg.Topology.ConsistentRangeMovement = &b
	}
	if cfg.Topology.RingDelay == 0 {
		cfg.Topology.RingDelay = 30 * time.Second
	}
	if cfg.Topology.NodeOpsHeartbeatInterval == 0 {
		cfg.Topology.NodeOpsHeartbeatInterval = 10 * time.Second
	}
	if cfg.Topology.NodeOpsWatchdogTimeout == 0 {
		cfg.Topology.NodeOpsWatchdogTimeout = 120 * time.Second
	}
	if cfg.Topology.PendingOpsWaitTimeout == 0 {
		cfg.Topology.PendingOpsWaitTimeout = time.Minute
	}

	if len(cfg.Keyspaces) == 0 {
		cfg.Keyspaces = []KeyspaceConfig{{Name: "system", Strategy: "simple", ReplicationFactor: 3}}
	}
	for i := range cfg.Keyspaces {
		if cfg.Keyspaces[i].Strategy == "" {
			cfg.Keyspaces[i].Strategy = "simple"
		}
		if cfg.Keyspaces[i].Strategy == "simple" && cfg.Keyspaces[i].ReplicationFactor == 0 {
			cfg.Keyspaces[i].ReplicationFactor = 3
		}
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/helicon"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9180
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 50
	}
	if cfg.RateLimiter.BurstSize == 0 {
		cfg.RateLimiter.BurstSize = 100
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Topology.NumTokens < 1 {
		return fmt.Errorf("topology.num_tokens must be positive")
	}
	if c.Topology.Shards < 1 {
		return fmt.Errorf("topology.shards must be positive")
	}
	if c.Topology.NodeOpsWatchdogTimeout <= c.Topology.NodeOpsHeartbeatInterval {
		return fmt.Errorf("topology.nodeops_watchdog_timeout must exceed the heartbeat interval")
	}
	if _, err := c.Topology.RepairBasedNodeOps(); err != nil {
		return err
	}
	for _, ks := range c.Keyspaces {
		if ks.Name == "" {
			return fmt.Errorf("keyspaces[].name is required")
		}
		switch ks.Strategy {
		case "simple":
			if ks.ReplicationFactor < 1 {
				return fmt.Errorf("keyspace %s: replication_factor must be positive", ks.Name)
			}
		case "network_topology":
			if len(ks.DCReplicationFactors) == 0 {
				return fmt.Errorf("keyspace %s: dc_replication_factors is required", ks.Name)
			}
		default:
			return fmt.Errorf("keyspace %s: unknown strategy %q", ks.Name, ks.Strategy)
		}
	}
	return nil
}

// RepairBasedNodeOps parses the allowed_repair_based_node_ops list.
func (t *TopologyConfig) RepairBasedNodeOps() (map[string]bool, error) {
	allowed := map[string]bool{}
	known := map[string]bool{
		"bootstrap": true, "decommission": true, "removenode": true,
		"replace": true, "rebuild": true,
	}
	for _, op := range strings.Split(t.AllowedRepairBasedNodeOps, ",") {
		op = strings.TrimSpace(strings.Trim(strings.TrimSpace(op), `"'`))
		if op == "" {
			continue
		}
		if !known[op] {
			return nil, fmt.Errorf("failed to parse allowed_repair_based_node_ops: unsupported operation name: %s", op)
		}
		allowed[op] = true
	}
	return allowed, nil
}
