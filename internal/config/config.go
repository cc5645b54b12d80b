package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/ring"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the replication endpoint of this node
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address of the replication server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds device configuration
type StorageConfig struct {
	DevicesDir        string   `yaml:"devices_dir"`
	Devices           []string `yaml:"devices"`
	SyncWrites        bool     `yaml:"sync_writes"`
	DiskWarnThreshold float64  `yaml:"disk_warn_threshold"`
	DiskFullThreshold float64  `yaml:"disk_full_threshold"`
}

// DevicePath returns the mount path of a device
func (s StorageConfig) DevicePath(device string) string {
	return filepath.Join(s.DevicesDir, device)
}

// RingConfig describes one placement ring
type RingConfig struct {
	PartPower       uint          `yaml:"part_power"`
	Replicas        int           `yaml:"replicas"`
	HashPathPrefix  string        `yaml:"hash_path_prefix"`
	HashPathSuffix  string        `yaml:"hash_path_suffix"`
	VNodesPerWeight int           `yaml:"vnodes_per_weight"`
	Devices         []ring.Device `yaml:"devices"`
}

// Build creates the hasher and ring described by the configuration
func (r RingConfig) Build() (*ring.Ring, error) {
	hasher, err := ring.NewPathHasher(r.HashPathPrefix, r.HashPathSuffix, r.PartPower)
	if err != nil {
		return nil, err
	}
	return ring.New(hasher, r.Replicas, r.Devices, r.VNodesPerWeight)
}

// AuditorConfig holds object auditor configuration
type AuditorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	FilesPerSecond int           `yaml:"files_per_second"`
}

// ReplicatorConfig holds configuration shared by both replicators
type ReplicatorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	ContainerInterval time.Duration `yaml:"container_interval"`
	Concurrency       int           `yaml:"concurrency"`
	ReclaimAge        time.Duration `yaml:"reclaim_age"`
	RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	HandoffDelete     bool          `yaml:"handoff_delete"`
}

// UpdaterConfig holds container updater configuration
type UpdaterConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// AccountConfig selects the account tier backend
type AccountConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// AdminConfig holds the admin and metrics HTTP server configuration
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig holds device health check configuration
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of an object node
type Config struct {
	Server        ServerConfig     `yaml:"server"`
	Storage       StorageConfig    `yaml:"storage"`
	Ring          RingConfig       `yaml:"ring"`
	ContainerRing RingConfig       `yaml:"container_ring"`
	Auditor       AuditorConfig    `yaml:"auditor"`
	Replicator    ReplicatorConfig `yaml:"replicator"`
	Updater       UpdaterConfig    `yaml:"updater"`
	Account       AccountConfig    `yaml:"account"`
	Gossip        GossipConfig     `yaml:"gossip"`
	Admin         AdminConfig      `yaml:"admin"`
	Health        HealthConfig     `yaml:"health"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 6200
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DevicesDir == "" {
		cfg.Storage.DevicesDir = "/srv/node"
	}
	if cfg.Storage.DiskWarnThreshold == 0 {
		cfg.Storage.DiskWarnThreshold = 90
	}
	if cfg.Storage.DiskFullThreshold == 0 {
		cfg.Storage.DiskFullThreshold = 95
	}

	ringDefaults(&cfg.Ring)
	ringDefaults(&cfg.ContainerRing)

	if cfg.Auditor.Interval == 0 {
		cfg.Auditor.Interval = 30 * time.Minute
	}

	if cfg.Replicator.Interval == 0 {
		cfg.Replicator.Interval = 30 * time.Second
	}
	if cfg.Replicator.ContainerInterval == 0 {
		cfg.Replicator.ContainerInterval = cfg.Replicator.Interval
	}
	if cfg.Replicator.Concurrency == 0 {
		cfg.Replicator.Concurrency = 1
	}
	if cfg.Replicator.ReclaimAge == 0 {
		cfg.Replicator.ReclaimAge = 7 * 24 * time.Hour
	}
	if cfg.Replicator.RPCTimeout == 0 {
		cfg.Replicator.RPCTimeout = 30 * time.Second
	}

	if cfg.Updater.Interval == 0 {
		cfg.Updater.Interval = 5 * time.Minute
	}
	if cfg.Updater.Concurrency == 0 {
		cfg.Updater.Concurrency = 4
	}

	if cfg.Account.Backend == "" {
		cfg.Account.Backend = "memory"
	}
	if cfg.Account.RedisAddr == "" {
		cfg.Account.RedisAddr = "localhost:6379"
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = time.Second
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 3 * time.Second
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = 5 * time.Second
	}

	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func ringDefaults(r *RingConfig) {
	if r.PartPower == 0 {
		r.PartPower = 10
	}
	if r.Replicas == 0 {
		r.Replicas = 3
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if len(c.Storage.Devices) == 0 {
		return fmt.Errorf("storage.devices must name at least one device")
	}
	if c.Storage.DiskFullThreshold <= 0 || c.Storage.DiskFullThreshold > 100 {
		return fmt.Errorf("storage.disk_full_threshold must be between 0 and 100")
	}
	if err := c.Ring.validate("ring"); err != nil {
		return err
	}
	if err := c.ContainerRing.validate("container_ring"); err != nil {
		return err
	}
	if c.Replicator.ReclaimAge < 0 {
		return fmt.Errorf("replicator.reclaim_age cannot be negative")
	}
	if c.Auditor.FilesPerSecond < 0 {
		return fmt.Errorf("auditor.files_per_second cannot be negative")
	}
	switch c.Account.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("account.backend must be memory or redis, got %q", c.Account.Backend)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (r RingConfig) validate(section string) error {
	if r.PartPower < 1 || r.PartPower > 32 {
		return fmt.Errorf("%s.part_power must be between 1 and 32", section)
	}
	if r.Replicas < 1 {
		return fmt.Errorf("%s.replicas must be positive", section)
	}
	if r.HashPathPrefix == "" && r.HashPathSuffix == "" {
		return fmt.Errorf("%s.hash_path_prefix or hash_path_suffix is required", section)
	}
	if len(r.Devices) == 0 {
		return fmt.Errorf("%s.devices must not be empty", section)
	}
	for _, d := range r.Devices {
		if d.Node == "" || d.Device == "" || d.Address == "" {
			return fmt.Errorf("%s: every device needs node, device and address", section)
		}
	}
	return nil
}

// LocalNodeDevices returns the ring devices this node serves
func (c *Config) LocalNodeDevices(r RingConfig) []ring.Device {
	var out []ring.Device
	for _, d := range r.Devices {
		if d.Node == c.Server.NodeID {
			out = append(out, d)
		}
	}
	return out
}
