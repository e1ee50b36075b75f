// Package rsconfig loads and validates the bootstrap ServerConfig from a
// YAML file: unmarshal, then walk the result checking required fields
// and ranges, returning a descriptive error on the first problem found.
package rsconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xulek/rustsocks/pool"
	"github.com/xulek/rustsocks/qos"
	"github.com/xulek/rustsocks/session"
)

// AuthConfig selects which SOCKS5 auth methods are offered.
type AuthConfig struct {
	Methods      []string `yaml:"methods"` // "noauth" | "userpass"
	UserPassFile string   `yaml:"userpass_file"`
}

// PoolConfig mirrors pool.Config with YAML-friendly duration fields.
type PoolConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxIdlePerDest    int  `yaml:"max_idle_per_dest"`
	MaxTotalIdle      int  `yaml:"max_total_idle"`
	IdleTimeoutSecs   int  `yaml:"idle_timeout_secs"`
	ConnectTimeoutSecs int `yaml:"connect_timeout_secs"`
	CoalesceDials     bool `yaml:"coalesce_dials"`
}

// LeafQoSConfig mirrors qos.LeafConfig for one named leaf.
type LeafQoSConfig struct {
	GuaranteedRate   int64 `yaml:"guaranteed_rate"`
	CeilingRate      int64 `yaml:"ceiling_rate"`
	BurstSize        int64 `yaml:"burst_size"`
	RefillIntervalMS int   `yaml:"refill_interval_ms"`
}

// QoSConfig mirrors the shaper configuration in package qos.
type QoSConfig struct {
	Enabled        bool                     `yaml:"enabled"`
	GlobalRate     int64                    `yaml:"global_rate"`
	GlobalCapacity int64                    `yaml:"global_capacity"`
	Leaves         map[string]LeafQoSConfig `yaml:"leaves"`
}

// SessionConfig mirrors session.Config.
type SessionConfig struct {
	Storage                string `yaml:"storage"` // "memory" | "persistent"
	DSN                    string `yaml:"dsn"`
	RecentRingSize         int    `yaml:"recent_ring_size"`
	BatchSize              int    `yaml:"batch_size"`
	BatchIntervalMS        int    `yaml:"batch_interval_ms"`
	QueueHighWatermark     int    `yaml:"queue_high_watermark"`
	RetentionDays          int    `yaml:"retention_days"`
	CleanupIntervalHours   int    `yaml:"cleanup_interval_hours"`
	CollectionIntervalSecs int    `yaml:"collection_interval_secs"`
}

// ServerConfig is the top-level bootstrap configuration.
type ServerConfig struct {
	BindAddress                 string        `yaml:"bind_address"`
	MaxConnections               int          `yaml:"max_connections"`
	DrainDeadlineSecs            int          `yaml:"drain_deadline_secs"`
	BindPeerWaitSecs             int          `yaml:"bind_peer_wait_secs"`
	RelayBufferSize              int          `yaml:"relay_buffer_size"`
	TrafficUpdatePacketInterval  int          `yaml:"traffic_update_packet_interval"`
	AclFile                      string       `yaml:"acl_file"`
	LogLevel                     string       `yaml:"log_level"`

	Auth    AuthConfig    `yaml:"auth"`
	Pool    PoolConfig    `yaml:"pool"`
	QoS     QoSConfig     `yaml:"qos"`
	Session SessionConfig `yaml:"session"`
}

// Load reads, parses and validates path.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rsconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML bytes, applying defaults before checking
// required fields.
func Parse(data []byte) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rsconfig: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 1024
	}
	if c.DrainDeadlineSecs == 0 {
		c.DrainDeadlineSecs = 30
	}
	if c.BindPeerWaitSecs == 0 {
		c.BindPeerWaitSecs = 30
	}
	if c.RelayBufferSize == 0 {
		c.RelayBufferSize = 8 * 1024
	}
	if c.TrafficUpdatePacketInterval == 0 {
		c.TrafficUpdatePacketInterval = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Auth.Methods) == 0 {
		c.Auth.Methods = []string{"noauth"}
	}
	if c.Session.Storage == "" {
		c.Session.Storage = "memory"
	}
	if c.Session.RecentRingSize == 0 {
		c.Session.RecentRingSize = 256
	}
	if c.Session.BatchSize == 0 {
		c.Session.BatchSize = 100
	}
	if c.Session.BatchIntervalMS == 0 {
		c.Session.BatchIntervalMS = 2000
	}
	if c.Session.QueueHighWatermark == 0 {
		c.Session.QueueHighWatermark = 1000
	}
	if c.Session.RetentionDays == 0 {
		c.Session.RetentionDays = 30
	}
	if c.Session.CleanupIntervalHours == 0 {
		c.Session.CleanupIntervalHours = 6
	}
	if c.Session.CollectionIntervalSecs == 0 {
		c.Session.CollectionIntervalSecs = 30
	}
	if c.Pool.IdleTimeoutSecs == 0 {
		c.Pool.IdleTimeoutSecs = 90
	}
	if c.Pool.ConnectTimeoutSecs == 0 {
		c.Pool.ConnectTimeoutSecs = 10
	}
	if c.Pool.MaxIdlePerDest == 0 {
		c.Pool.MaxIdlePerDest = 4
	}
	if c.Pool.MaxTotalIdle == 0 {
		c.Pool.MaxTotalIdle = 256
	}
}

func (c *ServerConfig) validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("rsconfig: 'bind_address' is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("rsconfig: max_connections must be >= 1, got %d", c.MaxConnections)
	}
	if c.AclFile == "" {
		return fmt.Errorf("rsconfig: 'acl_file' is required")
	}
	if c.BindPeerWaitSecs < 1 || c.BindPeerWaitSecs > 30 {
		return fmt.Errorf("rsconfig: bind_peer_wait_secs must be in 1..30, got %d", c.BindPeerWaitSecs)
	}
	for _, m := range c.Auth.Methods {
		if m != "noauth" && m != "userpass" {
			return fmt.Errorf("rsconfig: auth.methods: unknown method %q", m)
		}
		if m == "userpass" && c.Auth.UserPassFile == "" {
			return fmt.Errorf("rsconfig: auth.methods includes 'userpass' but auth.userpass_file is empty")
		}
	}
	if c.Session.Storage != "memory" && c.Session.Storage != "persistent" {
		return fmt.Errorf("rsconfig: session.storage must be 'memory' or 'persistent', got %q", c.Session.Storage)
	}
	if c.Session.Storage == "persistent" && c.Session.DSN == "" {
		return fmt.Errorf("rsconfig: session.storage is 'persistent' but session.dsn is empty")
	}
	return nil
}

// ToPoolConfig builds a pool.Config from the bootstrap configuration.
func (c *ServerConfig) ToPoolConfig() pool.Config {
	return pool.Config{
		Enabled:        c.Pool.Enabled,
		MaxIdlePerDest: c.Pool.MaxIdlePerDest,
		MaxTotalIdle:   c.Pool.MaxTotalIdle,
		IdleTimeout:    time.Duration(c.Pool.IdleTimeoutSecs) * time.Second,
		ConnectTimeout: time.Duration(c.Pool.ConnectTimeoutSecs) * time.Second,
		CoalesceDials:  c.Pool.CoalesceDials,
	}
}

// ToSessionConfig builds a session.Config from the bootstrap configuration.
func (c *ServerConfig) ToSessionConfig() session.Config {
	storage := session.StorageMemory
	if c.Session.Storage == "persistent" {
		storage = session.StoragePersistent
	}
	return session.Config{
		Storage:            storage,
		DSN:                c.Session.DSN,
		RecentRingSize:     c.Session.RecentRingSize,
		BatchSize:          c.Session.BatchSize,
		BatchInterval:      time.Duration(c.Session.BatchIntervalMS) * time.Millisecond,
		QueueHighWatermark: c.Session.QueueHighWatermark,
		RetentionDays:      c.Session.RetentionDays,
		CleanupInterval:    time.Duration(c.Session.CleanupIntervalHours) * time.Hour,
		CollectionInterval: time.Duration(c.Session.CollectionIntervalSecs) * time.Second,
	}
}

// ToShaper builds a qos.Shaper (with leaves pre-registered) from the
// bootstrap configuration.
func (c *ServerConfig) ToShaper() *qos.Shaper {
	s := qos.New(c.QoS.Enabled, c.QoS.GlobalRate, c.QoS.GlobalCapacity)
	for key, leaf := range c.QoS.Leaves {
		s.AddLeaf(key, qos.LeafConfig{
			GuaranteedRate: leaf.GuaranteedRate,
			CeilingRate:    leaf.CeilingRate,
			BurstSize:      leaf.BurstSize,
			RefillInterval: time.Duration(leaf.RefillIntervalMS) * time.Millisecond,
		})
	}
	return s
}
