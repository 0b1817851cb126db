// Package config provides environment-aware configuration management for
// the node binary, adapted from the teacher's pkg/config.Config
// (sub-struct-per-concern, env-tag decoding over a YAML-file base) rather
// than internal/config's MarbleRun/Neo/Supabase-specific shape, which has
// no equivalent in this system.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jeju-network/node/internal/ratelimiter"
)

// NodeConfig identifies this process within a cluster.
type NodeConfig struct {
	ID        string `json:"id" yaml:"id" env:"NODE_ID"`
	DataDir   string `json:"data_dir" yaml:"data_dir" env:"NODE_DATA_DIR"`
	Role      string `json:"role" yaml:"role" env:"NODE_ROLE"`        // "primary" or "replica"
	ReplicaOf string `json:"replica_of" yaml:"replica_of" env:"NODE_REPLICA_OF"` // primary's HTTP address, required when Role == "replica"
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host        string   `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port        int      `json:"port" yaml:"port" env:"SERVER_PORT"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// RateLimitTierConfig names one tiered fixed-window policy (spec.md §4.7).
type RateLimitTierConfig struct {
	Name          string `json:"name" yaml:"name"`
	MaxRequests   int    `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	BurstLimit    int    `json:"burst_limit" yaml:"burst_limit"`
}

// RateLimitConfig selects and configures a rate limiter store.
type RateLimitConfig struct {
	Enabled     bool                  `json:"enabled" yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	DefaultTier string                `json:"default_tier" yaml:"default_tier" env:"RATE_LIMIT_DEFAULT_TIER"`
	Store       string                `json:"store" yaml:"store" env:"RATE_LIMIT_STORE"` // "memory" or "sql"
	SQLPath     string                `json:"sql_path" yaml:"sql_path" env:"RATE_LIMIT_SQL_PATH"`
	Tiers       []RateLimitTierConfig `json:"tiers" yaml:"tiers"`
}

// RelayConfig configures the messaging subsystem (spec.md §4.6).
type RelayConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"RELAY_ENABLED"`
	Cache     string `json:"cache" yaml:"cache" env:"RELAY_CACHE"` // "memory" or "redis"
	RedisAddr string `json:"redis_addr" yaml:"redis_addr" env:"RELAY_REDIS_ADDR"`
}

// CatalogConfig points at the optional cluster roster (SPEC_FULL.md §2's
// supplemental component). Absent a DSN, replicas must be told their
// primary's address directly through NodeConfig.ReplicaOf.
type CatalogConfig struct {
	DSN string `json:"dsn" yaml:"dsn" env:"CATALOG_DSN"`
}

// Config is the top-level configuration structure.
type Config struct {
	Node      NodeConfig      `json:"node" yaml:"node"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
}

// New returns a configuration populated with defaults suitable for a
// single standalone primary on localhost.
func New() *Config {
	return &Config{
		Node: NodeConfig{
			Role:    "primary",
			DataDir: "./data",
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			DefaultTier: "standard",
			Store:       "memory",
			Tiers: []RateLimitTierConfig{
				{Name: "standard", MaxRequests: 100, WindowSeconds: 60},
				{Name: "relay", MaxRequests: 20, WindowSeconds: 60, BurstLimit: 5},
			},
		},
		Relay: RelayConfig{
			Enabled: true,
			Cache:   "memory",
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE, or
// config/node.yaml if unset) and then layers environment variable
// overrides (including an optional .env file) on top, mirroring
// pkg/config.Load's file-then-env precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "config/node.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" rather than failing
		// local runs that set nothing.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a specific YAML file, skipping the
// environment layer — used by tests and by tools that want a pinned
// config.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// normalize fills in anything Load left empty that Validate would
// otherwise reject, the way a hand-edited partial YAML file commonly does.
func (c *Config) normalize() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "./data"
	}
	if c.RateLimit.DefaultTier == "" && len(c.RateLimit.Tiers) > 0 {
		c.RateLimit.DefaultTier = c.RateLimit.Tiers[0].Name
	}
}

// Validate rejects configurations this node cannot start with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Node.Role {
	case "primary":
	case "replica":
		if c.Node.ReplicaOf == "" {
			return fmt.Errorf("node.replica_of is required when node.role is replica")
		}
	default:
		return fmt.Errorf("invalid node.role: %q (must be primary or replica)", c.Node.Role)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.RateLimit.Enabled {
		if _, ok := c.tierByName(c.RateLimit.DefaultTier); !ok {
			return fmt.Errorf("rate_limit.default_tier %q has no matching entry in rate_limit.tiers", c.RateLimit.DefaultTier)
		}
		switch c.RateLimit.Store {
		case "memory", "sql":
		default:
			return fmt.Errorf("invalid rate_limit.store: %q (must be memory or sql)", c.RateLimit.Store)
		}
	}
	return nil
}

func (c *Config) tierByName(name string) (RateLimitTierConfig, bool) {
	for _, tier := range c.RateLimit.Tiers {
		if tier.Name == name {
			return tier, true
		}
	}
	return RateLimitTierConfig{}, false
}

// IsReplica reports whether this node is configured to follow a primary.
func (c *Config) IsReplica() bool {
	return c.Node.Role == "replica"
}

// RateLimiterConfig converts the YAML/env tier declarations into the
// internal/ratelimiter.Config the middleware actually checks requests
// against.
func (c *Config) RateLimiterConfig() ratelimiter.Config {
	tiers := make(map[string]ratelimiter.Tier, len(c.RateLimit.Tiers))
	for _, t := range c.RateLimit.Tiers {
		tiers[t.Name] = ratelimiter.Tier{
			Name:        t.Name,
			MaxRequests: t.MaxRequests,
			WindowMs:    int64(t.WindowSeconds) * 1000,
			BurstLimit:  t.BurstLimit,
		}
	}
	return ratelimiter.Config{
		DefaultTier: c.RateLimit.DefaultTier,
		Tiers:       tiers,
		KeyPrefix:   "node:" + c.Node.ID + ":",
		SkipPaths:   []string{"/health", "/metrics"},
	}
}
