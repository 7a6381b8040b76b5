// Package config loads the cache engine configuration from defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tiercache/internal/cache/memory"
	"tiercache/internal/cache/orchestrator"
	"tiercache/internal/cache/redisc"
	"tiercache/internal/cache/sqlitec"
	"tiercache/internal/cache/syncer"
)

// Config is the full engine configuration.
type Config struct {
	Server       ServerConfig        `json:"server" yaml:"server"`
	Memory       memory.Config       `json:"memory" yaml:"memory"`
	Redis        redisc.Config       `json:"redis" yaml:"redis"`
	SQLite       sqlitec.Config      `json:"sqlite" yaml:"sqlite"`
	Orchestrator orchestrator.Config `json:"orchestrator" yaml:"orchestrator"`
	Sync         syncer.Config       `json:"sync" yaml:"sync"`
	Logging      LoggingConfig       `json:"logging" yaml:"logging"`
}

// ServerConfig configures the admin HTTP surface.
type ServerConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8480",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Memory:       memory.DefaultConfig(),
		Redis:        redisc.DefaultConfig(),
		SQLite:       sqlitec.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Sync:         syncer.DefaultConfig(),
		Logging:      LoggingConfig{Level: "info"},
	}
}

// LoadConfig builds the configuration. path may be empty; a missing file
// at an explicit path is an error, a missing .env is not.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if root.Kind != 0 {
			if err := normalizeDurations(&root); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
			if err := root.Decode(cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Orchestrator.Strategy {
	case orchestrator.WriteThrough, orchestrator.WriteBehind, "":
	default:
		return fmt.Errorf("unknown write strategy %q", c.Orchestrator.Strategy)
	}
	if c.Memory.MaxBytes < 0 {
		return fmt.Errorf("memory max_bytes must not be negative")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync interval must not be negative")
	}
	return nil
}

// durationKeys are config keys holding time.Duration values. yaml.v3
// cannot decode "30s" into a time.Duration field directly, so string
// values under these keys are rewritten to integer nanoseconds before the
// final decode.
var durationKeys = map[string]struct{}{
	"read_timeout":   {},
	"write_timeout":  {},
	"dial_timeout":   {},
	"sweep_interval": {},
	"tier1_ttl":      {},
	"tier2_ttl":      {},
	"tier3_ttl":      {},
	"interval":       {},
	"cycle_timeout":  {},
}

func normalizeDurations(node *yaml.Node) error {
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			if err := normalizeDurations(child); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if _, ok := durationKeys[key.Value]; ok && val.Kind == yaml.ScalarNode && val.Tag == "!!str" {
				d, err := time.ParseDuration(val.Value)
				if err != nil {
					return fmt.Errorf("invalid duration for %q: %w", key.Value, err)
				}
				val.Value = strconv.FormatInt(int64(d), 10)
				val.Tag = "!!int"
				continue
			}
			if err := normalizeDurations(val); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("TIERCACHE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TIERCACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TIERCACHE_WRITE_STRATEGY"); v != "" {
		cfg.Orchestrator.Strategy = orchestrator.WriteStrategy(v)
	}
	if d, ok := envDuration("TIERCACHE_TIER1_TTL"); ok {
		cfg.Orchestrator.Tier1TTL = d
	}
	if d, ok := envDuration("TIERCACHE_TIER2_TTL"); ok {
		cfg.Orchestrator.Tier2TTL = d
	}
	if d, ok := envDuration("TIERCACHE_TIER3_TTL"); ok {
		cfg.Orchestrator.Tier3TTL = d
	}
	if b, ok := envBool("TIERCACHE_TIER2_REQUIRED"); ok {
		cfg.Orchestrator.Tier2Required = b
	}
	if b, ok := envBool("TIERCACHE_TIER3_REQUIRED"); ok {
		cfg.Orchestrator.Tier3Required = b
	}
	if b, ok := envBool("TIERCACHE_WRITE_BEHIND_RETRY"); ok {
		cfg.Orchestrator.WriteBehindRetry = b
	}

	if n, ok := envInt64("TIERCACHE_MEMORY_MAX_BYTES"); ok {
		cfg.Memory.MaxBytes = n
	}
	if d, ok := envDuration("TIERCACHE_MEMORY_SWEEP_INTERVAL"); ok {
		cfg.Memory.SweepInterval = d
	}

	if v := os.Getenv("TIERCACHE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TIERCACHE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TIERCACHE_REDIS_PREFIX"); v != "" {
		cfg.Redis.Prefix = v
	}
	if n, ok := envInt64("TIERCACHE_REDIS_DB"); ok {
		cfg.Redis.DB = int(n)
	}

	if v := os.Getenv("TIERCACHE_SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}

	if d, ok := envDuration("TIERCACHE_SYNC_INTERVAL"); ok {
		cfg.Sync.Interval = d
	}
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	return v == "true" || v == "1", true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
