// Package config loads the TOML configuration of the wastewatch daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/casualjim/wastewatch/capture"
	"github.com/casualjim/wastewatch/gateway"
	"github.com/casualjim/wastewatch/impact"
	"github.com/casualjim/wastewatch/internal/broker"
	"github.com/casualjim/wastewatch/ledger"
	"github.com/casualjim/wastewatch/relay"
	"github.com/casualjim/wastewatch/store/natskv"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Environment variables that override the file.
const (
	EnvNATSURL    = "WASTEWATCH_NATS_URL"
	EnvStore      = "WASTEWATCH_STORE"
	EnvSQLitePath = "WASTEWATCH_SQLITE_PATH"
	EnvLogLevel   = "WASTEWATCH_LOG_LEVEL"
)

type Config struct {
	Capture capture.Config `toml:"capture"`
	Ledger  ledger.Config  `toml:"ledger"`
	Impact  ImpactConfig   `toml:"impact"`
	Gateway GatewayConfig  `toml:"gateway"`
	Relay   RelayConfig    `toml:"relay"`
	Store   StoreConfig    `toml:"store"`
	NATS    NATSConfig     `toml:"nats"`
	Log     LogConfig      `toml:"log"`
}

type ImpactConfig struct {
	// Table is an optional JSON file merged over the built-in model table.
	Table string `toml:"table"`
}

type GatewayConfig struct {
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
}

type RelayConfig struct {
	SyncInterval time.Duration `toml:"sync_interval"`
	PingTimeout  time.Duration `toml:"ping_timeout"`
}

type StoreConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
	Bucket     string `toml:"bucket"`
}

type NATSConfig struct {
	URL    string `toml:"url"`
	Prefix string `toml:"prefix"`
	Name   string `toml:"name"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// JSON switches the console writer off.
	JSON bool `toml:"json"`
}

func DefaultConfig() Config {
	return Config{
		Capture: capture.DefaultConfig(),
		Ledger:  ledger.DefaultConfig(),
		Gateway: GatewayConfig{
			ReconcileInterval: gateway.DefaultReconcileInterval,
		},
		Relay: RelayConfig{
			SyncInterval: relay.DefaultSyncInterval,
			PingTimeout:  relay.DefaultPingTimeout,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: filepath.Join(dataDir(), "wastewatch.db"),
			Bucket:     natskv.DefaultBucket,
		},
		NATS: NATSConfig{
			URL:    "nats://127.0.0.1:4222",
			Prefix: broker.DefaultPrefix,
			Name:   "wastewatch",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath is where the daemon looks for its configuration.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(dir, "wastewatch", "config.toml")
}

// Load reads path over the defaults and applies the environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvNATSURL); ok && v != "" {
		c.NATS.URL = v
	}
	if v, ok := lookup(EnvStore); ok && v != "" {
		c.Store.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvSQLitePath); ok && v != "" {
		c.Store.SQLitePath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendNATS:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Ledger.HistoryLimit <= 0 {
		return fmt.Errorf("config: ledger.history_limit must be positive")
	}
	return nil
}

// Models returns the impact table, merged with the configured file if any.
func (c Config) Models() (impact.Table, error) {
	if c.Impact.Table == "" {
		return impact.Default(), nil
	}
	return impact.LoadFile(c.Impact.Table)
}

func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "wastewatch")
	}
	return "."
}
