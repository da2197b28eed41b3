package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"coparent/logger"
)

const (
	defaultPort          = 8080
	defaultRelayPort     = 8090
	defaultTransport     = "auto"
	defaultStoragePath   = "coparent-broadcast.db"
	defaultStorageKeep   = 20
	defaultStoragePoll   = 250 * time.Millisecond
	defaultReconcileCron = "*/5 * * * *"
	defaultRelayPeerRPS  = 200
	defaultRelayBurst    = 400
)

// Transport names accepted by broadcast.Open.
var transports = map[string]bool{
	"auto":      true,
	"websocket": true,
	"storage":   true,
	"memory":    true,
}

// Config is the agent configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Database  DatabaseConfig  `yaml:"database"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Session   SessionConfig   `yaml:"session"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// RelayConfig is where `coparent relay` hosts the websocket hub.
type RelayConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// BroadcastConfig selects and tunes the cross-process bus transport.
type BroadcastConfig struct {
	Transport    string        `yaml:"transport"`
	RelayURL     string        `yaml:"relay_url"`
	StoragePath  string        `yaml:"storage_path"`
	StorageKeep  int           `yaml:"storage_keep"`
	StoragePoll  time.Duration `yaml:"storage_poll"`
	RelayPeerRPS float64       `yaml:"relay_peer_rps"`
	RelayBurst   int           `yaml:"relay_burst"`
}

type ReconcileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// SessionConfig optionally signs a user in at startup.
type SessionConfig struct {
	UserID string `yaml:"user_id"`
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Addr returns the relay hub listen address.
func (r RelayConfig) Addr() string {
	addr := r.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := r.Port
	if port == 0 {
		port = defaultRelayPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Load reads .env, then the optional YAML file at path, then environment
// overrides, and fills defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("dotenv_not_loaded", "error", err)
	}

	cfg := &Config{Reconcile: ReconcileConfig{Enabled: true}}
	if path == "" {
		path = os.Getenv("COPARENT_CONFIG")
	}
	if path != "" {
		fileCfg, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	cfg := Config{Reconcile: ReconcileConfig{Enabled: true}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("COPARENT_RELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Relay.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("COPARENT_MIGRATE"); v != "" {
		cfg.Database.Migrate = parseBool(v)
	}
	if v := os.Getenv("COPARENT_TRANSPORT"); v != "" {
		cfg.Broadcast.Transport = v
	}
	if v := os.Getenv("COPARENT_RELAY_URL"); v != "" {
		cfg.Broadcast.RelayURL = v
	}
	if v := os.Getenv("COPARENT_STORAGE_PATH"); v != "" {
		cfg.Broadcast.StoragePath = v
	}
	if v := os.Getenv("COPARENT_STORAGE_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broadcast.StorageKeep = n
		}
	}
	if v := os.Getenv("COPARENT_STORAGE_POLL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broadcast.StoragePoll = d
		}
	}
	if v := os.Getenv("COPARENT_RECONCILE_CRON"); v != "" {
		cfg.Reconcile.Cron = v
	}
	if v := os.Getenv("COPARENT_RECONCILE"); v != "" {
		cfg.Reconcile.Enabled = parseBool(v)
	}
	if v := os.Getenv("COPARENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COPARENT_LOG_SINK"); v != "" {
		cfg.Logging.Sink = v
	}
	if v := os.Getenv("COPARENT_USER_ID"); v != "" {
		cfg.Session.UserID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = defaultRelayPort
	}
	if cfg.Broadcast.Transport == "" {
		cfg.Broadcast.Transport = defaultTransport
	}
	cfg.Broadcast.Transport = strings.ToLower(cfg.Broadcast.Transport)
	if cfg.Broadcast.RelayURL == "" {
		cfg.Broadcast.RelayURL = fmt.Sprintf("ws://localhost:%d/ws/bus", cfg.Relay.Port)
	}
	if cfg.Broadcast.StoragePath == "" {
		cfg.Broadcast.StoragePath = defaultStoragePath
	}
	if cfg.Broadcast.StorageKeep <= 0 {
		cfg.Broadcast.StorageKeep = defaultStorageKeep
	}
	if cfg.Broadcast.StoragePoll <= 0 {
		cfg.Broadcast.StoragePoll = defaultStoragePoll
	}
	if cfg.Broadcast.RelayPeerRPS <= 0 {
		cfg.Broadcast.RelayPeerRPS = defaultRelayPeerRPS
	}
	if cfg.Broadcast.RelayBurst <= 0 {
		cfg.Broadcast.RelayBurst = defaultRelayBurst
	}
	if cfg.Reconcile.Cron == "" {
		cfg.Reconcile.Cron = defaultReconcileCron
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port == c.Relay.Port {
		return fmt.Errorf("server and relay cannot share port %d", c.Server.Port)
	}
	if !transports[c.Broadcast.Transport] {
		return fmt.Errorf("unknown broadcast transport %q", c.Broadcast.Transport)
	}
	if c.Reconcile.Enabled && !gronx.IsValid(c.Reconcile.Cron) {
		return fmt.Errorf("invalid reconcile cron %q", c.Reconcile.Cron)
	}
	return nil
}

// Summary lists the effective settings for the startup log.
func (c *Config) Summary() []any {
	return []any{
		"addr", c.Addr(),
		"transport", c.Broadcast.Transport,
		"relay_url", c.Broadcast.RelayURL,
		"storage_path", c.Broadcast.StoragePath,
		"storage_keep", c.Broadcast.StorageKeep,
		"reconcile", c.Reconcile.Enabled,
		"reconcile_cron", c.Reconcile.Cron,
		"database_configured", c.Database.URL != "",
	}
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
