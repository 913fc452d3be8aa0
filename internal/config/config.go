// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// minJWTSecretLength mirrors auth.MinSecretLength without importing auth
const minJWTSecretLength = 32

// Config represents the complete chat-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Presence  PresenceConfig  `yaml:"presence" toml:"presence"`
	Cluster   ClusterConfig   `yaml:"cluster" toml:"cluster"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve on :443 with tailnet certificates
}

// DatabaseConfig selects and configures the persistence store
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"` // sqlite (default) or mongo
	Path          string `yaml:"path" toml:"path"`
	MongoURI      string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" toml:"mongo_database"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName string `yaml:"cookie_name" toml:"cookie_name"`
}

// RealtimeConfig tunes websocket connections
type RealtimeConfig struct {
	WriteWait      time.Duration `yaml:"-" toml:"-"`
	PongWait       time.Duration `yaml:"-" toml:"-"`
	PingPeriod     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL      time.Duration `yaml:"-" toml:"-"`
	SendBuffer     int           `yaml:"send_buffer" toml:"send_buffer"`
	MaxFrameBytes  int64         `yaml:"max_frame_bytes" toml:"max_frame_bytes"`
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	WriteWaitRaw  string `yaml:"write_wait" toml:"write_wait"`
	PongWaitRaw   string `yaml:"pong_wait" toml:"pong_wait"`
	PingPeriodRaw string `yaml:"ping_period" toml:"ping_period"`
	DedupeTTLRaw  string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// PresenceConfig holds presence mirroring configuration
type PresenceConfig struct {
	Redis RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig configures the Redis presence mirror
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Addr     string        `yaml:"addr" toml:"addr"`
	Password string        `yaml:"password" toml:"password"`
	DB       int           `yaml:"db" toml:"db"`
	TTL      time.Duration `yaml:"-" toml:"-"`
	TTLRaw   string        `yaml:"ttl" toml:"ttl"`
}

// ClusterConfig holds cross-node fan-out configuration
type ClusterConfig struct {
	NATS NATSConfig `yaml:"nats" toml:"nats"`
}

// NATSConfig configures the NATS broadcast bus
type NATSConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
	Subject string `yaml:"subject" toml:"subject"`
	Name    string `yaml:"name" toml:"name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.MongoDatabase == "" {
		c.Database.MongoDatabase = "chat"
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Realtime.WriteWait == 0 {
		c.Realtime.WriteWait = 10 * time.Second
	}
	if c.Realtime.PongWait == 0 {
		c.Realtime.PongWait = 60 * time.Second
	}
	if c.Realtime.PingPeriod == 0 {
		c.Realtime.PingPeriod = c.Realtime.PongWait * 9 / 10
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 128
	}
	if c.Realtime.MaxFrameBytes == 0 {
		c.Realtime.MaxFrameBytes = 1 << 20
	}
	if c.Realtime.DedupeTTL == 0 {
		c.Realtime.DedupeTTL = 2 * time.Minute
	}
	if c.Presence.Redis.TTL == 0 {
		c.Presence.Redis.TTL = 2 * time.Minute
	}
	if c.Cluster.NATS.Subject == "" {
		c.Cluster.NATS.Subject = "chat.rooms"
	}
	if c.Cluster.NATS.Name == "" {
		c.Cluster.NATS.Name = "chat-gateway"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverMongo, c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	if c.Realtime.PingPeriod >= c.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_period (%s) must be shorter than realtime.pong_wait (%s)",
			c.Realtime.PingPeriod, c.Realtime.PongWait)
	}
	if c.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}

	if c.Presence.Redis.Enabled && c.Presence.Redis.Addr == "" {
		return fmt.Errorf("presence.redis.addr is required when redis is enabled")
	}

	if c.Cluster.NATS.Enabled && c.Cluster.NATS.URL == "" {
		return fmt.Errorf("cluster.nats.url is required when nats is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"realtime.write_wait", cfg.Realtime.WriteWaitRaw, &cfg.Realtime.WriteWait},
		{"realtime.pong_wait", cfg.Realtime.PongWaitRaw, &cfg.Realtime.PongWait},
		{"realtime.ping_period", cfg.Realtime.PingPeriodRaw, &cfg.Realtime.PingPeriod},
		{"realtime.dedupe_ttl", cfg.Realtime.DedupeTTLRaw, &cfg.Realtime.DedupeTTL},
		{"presence.redis.ttl", cfg.Presence.Redis.TTLRaw, &cfg.Presence.Redis.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
