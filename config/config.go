// Package config loads and validates the runtime's YAML configuration
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/botstreams/errors"
)

// Storage backends selectable in configuration
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

// Config is the root configuration document
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Transports TransportsConfig `yaml:"transports"`
	Features   []FeatureConfig  `yaml:"features"`
}

// LoggingConfig controls the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// StorageConfig selects and parameterizes the blob-store backend
type StorageConfig struct {
	Backend string      `yaml:"backend"`
	NATS    NATSStorage `yaml:"nats"`
	Redis   RedisConfig `yaml:"redis"`
	MySQL   MySQLConfig `yaml:"mysql"`
}

// NATSStorage configures the JetStream key-value backend
type NATSStorage struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

// RedisConfig configures the redis backend
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MySQLConfig configures the MySQL backend
type MySQLConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// Duration wraps time.Duration so YAML documents can use forms like "30s"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.WrapInvalid(err, "config", "UnmarshalYAML", "duration parse of "+raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CacheConfig sizes the state cache
type CacheConfig struct {
	Capacity    int      `yaml:"capacity"`
	TTL         Duration `yaml:"ttl"`
	NegativeTTL Duration `yaml:"negative_ttl"`
}

// DispatchConfig sizes the dispatcher
type DispatchConfig struct {
	Lanes     int      `yaml:"lanes"`
	QueueSize int      `yaml:"queue_size"`
	Budget    Duration `yaml:"budget"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TransportsConfig enables event sources
type TransportsConfig struct {
	NATS      NATSTransport      `yaml:"nats"`
	WebSocket WebSocketTransport `yaml:"websocket"`
}

// NATSTransport configures the NATS subject event source
type NATSTransport struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// WebSocketTransport configures the websocket gateway event source
type WebSocketTransport struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// FeatureConfig is one entry of the startup install list. The binary maps
// names to built-in handlers; unknown names are logged and skipped.
type FeatureConfig struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"` // overrides the process flag after install
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read of "+path)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse of "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when a field is omitted
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Backend: BackendMemory},
		Cache: CacheConfig{
			Capacity: 4096,
			TTL:      Duration(5 * time.Minute),
		},
		Dispatch: DispatchConfig{
			Lanes:     16,
			QueueSize: 256,
			Budget:    Duration(3 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
	}
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("logging level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("logging format %q", c.Logging.Format))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Storage.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "storage.nats.url")
		}
	case BackendRedis:
		if c.Storage.Redis.Address == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "storage.redis.address")
		}
	case BackendMySQL:
		if c.Storage.MySQL.DSN == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "storage.mysql.dsn")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("storage backend %q", c.Storage.Backend))
	}

	if c.Transports.NATS.Enabled {
		if c.Transports.NATS.URL == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "transports.nats.url")
		}
		if c.Transports.NATS.Subject == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "transports.nats.subject")
		}
	}
	if c.Transports.WebSocket.Enabled && c.Transports.WebSocket.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "transports.websocket.url")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("metrics port %d", c.Metrics.Port))
	}

	seen := make(map[string]bool, len(c.Features))
	for _, fc := range c.Features {
		if fc.Name == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "feature with empty name")
		}
		if seen[fc.Name] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("duplicate feature %q", fc.Name))
		}
		seen[fc.Name] = true
	}
	return nil
}

// SlogLevel maps the configured level onto slog's scale
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
