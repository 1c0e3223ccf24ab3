// Package config loads the daemon configuration from YAML or JSON, with
// environment overrides for the settings that differ between deployments.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stateflowio/stateflow/pkg/core"
	"github.com/stateflowio/stateflow/pkg/observability/tracing"
)

// Duration parses "30s"-style strings in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// ServerConfig is the listen surface.
type ServerConfig struct {
	AdminAddr   string `json:"adminAddr" yaml:"adminAddr"`
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr"`
	StreamAddr  string `json:"streamAddr" yaml:"streamAddr"`
}

// NATSConfig is the event intake.
type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`

	// Embedded runs an in-process NATS server, for single-node deployments
	// and development.
	Embedded bool `json:"embedded" yaml:"embedded"`
}

// PersistenceConfig selects the provider.
type PersistenceConfig struct {
	// Driver is one of "memory", "sqlite3", "postgres", "pgx".
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Table  string `json:"table" yaml:"table"`

	// ShardDSNs, when set, builds a sharded provider with one shard per DSN.
	ShardDSNs []string `json:"shardDsns" yaml:"shardDsns"`

	MaxOpenConns int `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns int `json:"maxIdleConns" yaml:"maxIdleConns"`
}

// RegistryConfig tunes the in-memory runtime.
type RegistryConfig struct {
	QueueSize      int      `json:"queueSize" yaml:"queueSize"`
	RetryAttempts  int      `json:"retryAttempts" yaml:"retryAttempts"`
	RetryBaseDelay Duration `json:"retryBaseDelay" yaml:"retryBaseDelay"`
	DebugCacheSize int      `json:"debugCacheSize" yaml:"debugCacheSize"`
	ShutdownGrace  Duration `json:"shutdownGrace" yaml:"shutdownGrace"`
}

// HistoryConfig tunes archival.
type HistoryConfig struct {
	Table             string   `json:"table" yaml:"table"`
	ArchiverWorkers   int      `json:"archiverWorkers" yaml:"archiverWorkers"`
	ArchiverQueue     int      `json:"archiverQueue" yaml:"archiverQueue"`
	RetentionMaxAge   Duration `json:"retentionMaxAge" yaml:"retentionMaxAge"`
	RetentionInterval Duration `json:"retentionInterval" yaml:"retentionInterval"`
}

// ObserverConfig tunes the snapshot bus.
type ObserverConfig struct {
	// SampleN publishes one in every N snapshots; 1 publishes all.
	SampleN int `json:"sampleN" yaml:"sampleN"`

	// Debug overrides sampling and enables the eviction debug cache.
	Debug bool `json:"debug" yaml:"debug"`

	WSBuffer int `json:"wsBuffer" yaml:"wsBuffer"`
}

// AuthConfig carries credentials. Secrets load from env, never from the
// file.
type AuthConfig struct {
	// APIKeyHash is a bcrypt hash of the admin API key. Empty disables auth.
	APIKeyHash string `json:"apiKeyHash" yaml:"apiKeyHash"`

	// JWTSecret signs websocket stream tokens. Loaded from
	// STATEFLOW_JWT_SECRET.
	JWTSecret string `json:"-" yaml:"-"`
}

// Config is the daemon configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	NATS        NATSConfig        `json:"nats" yaml:"nats"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
	Registry    RegistryConfig    `json:"registry" yaml:"registry"`
	History     HistoryConfig     `json:"history" yaml:"history"`
	Observer    ObserverConfig    `json:"observer" yaml:"observer"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Tracing     tracing.Config    `json:"tracing" yaml:"tracing"`
}

// Default returns the development defaults: in-memory persistence, embedded
// NATS, everything on localhost.
func Default() Config {
	return Config{
		Server: ServerConfig{
			AdminAddr:   ":8080",
			MetricsAddr: ":9090",
			StreamAddr:  ":8081",
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "stateflow",
		},
		Persistence: PersistenceConfig{
			Driver:       "memory",
			Table:        "machines",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Registry: RegistryConfig{
			QueueSize:      64,
			RetryAttempts:  3,
			RetryBaseDelay: Duration(time.Second),
			DebugCacheSize: 1024,
			ShutdownGrace:  Duration(30 * time.Second),
		},
		History: HistoryConfig{
			Table:             "machine_history",
			ArchiverWorkers:   2,
			ArchiverQueue:     1024,
			RetentionMaxAge:   Duration(30 * 24 * time.Hour),
			RetentionInterval: Duration(24 * time.Hour),
		},
		Observer: ObserverConfig{
			SampleN:  1,
			WSBuffer: 512,
		},
	}
}

// Load reads path (YAML unless the extension is .json) over the defaults,
// then applies environment overrides. An empty path loads defaults plus
// environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if filepath.Ext(path) == ".json" {
			err = core.JSONDecode(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STATEFLOW_ADMIN_ADDR"); v != "" {
		c.Server.AdminAddr = v
	}
	if v := os.Getenv("STATEFLOW_METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}
	if v := os.Getenv("STATEFLOW_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("STATEFLOW_DB_DRIVER"); v != "" {
		c.Persistence.Driver = v
	}
	if v := os.Getenv("STATEFLOW_DB_DSN"); v != "" {
		c.Persistence.DSN = v
	}
	if v := os.Getenv("STATEFLOW_API_KEY_HASH"); v != "" {
		c.Auth.APIKeyHash = v
	}
	c.Auth.JWTSecret = os.Getenv("STATEFLOW_JWT_SECRET")
	if v := os.Getenv("STATEFLOW_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err == nil {
			c.Observer.Debug = debug
		}
	}
}

// Validate fails fast on settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Persistence.Driver {
	case "memory", "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver)
	}
	if c.Persistence.Driver != "memory" && c.Persistence.DSN == "" && len(c.Persistence.ShardDSNs) == 0 {
		return fmt.Errorf("persistence driver %q requires a dsn", c.Persistence.Driver)
	}
	if c.Registry.QueueSize < 1 {
		return fmt.Errorf("registry queue size must be positive")
	}
	if c.Registry.RetryAttempts < 1 {
		return fmt.Errorf("registry retry attempts must be positive")
	}
	if c.Observer.SampleN < 1 {
		return fmt.Errorf("observer sampleN must be >= 1")
	}
	return nil
}
