// Package config loads the coordinator configuration from YAML with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "30s" or "2m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the coordinator's full configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the health and metrics listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DatabaseConfig selects the transaction store. An empty URL runs the
// coordinator on the in-memory store, which only makes sense in tests and
// local development.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig optionally moves the account/node cache to Redis. Empty
// address keeps the cache in the primary store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MirrorConfig configures the mirror node client.
type MirrorConfig struct {
	// Networks maps network name to mirror REST base URL.
	Networks          map[string]string `yaml:"networks"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
}

// SchedulerConfig tunes collate/execute timing.
type SchedulerConfig struct {
	CollateLeadTime Duration `yaml:"collate_lead_time"`
	ExecuteDelay    Duration `yaml:"execute_delay"`
	StartupDelay    Duration `yaml:"startup_delay"`
}

// CacheConfig tunes account/node cache freshness.
type CacheConfig struct {
	Staleness     Duration `yaml:"staleness"`
	ReclaimWindow Duration `yaml:"reclaim_window"`
	// SweepInterval is how often the background stale-row refresh runs.
	// Zero disables the sweep.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// HooksConfig points at the external collaborator services.
type HooksConfig struct {
	// ExecutorURL receives execution requests.
	ExecutorURL string `yaml:"executor_url"`
	// CollatorURL performs signature collation.
	CollatorURL string `yaml:"collator_url"`
	// StatusURL answers status reconciliation queries.
	StatusURL string `yaml:"status_url"`
	// WebhookURL receives batched status update events. Empty logs the
	// events instead.
	WebhookURL string `yaml:"webhook_url"`
	APIKey     string `yaml:"api_key"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8090"},
		Mirror: MirrorConfig{RequestsPerSecond: 20},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment is a valid deployment.
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getenv("TXCOORD_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := getenv("EXECUTOR_URL"); v != "" {
		cfg.Hooks.ExecutorURL = v
	}
	if v := getenv("COLLATOR_URL"); v != "" {
		cfg.Hooks.CollatorURL = v
	}
	if v := getenv("STATUS_URL"); v != "" {
		cfg.Hooks.StatusURL = v
	}
	if v := getenv("WEBHOOK_URL"); v != "" {
		cfg.Hooks.WebhookURL = v
	}
	if v := getenv("HOOKS_API_KEY"); v != "" {
		cfg.Hooks.APIKey = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func (c Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	for network, base := range c.Mirror.Networks {
		if base == "" {
			return fmt.Errorf("mirror.networks.%s: base URL is empty", network)
		}
	}
	return nil
}
