package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Listen is the webhook server bind address.
	Listen string `yaml:"listen"`

	Platform PlatformConfig `yaml:"platform"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Reminder ReminderConfig `yaml:"reminder"`
}

// PlatformConfig holds messaging-platform connection settings
type PlatformConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	SigningSecret string `yaml:"signing_secret"`

	// MinDelay is the minimum interval between outbound calls.
	MinDelay time.Duration `yaml:"min_delay"`
	// MaxDelay caps the backoff applied after throttling.
	MaxDelay time.Duration `yaml:"max_delay"`
	// ProbeInterval is how often the liveness probe runs.
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// SnapshotConfig selects and configures the channel snapshot store
type SnapshotConfig struct {
	// Backend is "file" or "redis".
	Backend string `yaml:"backend"`
	// Path is the snapshot file location (file backend).
	Path string `yaml:"path"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis snapshot store settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// ReminderConfig holds approval reminder settings
type ReminderConfig struct {
	// Interval between re-notifications for a pending approval.
	Interval time.Duration `yaml:"interval"`
	// MaxReminders stops re-scheduling after N firings; 0 = forever.
	// The approval stays pending either way.
	MaxReminders int `yaml:"max_reminders"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Snapshot.Backend == "" {
		c.Snapshot.Backend = "file"
	}
	if c.Platform.MinDelay == 0 {
		c.Platform.MinDelay = 500 * time.Millisecond
	}
	if c.Platform.MaxDelay == 0 {
		c.Platform.MaxDelay = 60 * time.Second
	}
	if c.Platform.ProbeInterval == 0 {
		c.Platform.ProbeInterval = 30 * time.Second
	}
	if c.Reminder.Interval == 0 {
		c.Reminder.Interval = 15 * time.Minute
	}

	// Secrets come from the environment when not in the file.
	if c.Platform.Token == "" {
		c.Platform.Token = os.Getenv("CHAPERONE_PLATFORM_TOKEN")
	}
	if c.Platform.SigningSecret == "" {
		c.Platform.SigningSecret = os.Getenv("CHAPERONE_SIGNING_SECRET")
	}
	if c.Snapshot.Redis.Password == "" {
		c.Snapshot.Redis.Password = os.Getenv("CHAPERONE_REDIS_PASSWORD")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform.base_url is required")
	}
	if c.Platform.Token == "" {
		return fmt.Errorf("platform.token is required (or CHAPERONE_PLATFORM_TOKEN)")
	}
	if c.Platform.SigningSecret == "" {
		return fmt.Errorf("platform.signing_secret is required (or CHAPERONE_SIGNING_SECRET)")
	}
	switch c.Snapshot.Backend {
	case "file":
	case "redis":
		if c.Snapshot.Redis.Addr == "" {
			return fmt.Errorf("snapshot.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	if c.Reminder.MaxReminders < 0 {
		return fmt.Errorf("reminder.max_reminders must be >= 0")
	}
	return nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
