package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the market data queue.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "dropOldest"
)

// Config holds all engine configuration.
// Secrets in the file are overridden by environment variables after load.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Venue struct {
		Name      string   `yaml:"name"`
		WSURL     string   `yaml:"ws_url"`
		RestURL   string   `yaml:"rest_url"`
		AccessKey string   `yaml:"access_key"`
		SecretKey string   `yaml:"secret_key"`
		Symbols   []string `yaml:"symbols"`
	} `yaml:"venue"`

	Engine struct {
		MaxRetries           int    `yaml:"max_retries"`
		BaseDelayMs          int    `yaml:"base_delay_ms"`
		MaxDelayMs           int    `yaml:"max_delay_ms"`
		RequestsPerWindow    int    `yaml:"requests_per_window"`
		WindowMs             int    `yaml:"window_ms"`
		RequestTimeoutMs     int    `yaml:"request_timeout_ms"`
		HeartbeatIntervalMs  int    `yaml:"heartbeat_interval_ms"`
		HeartbeatTimeoutMs   int    `yaml:"heartbeat_timeout_ms"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		QueueCapacity        int    `yaml:"queue_capacity"`
		QueueOverflowPolicy  string `yaml:"queue_overflow_policy"` // block | dropOldest
		PollIntervalSec      int    `yaml:"poll_interval_sec"`     // REST fallback polling
		BalanceRefreshSec    int    `yaml:"balance_refresh_sec"`
		ShutdownTimeoutMs    int    `yaml:"shutdown_timeout_ms"`
	} `yaml:"engine"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses a config file, applies environment
// overrides for secrets, fills defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	e := &c.Engine
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.BaseDelayMs == 0 {
		e.BaseDelayMs = 1000
	}
	if e.MaxDelayMs == 0 {
		e.MaxDelayMs = 60000
	}
	if e.RequestsPerWindow == 0 {
		e.RequestsPerWindow = 10
	}
	if e.WindowMs == 0 {
		e.WindowMs = 1000
	}
	if e.RequestTimeoutMs == 0 {
		e.RequestTimeoutMs = 10000
	}
	if e.HeartbeatIntervalMs == 0 {
		e.HeartbeatIntervalMs = 30000
	}
	if e.HeartbeatTimeoutMs == 0 {
		e.HeartbeatTimeoutMs = 60000
	}
	if e.MaxReconnectAttempts == 0 {
		e.MaxReconnectAttempts = 10
	}
	if e.QueueCapacity == 0 {
		e.QueueCapacity = 1024
	}
	if e.QueueOverflowPolicy == "" {
		e.QueueOverflowPolicy = OverflowBlock
	}
	if e.BalanceRefreshSec == 0 {
		e.BalanceRefreshSec = 60
	}
	if e.ShutdownTimeoutMs == 0 {
		e.ShutdownTimeoutMs = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Venue.Name == "" {
		return fmt.Errorf("venue name is required")
	}
	if c.Venue.WSURL != "" &&
		!strings.HasPrefix(c.Venue.WSURL, "ws://") && !strings.HasPrefix(c.Venue.WSURL, "wss://") {
		return fmt.Errorf("invalid venue WS URL: %s", c.Venue.WSURL)
	}
	if len(c.Venue.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}

	e := &c.Engine
	if e.QueueOverflowPolicy != OverflowBlock && e.QueueOverflowPolicy != OverflowDropOldest {
		return fmt.Errorf("queue_overflow_policy must be %q or %q, got %q",
			OverflowBlock, OverflowDropOldest, e.QueueOverflowPolicy)
	}
	if e.HeartbeatTimeoutMs <= e.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms (%d) must exceed heartbeat_interval_ms (%d)",
			e.HeartbeatTimeoutMs, e.HeartbeatIntervalMs)
	}
	if e.MaxRetries < 1 || e.RequestsPerWindow < 1 || e.WindowMs < 1 || e.QueueCapacity < 1 {
		return fmt.Errorf("engine limits must be positive")
	}
	return nil
}

// Convenience duration accessors.

func (c *Config) BaseDelay() time.Duration         { return time.Duration(c.Engine.BaseDelayMs) * time.Millisecond }
func (c *Config) MaxDelay() time.Duration          { return time.Duration(c.Engine.MaxDelayMs) * time.Millisecond }
func (c *Config) Window() time.Duration            { return time.Duration(c.Engine.WindowMs) * time.Millisecond }
func (c *Config) RequestTimeout() time.Duration    { return time.Duration(c.Engine.RequestTimeoutMs) * time.Millisecond }
func (c *Config) HeartbeatInterval() time.Duration { return time.Duration(c.Engine.HeartbeatIntervalMs) * time.Millisecond }
func (c *Config) HeartbeatTimeout() time.Duration  { return time.Duration(c.Engine.HeartbeatTimeoutMs) * time.Millisecond }
func (c *Config) ShutdownTimeout() time.Duration   { return time.Duration(c.Engine.ShutdownTimeoutMs) * time.Millisecond }

// overrideWithEnv applies environment variables over file values.
// Environment takes precedence so secrets can stay out of the file.
func overrideWithEnv(cfg *Config) {
	if cfg.Venue.SecretKey != "" {
		fmt.Println("⚠️  SECURITY WARNING: API secret found in config file.")
		fmt.Println("   Recommendation: use VENUELINK_ACCESS_KEY / VENUELINK_SECRET_KEY instead.")
	}

	if key := os.Getenv("VENUELINK_ACCESS_KEY"); key != "" {
		cfg.Venue.AccessKey = key
	}
	if secret := os.Getenv("VENUELINK_SECRET_KEY"); secret != "" {
		cfg.Venue.SecretKey = secret
	}
}
