package infra

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every application setting. Secrets may be overridden through
// environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode    string   `yaml:"mode"` // sandbox, live, paper
		Symbols []string `yaml:"symbols"`
	} `yaml:"trading"`

	Venue struct {
		RestURL          string `yaml:"rest_url"`
		StreamURL        string `yaml:"stream_url"` // private stream base
		MarketURL        string `yaml:"market_url"` // public stream base
		SandboxRestURL   string `yaml:"sandbox_rest_url"`
		SandboxStreamURL string `yaml:"sandbox_stream_url"`
		SandboxMarketURL string `yaml:"sandbox_market_url"`
		AccessKey        string `yaml:"access_key"`
		SecretKey        string `yaml:"secret_key"`
		RecvWindowMS     int64  `yaml:"recv_window_ms"`
	} `yaml:"venue"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"` // SQLite database file
	} `yaml:"storage"`

	Risk struct {
		MaxQuantity string `yaml:"max_quantity"` // per-order cap, empty disables
		MaxNotional string `yaml:"max_notional"` // per-order cap, empty disables
	} `yaml:"risk"`

	Executor struct {
		BusBufferSize      int `yaml:"bus_buffer_size"`
		ThrottleIntervalMS int `yaml:"throttle_interval_ms"`
		ReconcileEverySec  int `yaml:"reconcile_every_sec"`
	} `yaml:"executor"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment overrides
// and validates the result.
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
	if c.Venue.RecvWindowMS <= 0 {
		c.Venue.RecvWindowMS = 5000
	}
	if c.Executor.BusBufferSize <= 0 {
		c.Executor.BusBufferSize = 64
	}
	if c.Executor.ThrottleIntervalMS <= 0 {
		c.Executor.ThrottleIntervalMS = 100
	}
	if c.Executor.ReconcileEverySec <= 0 {
		c.Executor.ReconcileEverySec = 60
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/executions.db"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Trading.Mode) {
	case "sandbox", "live", "paper":
	default:
		return fmt.Errorf("unknown trading mode: %q", c.Trading.Mode)
	}

	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}

	if c.Trading.Mode != "paper" {
		if !isHTTPURL(c.Venue.RestURL) || !isHTTPURL(c.Venue.SandboxRestURL) {
			return fmt.Errorf("venue REST URLs must be http(s)")
		}
		for _, u := range []string{
			c.Venue.StreamURL, c.Venue.MarketURL,
			c.Venue.SandboxStreamURL, c.Venue.SandboxMarketURL,
		} {
			if !isWSURL(u) {
				return fmt.Errorf("invalid venue stream URL: %s", u)
			}
		}
	}

	return nil
}

// ThrottleInterval returns the public-stream coalescing window.
func (c *Config) ThrottleInterval() time.Duration {
	return time.Duration(c.Executor.ThrottleIntervalMS) * time.Millisecond
}

// ReconcileInterval returns the order-status sweep cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Executor.ReconcileEverySec) * time.Second
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func isWSURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// overrideWithEnv lets environment variables take precedence over file
// values, so keys never need to live on disk.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("EXEC_VENUE_KEY"); key != "" {
		cfg.Venue.AccessKey = key
	}
	if secret := os.Getenv("EXEC_VENUE_SECRET"); secret != "" {
		cfg.Venue.SecretKey = secret
	}
	if mode := os.Getenv("EXEC_TRADING_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
}
