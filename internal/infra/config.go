package infra

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmenglis/polyfill-go/internal/domain"
)

// Config holds every tunable of the engine. Loaded from yaml, then
// overridden by environment variables, then validated. Invalid
// parameters are fatal at construction time only.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		WSURL           string   `yaml:"ws_url"`
		Tokens          []string `yaml:"tokens"`
		PingIntervalSec int      `yaml:"ping_interval_sec"`
		PongGraceMult   int      `yaml:"pong_grace_mult"`
		MaxBackoffSec   int      `yaml:"max_backoff_sec"`
	} `yaml:"feed"`

	Rest struct {
		BaseURL    string `yaml:"base_url"`
		TimeoutSec int    `yaml:"timeout_sec"`
		MaxRetries int    `yaml:"max_retries"`
		DNSTTLSec  int    `yaml:"dns_ttl_sec"`
		RateLimit  struct {
			Burst     int     `yaml:"burst"`
			PerSecond float64 `yaml:"per_second"`
		} `yaml:"rate_limit"`
	} `yaml:"rest"`

	Book struct {
		Depth        int `yaml:"depth"`
		SummaryDepth int `yaml:"summary_depth"`
		BufferSize   int `yaml:"buffer_size"`
	} `yaml:"book"`

	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"journal"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses a yaml config file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.overrideWithEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DefaultConfig returns a validated config pointing at the production
// endpoints, for callers that skip the yaml file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Feed.WSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	cfg.Rest.BaseURL = "https://clob.polymarket.com"
	cfg.overrideWithEnv()
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) overrideWithEnv() {
	if v := os.Getenv("POLYFILL_WS_URL"); v != "" {
		c.Feed.WSURL = v
	}
	if v := os.Getenv("POLYFILL_REST_URL"); v != "" {
		c.Rest.BaseURL = v
	}
	if v := os.Getenv("POLYFILL_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
		c.Journal.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Feed.PingIntervalSec <= 0 {
		c.Feed.PingIntervalSec = 10
	}
	if c.Feed.PongGraceMult <= 0 {
		c.Feed.PongGraceMult = 3
	}
	if c.Feed.MaxBackoffSec <= 0 {
		c.Feed.MaxBackoffSec = 60
	}
	if c.Rest.TimeoutSec <= 0 {
		c.Rest.TimeoutSec = 30
	}
	if c.Rest.MaxRetries <= 0 {
		c.Rest.MaxRetries = 3
	}
	if c.Rest.DNSTTLSec <= 0 {
		c.Rest.DNSTTLSec = 60
	}
	if c.Rest.RateLimit.Burst <= 0 {
		c.Rest.RateLimit.Burst = 10
	}
	if c.Rest.RateLimit.PerSecond <= 0 {
		c.Rest.RateLimit.PerSecond = 100
	}
	if c.Book.Depth <= 0 {
		c.Book.Depth = 100
	}
	if c.Book.SummaryDepth <= 0 {
		c.Book.SummaryDepth = 10
	}
	if c.Book.BufferSize <= 0 {
		c.Book.BufferSize = 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return &domain.ConfigurationError{Field: "feed.ws_url", Reason: "must be a ws:// or wss:// URL"}
	}
	if !strings.HasPrefix(c.Rest.BaseURL, "http://") && !strings.HasPrefix(c.Rest.BaseURL, "https://") {
		return &domain.ConfigurationError{Field: "rest.base_url", Reason: "must be an http(s) URL"}
	}
	if c.Book.Depth <= 0 {
		return &domain.ConfigurationError{Field: "book.depth", Reason: "must be positive"}
	}
	if c.Book.SummaryDepth > c.Book.Depth {
		return &domain.ConfigurationError{Field: "book.summary_depth", Reason: "cannot exceed book.depth"}
	}
	if c.Rest.RateLimit.Burst <= 0 || c.Rest.RateLimit.PerSecond <= 0 {
		return &domain.ConfigurationError{Field: "rest.rate_limit", Reason: "burst and per_second must be positive"}
	}
	if c.Feed.MaxBackoffSec <= 0 {
		return &domain.ConfigurationError{Field: "feed.max_backoff_sec", Reason: "must be positive"}
	}
	return nil
}

// Backoff returns the reconnect policy configured for the feed.
func (c *Config) Backoff() BackoffPolicy {
	return BackoffPolicy{
		Base: 1 * time.Second,
		Max:  time.Duration(c.Feed.MaxBackoffSec) * time.Second,
	}
}

// PingInterval returns the heartbeat interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Feed.PingIntervalSec) * time.Second
}

// ReadGrace returns how long a connection may go silent before it is
// treated as dead: a grace multiple of the ping interval.
func (c *Config) ReadGrace() time.Duration {
	return c.PingInterval() * time.Duration(c.Feed.PongGraceMult)
}
