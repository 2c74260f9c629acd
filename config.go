package acp

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"golang.org/x/time/rate"
)

// Config holds the ambient runtime settings for an acp-agent/acp-client
// process (SPEC_FULL.md §10.2): transport selection, timeouts, and rate
// limits, loaded the way the teacher-pack loads application config —
// optional YAML file, overridden by environment variables prefixed ACP_.
type Config struct {
	Transport TransportConfig `koanf:"transport"`
	Request   RequestConfig   `koanf:"request"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// TransportConfig selects and configures the backing transport.
type TransportConfig struct {
	Kind string `koanf:"kind"` // "stdio" or "http"

	// stdio (client mode: spawn a subprocess agent)
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`

	// http
	ListenAddr string `koanf:"listen_addr"`
	RemoteURL  string `koanf:"remote_url"`
}

// RequestConfig bounds outbound request behavior (spec §9).
type RequestConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	MaxPending        int           `koanf:"max_pending"`
	RateLimitPerSecond float64      `koanf:"rate_limit_per_second"`
	RateLimitBurst    int           `koanf:"rate_limit_burst"`
}

// MetricsConfig controls the optional /metrics endpoint (SPEC_FULL.md §10.3).
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// defaultConfig mirrors the teacher-pack's "applyDefaults after unmarshal"
// pattern: every field gets a sane value before Validate runs.
func defaultConfig() Config {
	return Config{
		Transport: TransportConfig{Kind: "stdio"},
		Request: RequestConfig{
			Timeout:            30 * time.Second,
			MaxPending:         256,
			RateLimitPerSecond: 0, // disabled by default
			RateLimitBurst:     0,
		},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9464"},
	}
}

// LoadConfig loads configuration from an optional YAML file, then overrides
// with ACP_-prefixed environment variables (e.g. ACP_TRANSPORT_KIND,
// ACP_REQUEST_TIMEOUT), following the teacher-pack's precedence: defaults <
// file < environment. configPath may be empty to skip the file layer.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		} else if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("ACP_", ".", func(s string) string {
		trimmed := strings.TrimPrefix(s, "ACP_")
		return strings.ReplaceAll(strings.ToLower(trimmed), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "stdio":
		if c.Transport.Command == "" {
			return fmt.Errorf("transport.command is required for stdio transport")
		}
	case "http":
		if c.Transport.ListenAddr == "" && c.Transport.RemoteURL == "" {
			return fmt.Errorf("transport.listen_addr or transport.remote_url is required for http transport")
		}
	default:
		return fmt.Errorf("unsupported transport.kind %q (must be \"stdio\" or \"http\")", c.Transport.Kind)
	}
	if c.Request.Timeout <= 0 {
		return fmt.Errorf("request.timeout must be positive")
	}
	if c.Request.MaxPending < 0 {
		return fmt.Errorf("request.max_pending must be non-negative")
	}
	return nil
}

// DispatcherOptions translates the loaded config into Dispatcher
// construction options.
func (c *Config) DispatcherOptions() []DispatcherOption {
	opts := []DispatcherOption{WithRequestTimeout(c.Request.Timeout)}
	if c.Request.MaxPending > 0 {
		opts = append(opts, WithMaxPendingRequests(c.Request.MaxPending))
	}
	if c.Request.RateLimitPerSecond > 0 {
		opts = append(opts, WithRateLimit(rate.Limit(c.Request.RateLimitPerSecond), c.Request.RateLimitBurst))
	}
	return opts
}
