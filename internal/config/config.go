// Package config provides configuration management for the scanner service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding setting is unset.
const (
	// defaultDebounceWindow is how long a fresh snapshot suppresses a new fetch.
	defaultDebounceWindow = 2 * time.Second
	// defaultStaleWindow is the maximum cache age eligible for fallback use.
	defaultStaleWindow = 30 * time.Minute
	// defaultWorkerDeadline bounds one worker's connection plus fetch.
	defaultWorkerDeadline = 180 * time.Second
	// defaultTopN is the per-expiration candidate cap.
	defaultTopN = 5
	// defaultScanConcurrency bounds parallel refreshes in a multi-symbol scan.
	defaultScanConcurrency = 4
)

// Config represents the complete application configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Identity IdentityConfig `yaml:"identity"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Scan     ScanConfig     `yaml:"scan"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
}

// GatewayConfig defines how to reach the brokerage gateway.
type GatewayConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"` // per-request HTTP timeout, e.g. "15s"
}

// IDRange is an inclusive connection-identity range.
type IDRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

// Width returns the number of identities in the range.
func (r IDRange) Width() int { return r.High - r.Low + 1 }

// Contains reports whether id falls inside the range.
func (r IDRange) Contains(id int) bool { return id >= r.Low && id <= r.High }

// Overlaps reports whether two ranges share any identity.
func (r IDRange) Overlaps(o IDRange) bool { return r.Low <= o.High && o.Low <= r.High }

// IdentityConfig partitions the gateway's numeric identity space by
// caller class. The three ranges must never intersect.
type IdentityConfig struct {
	ManualID    int     `yaml:"manual_id"`
	StatusRange IDRange `yaml:"status_range"`
	WorkerRange IDRange `yaml:"worker_range"`
}

// FetchConfig defines the orchestration windows and the worker binary.
type FetchConfig struct {
	DebounceWindow string `yaml:"debounce_window"`
	StaleWindow    string `yaml:"stale_window"`
	WorkerDeadline string `yaml:"worker_deadline"`
	WorkerBin      string `yaml:"worker_bin"`
}

// ScanConfig defines default scan parameters applied when a refresh
// request leaves them unset.
type ScanConfig struct {
	StrikeLowerPct      float64 `yaml:"strike_lower_pct"`
	StrikeUpperPct      float64 `yaml:"strike_upper_pct"`
	ShortStrikeLowerPct float64 `yaml:"short_strike_lower_pct"`
	ShortStrikeUpperAbs float64 `yaml:"short_strike_upper_abs"`
	DaysBeforeClose     int     `yaml:"days_before_close"`
	TopNPerExpiration   int     `yaml:"top_n_per_expiration"`
	MaxConcurrent       int     `yaml:"max_concurrent"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig defines log level, format, and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StorageConfig defines optional snapshot persistence across restarts.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.Timeout != "" {
		if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
			return fmt.Errorf("gateway.timeout invalid: %w", err)
		}
	}

	// Identity ranges: disjoint across classes by construction.
	if err := validateRange("identity.status_range", c.Identity.StatusRange); err != nil {
		return err
	}
	if err := validateRange("identity.worker_range", c.Identity.WorkerRange); err != nil {
		return err
	}
	if c.Identity.ManualID <= 0 {
		return fmt.Errorf("identity.manual_id must be > 0")
	}
	if c.Identity.StatusRange.Overlaps(c.Identity.WorkerRange) {
		return fmt.Errorf("identity.status_range and identity.worker_range must not overlap")
	}
	if c.Identity.StatusRange.Contains(c.Identity.ManualID) ||
		c.Identity.WorkerRange.Contains(c.Identity.ManualID) {
		return fmt.Errorf("identity.manual_id must be outside status and worker ranges")
	}

	for name, v := range map[string]string{
		"fetch.debounce_window": c.Fetch.DebounceWindow,
		"fetch.stale_window":    c.Fetch.StaleWindow,
		"fetch.worker_deadline": c.Fetch.WorkerDeadline,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Fetch.WorkerBin == "" {
		return fmt.Errorf("fetch.worker_bin is required")
	}

	if c.Scan.StrikeLowerPct < 0 || c.Scan.StrikeLowerPct >= 1 {
		return fmt.Errorf("scan.strike_lower_pct must be in [0,1)")
	}
	if c.Scan.StrikeUpperPct < 0 {
		return fmt.Errorf("scan.strike_upper_pct must be >= 0")
	}
	if c.Scan.ShortStrikeLowerPct < 0 || c.Scan.ShortStrikeLowerPct >= 1 {
		return fmt.Errorf("scan.short_strike_lower_pct must be in [0,1)")
	}
	if c.Scan.ShortStrikeUpperAbs < 0 {
		return fmt.Errorf("scan.short_strike_upper_abs must be >= 0")
	}
	if c.Scan.DaysBeforeClose < 0 {
		return fmt.Errorf("scan.days_before_close must be >= 0")
	}
	if c.Scan.TopNPerExpiration < 0 {
		return fmt.Errorf("scan.top_n_per_expiration must be >= 0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0,65535]")
	}

	return nil
}

func validateRange(name string, r IDRange) error {
	if r.Low <= 0 || r.High <= 0 {
		return fmt.Errorf("%s bounds must be > 0", name)
	}
	if r.Low > r.High {
		return fmt.Errorf("%s low must be <= high", name)
	}
	return nil
}

// GatewayTimeout returns the configured per-request gateway timeout.
func (c *Config) GatewayTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gateway.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// DebounceWindow returns the configured debounce window duration.
func (c *Config) DebounceWindow() time.Duration {
	return durationOr(c.Fetch.DebounceWindow, defaultDebounceWindow)
}

// StaleWindow returns the configured stale window duration.
func (c *Config) StaleWindow() time.Duration {
	return durationOr(c.Fetch.StaleWindow, defaultStaleWindow)
}

// WorkerDeadline returns the configured per-fetch worker deadline.
func (c *Config) WorkerDeadline() time.Duration {
	return durationOr(c.Fetch.WorkerDeadline, defaultWorkerDeadline)
}

// TopNPerExpiration returns the configured candidate cap per expiration.
func (c *Config) TopNPerExpiration() int {
	if c.Scan.TopNPerExpiration == 0 {
		return defaultTopN
	}
	return c.Scan.TopNPerExpiration
}

// ScanConcurrency returns the parallelism bound for multi-symbol scans.
func (c *Config) ScanConcurrency() int {
	if c.Scan.MaxConcurrent <= 0 {
		return defaultScanConcurrency
	}
	return c.Scan.MaxConcurrent
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
