// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bstn/internal/basestation"
	"github.com/srg/bstn/internal/coordinator"
	"github.com/srg/bstn/internal/governor"
)

// DeviceConfig declares one managed basestation.
type DeviceConfig struct {
	// Address is the device MAC in any common notation.
	Address string `yaml:"address"`

	// Name is an optional display name. When empty, the advertised or a
	// generic family name is used.
	Name string `yaml:"name"`

	// Type selects the protocol family: "valve" or "vive".
	Type string `yaml:"type"`

	// PairID is required for powering Vive family devices.
	PairID *uint32 `yaml:"pair_id"`
}

// Identity resolves the declaration into a validated device identity.
func (d DeviceConfig) Identity() (basestation.Identity, error) {
	variant, err := basestation.ParseVariant(d.Type)
	if err != nil {
		return basestation.Identity{}, fmt.Errorf("device %q: %w", d.Address, err)
	}
	return basestation.NewIdentity(d.Address, d.Name, variant, d.PairID)
}

// Config is the application configuration, loadable from YAML.
type Config struct {
	// LogLevel is a logrus level name: debug, info, warn, error.
	LogLevel string `yaml:"log_level" default:"info"`

	// MaxConcurrentConnections bounds simultaneous BLE connections across
	// all devices.
	MaxConcurrentConnections int `yaml:"max_concurrent_connections" default:"2"`

	// ConnectionTimeout bounds each transport connect.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" default:"10s"`

	// PollInterval is the spacing between scheduled state refreshes.
	PollInterval time.Duration `yaml:"poll_interval" default:"5s"`

	// InfoScanInterval is how often static device info is re-read.
	InfoScanInterval time.Duration `yaml:"info_scan_interval" default:"30m"`

	// ScanTimeout bounds a discovery scan.
	ScanTimeout time.Duration `yaml:"scan_timeout" default:"10s"`

	// OptimisticWrites updates cached state from successful power writes
	// without a confirming read.
	OptimisticWrites *bool `yaml:"optimistic_writes"`

	// Devices lists the managed basestations.
	Devices []DeviceConfig `yaml:"devices"`
}

// UnmarshalYAML decodes the configuration, accepting durations in Go
// notation ("10s", "1m30s").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		LogLevel                 string         `yaml:"log_level"`
		MaxConcurrentConnections *int           `yaml:"max_concurrent_connections"`
		ConnectionTimeout        string         `yaml:"connection_timeout"`
		PollInterval             string         `yaml:"poll_interval"`
		InfoScanInterval         string         `yaml:"info_scan_interval"`
		ScanTimeout              string         `yaml:"scan_timeout"`
		OptimisticWrites         *bool          `yaml:"optimistic_writes"`
		Devices                  []DeviceConfig `yaml:"devices"`
	}

	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	if r.LogLevel != "" {
		c.LogLevel = r.LogLevel
	}
	if r.MaxConcurrentConnections != nil {
		c.MaxConcurrentConnections = *r.MaxConcurrentConnections
	}
	if r.OptimisticWrites != nil {
		c.OptimisticWrites = r.OptimisticWrites
	}
	if r.Devices != nil {
		c.Devices = r.Devices
	}

	for _, d := range []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"connection_timeout", r.ConnectionTimeout, &c.ConnectionTimeout},
		{"poll_interval", r.PollInterval, &c.PollInterval},
		{"info_scan_interval", r.InfoScanInterval, &c.InfoScanInterval},
		{"scan_timeout", r.ScanTimeout, &c.ScanTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.field, d.value, err)
		}
		*d.dst = parsed
	}
	return nil
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads and validates a YAML configuration file. Fields absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.MaxConcurrentConnections < 1 {
		return fmt.Errorf("max_concurrent_connections must be at least 1")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.InfoScanInterval <= 0 {
		return fmt.Errorf("info_scan_interval must be positive")
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for _, dev := range c.Devices {
		identity, err := dev.Identity()
		if err != nil {
			return err
		}
		if _, dup := seen[identity.Address]; dup {
			return fmt.Errorf("duplicate device address %s", identity.Address)
		}
		seen[identity.Address] = struct{}{}
	}
	return nil
}

// DeviceOptions derives the per-device settings from the application
// configuration.
func (c *Config) DeviceOptions() basestation.Config {
	cfg := basestation.DefaultConfig()
	cfg.ConnectionTimeout = c.ConnectionTimeout
	if c.OptimisticWrites != nil {
		cfg.OptimisticWrites = *c.OptimisticWrites
	}
	return cfg
}

// GovernorOptions derives the retry and cooldown settings.
func (c *Config) GovernorOptions() governor.Config {
	return governor.DefaultConfig()
}

// CoordinatorOptions derives the polling cadence.
func (c *Config) CoordinatorOptions() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.PollInterval = c.PollInterval
	cfg.InfoInterval = c.InfoScanInterval
	return cfg
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
