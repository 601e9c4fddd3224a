// Package config loads the daemon configuration and the on-disk pipeline
// definitions, and keeps the definitions directory reconciled with the
// registry while the daemon runs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from YAML
type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
	LogFile        string `yaml:"log_file"`
	AuthToken      string `yaml:"auth_token"`
	DefinitionsDir string `yaml:"definitions_dir"`

	Store   StoreConfig   `yaml:"store"`
	Limits  LimitsConfig  `yaml:"limits"`
	Tracing TracingConfig `yaml:"tracing"`
	TLS     TLSConfig     `yaml:"tls"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Type string `yaml:"type"` // "memory", "sqlite" or "postgres"
	Path string `yaml:"path"` // SQLite database file
	DSN  string `yaml:"dsn"`  // PostgreSQL connection string
}

// LimitsConfig configures per-client API rate limiting
type LimitsConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TracingConfig configures OTLP trace export
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // host:port of the OTLP HTTP collector
	Environment string `yaml:"environment"`
}

// TLSConfig configures optional TLS for the API listener
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns the configuration the daemon runs with when no config
// file is given: in-memory store, no auth, no tracing.
func Default() *Config {
	return &Config{
		ListenAddr: ":8090",
		LogLevel:   "info",
		Store:      StoreConfig{Type: "memory"},
		Limits:     LimitsConfig{RequestsPerSecond: 10, Burst: 20},
		Tracing:    TracingConfig{Endpoint: "localhost:4318"},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.ListenAddr == "" {
		config.ListenAddr = ":8090"
	}
	if config.Limits.RequestsPerSecond <= 0 {
		config.Limits.RequestsPerSecond = 10
	}
	if config.Limits.Burst <= 0 {
		config.Limits.Burst = 20
	}

	switch config.Store.Type {
	case "", "memory", "sqlite", "postgres", "postgresql":
	default:
		return nil, fmt.Errorf("unknown store type %q", config.Store.Type)
	}
	if config.TLS.CertFile != "" && config.TLS.KeyFile == "" {
		return nil, fmt.Errorf("tls.cert_file set without tls.key_file")
	}
	if config.TLS.KeyFile != "" && config.TLS.CertFile == "" {
		return nil, fmt.Errorf("tls.key_file set without tls.cert_file")
	}

	return config, nil
}
