// Package config loads the gateway configuration from a YAML file, filling
// in defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// File is the config file name inside the data directory.
	File = "config.yaml"
	// DBFile is the sqlite database name inside the data directory.
	DBFile = "deckhand.db"
)

type Config struct {
	ListenAddr string  `yaml:"listen_addr"`
	DataDir    string  `yaml:"data_dir"`
	Machine    Machine `yaml:"machine"`
	Sandbox    Sandbox `yaml:"sandbox"`
}

type Machine struct {
	// Name of the podman machine hosting all sandboxes.
	Name string `yaml:"name"`
	// BaseImage every tool server container is created from.
	BaseImage string `yaml:"base_image"`
}

type Sandbox struct {
	// LogDir holds per-container log files. Defaults to <data_dir>/logs.
	LogDir string `yaml:"log_dir"`
	// HealthTimeoutSeconds bounds the health wait after a container start.
	HealthTimeoutSeconds int `yaml:"health_timeout_seconds"`
	// RequestTimeoutSeconds bounds one proxied JSON-RPC request.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		ListenAddr: "127.0.0.1:8749",
		DataDir:    dataDir,
		Machine: Machine{
			Name:      "deckhand",
			BaseImage: "ghcr.io/deckhand-ai/tool-server-base:latest",
		},
		Sandbox: Sandbox{
			LogDir:                filepath.Join(dataDir, "logs"),
			HealthTimeoutSeconds:  60,
			RequestTimeoutSeconds: 30,
		},
	}
}

// Load reads <dataDir>/config.yaml, overlaying it onto the defaults. A
// missing file is not an error: the defaults are used as-is.
// DECKHAND_LISTEN_ADDR overrides the listen address from either source.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	path := filepath.Join(dataDir, File)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.Sandbox.LogDir == "" {
		cfg.Sandbox.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if addr := os.Getenv("DECKHAND_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	return cfg, nil
}

// DBPath returns the sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFile)
}

// HealthTimeout returns the health wait bound as a duration.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Sandbox.HealthTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request bound as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sandbox.RequestTimeoutSeconds) * time.Second
}
