// Package config loads the optional YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed configuration. Everything here has a sensible
// default; runtime-tunable knobs live in the settings table instead.
type Config struct {
	// Shell overrides $SHELL for new terminal sessions.
	Shell string `yaml:"shell"`
	// DefaultBranch is the branch the scheduler tracks. Default "main".
	DefaultBranch string `yaml:"default_branch"`
	// SocketPath overrides where the IPC socket is created.
	SocketPath string `yaml:"socket_path"`
	// OTLPEndpoint enables trace export when set (also honors
	// OTEL_EXPORTER_OTLP_ENDPOINT).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads path, or returns defaults when the file does not exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyDefaults(cfg, filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg, filepath.Dir(path))
	return cfg, nil
}

// DefaultPath is the config location inside a repo's data directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

func applyDefaults(cfg *Config, dataDir string) {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(dataDir, "phantom.sock")
	}
}
