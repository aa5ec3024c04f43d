// Package config loads the gateway's configuration: defaults, then a YAML
// file under the data directory, then environment variable overrides —
// mirroring cmd/devopsclaw's loadConfig/newLogger composition in the
// teacher repo.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration.
type Config struct {
	DataDir      string `yaml:"data_dir" env:"GATEWAYD_DATA_DIR"`
	RelayURL     string `yaml:"relay_url" env:"GATEWAYD_RELAY_URL"`
	TunnelName   string `yaml:"tunnel_name" env:"GATEWAYD_TUNNEL_NAME"`
	RandomName   bool   `yaml:"random_name" env:"GATEWAYD_RANDOM_NAME"`
	JSON         bool   `yaml:"json_logs" env:"GATEWAYD_JSON_LOGS"`
	Debug        bool   `yaml:"debug" env:"GATEWAYD_DEBUG"`
	CacheMaxSize int    `yaml:"cache_max_size" env:"GATEWAYD_CACHE_MAX_SIZE"`
}

// Default returns the baseline configuration before any file/env layering.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:      filepath.Join(home, ".gatewayd"),
		CacheMaxSize: 5,
	}
}

// Load applies, in order: defaults, an optional YAML file at
// <dataDir>/tunnel-config.yaml, then environment variables — each layer
// overriding only the fields it sets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "tunnel-config.yaml")
	}
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing env config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the root structured logger on stderr: JSON when cfg.JSON
// is set, text otherwise — mirrors cmd/devopsclaw/cobra_cli.go:newLogger.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
