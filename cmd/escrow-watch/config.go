package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskescrow/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for escrow-watch.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"database"`
	Node          NodeConfig    `yaml:"node"`
	Identity      string        `yaml:"identity"`
	Logging       LoggingConfig `yaml:"logging"`
}

// NodeConfig points the watcher at an escrowd instance.
type NodeConfig struct {
	URL          string   `yaml:"url"`
	StreamURL    string   `yaml:"stream_url"`
	Timeout      Duration `yaml:"timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size"`
}

// LoggingConfig selects the log level and environment label.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Env   string `yaml:"env"`
}

func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "escrow-watch.sqlite"
	}
	if cfg.Node.Timeout.Duration == 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if cfg.Node.PollInterval.Duration == 0 {
		cfg.Node.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Node.BatchSize <= 0 {
		cfg.Node.BatchSize = 100
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node.url must be configured")
	}
	if cfg.Node.BatchSize > 1000 {
		return fmt.Errorf("node.batch_size must not exceed 1000")
	}
	if cfg.Identity != "" {
		if _, err := crypto.ParseAddress(cfg.Identity); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	}
	return nil
}

// IdentityAddress returns the configured identity, or the zero address.
func (c Config) IdentityAddress() [20]byte {
	if c.Identity == "" {
		return [20]byte{}
	}
	addr, _ := crypto.ParseAddress(c.Identity)
	return addr
}
