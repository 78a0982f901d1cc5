package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultListenAddress     = ":8545"
	DefaultDataDir           = "./escrow-data"
	DefaultRequestsPerMinute = 600
	DefaultBurst             = 60
	DefaultStreamBuffer      = 256
	DefaultAdminTokenEnv     = "ESCROW_ADMIN_TOKEN"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	// DataDir holds the LevelDB state. An empty value keeps state in memory.
	DataDir string `toml:"DataDir"`
	// GenesisFile points at the JSON genesis document applied on first start.
	GenesisFile string `toml:"GenesisFile"`

	Global        Global        `toml:"global"`
	RPC           RPC           `toml:"rpc"`
	Logging       Logging       `toml:"logging"`
	Observability Observability `toml:"observability"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddress,
		DataDir:       DefaultDataDir,
		Global:        defaultGlobalConfig(),
		RPC: RPC{
			RequestsPerMinute: DefaultRequestsPerMinute,
			Burst:             DefaultBurst,
			StreamBuffer:      DefaultStreamBuffer,
			AdminTokenEnv:     DefaultAdminTokenEnv,
		},
		Logging: Logging{Level: "info"},
	}
}

func defaultGlobalConfig() Global {
	return Global{
		Quota: Quota{EpochSeconds: 3600},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.RPC.StreamBuffer <= 0 {
		cfg.RPC.StreamBuffer = DefaultStreamBuffer
	}
	if strings.TrimSpace(cfg.RPC.AdminTokenEnv) == "" {
		cfg.RPC.AdminTokenEnv = DefaultAdminTokenEnv
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// AdminToken resolves the admin bearer token from the environment.
func (c *Config) AdminToken() string {
	return strings.TrimSpace(os.Getenv(c.RPC.AdminTokenEnv))
}

// PausedModules lists the module names configured as paused.
func (c *Config) PausedModules() []string {
	var out []string
	if c.Global.Pauses.Proposal {
		out = append(out, "proposal")
	}
	if c.Global.Pauses.Token {
		out = append(out, "token")
	}
	return out
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
