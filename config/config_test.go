package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "127.0.0.1:9000"
DataDir = "./data"
GenesisFile = "genesis.json"

[global.pauses]
Token = true

[global.quota]
MaxCallsPerEpoch = 20
MaxCreatesPerEpoch = 5
EpochSeconds = 3600

[rpc]
RequestsPerMinute = 120
Burst = 10
StreamBuffer = 32
AdminTokenEnv = "TEST_ADMIN"

[logging]
Level = "debug"
Env = "test"
File = "/var/log/escrowd.log"
MaxSizeMB = 10

[observability]
Endpoint = "otel:4318"
Insecure = true
Headers = "x-team=escrow"
Traces = true
SampleRatio = 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9000" || cfg.DataDir != "./data" || cfg.GenesisFile != "genesis.json" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if !cfg.Global.Pauses.Token || cfg.Global.Pauses.Proposal {
		t.Fatalf("unexpected pauses: %+v", cfg.Global.Pauses)
	}
	if got := cfg.PausedModules(); len(got) != 1 || got[0] != "token" {
		t.Fatalf("unexpected paused modules: %v", got)
	}
	want := Quota{MaxCallsPerEpoch: 20, MaxCreatesPerEpoch: 5, EpochSeconds: 3600}
	if cfg.Global.Quota != want {
		t.Fatalf("unexpected quota: %+v", cfg.Global.Quota)
	}
	if cfg.RPC.RequestsPerMinute != 120 || cfg.RPC.Burst != 10 || cfg.RPC.StreamBuffer != 32 {
		t.Fatalf("unexpected rpc config: %+v", cfg.RPC)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.MaxSizeMB != 10 {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
	if !cfg.Observability.Traces || cfg.Observability.Metrics || cfg.Observability.SampleRatio != 0.5 {
		t.Fatalf("unexpected observability config: %+v", cfg.Observability)
	}

	t.Setenv("TEST_ADMIN", " s3cret ")
	if cfg.AdminToken() != "s3cret" {
		t.Fatalf("unexpected admin token %q", cfg.AdminToken())
	}
}

func TestLoadSetsDefaults(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ""
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.Global != defaultGlobalConfig() {
		t.Fatalf("unexpected global defaults: %+v", cfg.Global)
	}
	if cfg.RPC.AdminTokenEnv != DefaultAdminTokenEnv || cfg.RPC.StreamBuffer != DefaultStreamBuffer {
		t.Fatalf("unexpected rpc defaults: %+v", cfg.RPC)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DataDir != DefaultDataDir {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if again.ListenAddress != cfg.ListenAddress || again.RPC != cfg.RPC {
		t.Fatalf("reloaded config differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":8545"
ValidatorKeystorePath = "./validator.keystore"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ValidatorKeystorePath") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"short epoch", func(c *Config) { c.Global.Quota = Quota{MaxCallsPerEpoch: 5, EpochSeconds: 10} }, "epoch_seconds"},
		{"creates above calls", func(c *Config) {
			c.Global.Quota = Quota{MaxCallsPerEpoch: 2, MaxCreatesPerEpoch: 3, EpochSeconds: 3600}
		}, "max_creates_per_epoch"},
		{"unlimited quota", func(c *Config) { c.Global.Quota = Quota{} }, ""},
		{"negative rate", func(c *Config) { c.RPC.RequestsPerMinute = -1 }, "requests_per_minute"},
		{"zero burst", func(c *Config) { c.RPC.Burst = 0 }, "burst"},
		{"sample ratio", func(c *Config) { c.Observability.SampleRatio = 2 }, "sample_ratio"},
		{"rotation", func(c *Config) { c.Logging.MaxBackups = -1 }, "rotation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tc.errMsg, err)
			}
		})
	}
}
