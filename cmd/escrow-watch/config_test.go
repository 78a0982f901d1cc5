package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskescrow/crypto"
)

func writeYAML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watch.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	identity := crypto.FormatAddress([20]byte{0x01})
	path := writeYAML(t, `listen: ":9090"
database: "/tmp/watch.sqlite"
identity: "`+identity+`"
node:
  url: "http://127.0.0.1:8545"
  stream_url: "ws://127.0.0.1:8545/v1/events/ws"
  poll_interval: "2s"
  batch_size: 50
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9090" || cfg.DatabasePath != "/tmp/watch.sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Node.PollInterval.Duration != 2*time.Second || cfg.Node.BatchSize != 50 {
		t.Fatalf("unexpected node config: %+v", cfg.Node)
	}
	if cfg.Node.Timeout.Duration != 10*time.Second {
		t.Fatalf("expected default timeout, got %s", cfg.Node.Timeout.Duration)
	}
	if cfg.IdentityAddress() != ([20]byte{0x01}) {
		t.Fatalf("unexpected identity %x", cfg.IdentityAddress())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		errMsg   string
	}{
		{"missing node", "listen: \":1\"\n", "node.url"},
		{"bad duration", "node:\n  url: http://x\n  poll_interval: soon\n", "parse duration"},
		{"unknown field", "node:\n  url: http://x\nextra: 1\n", "extra"},
		{"bad identity", "node:\n  url: http://x\nidentity: nope\n", "identity"},
		{"batch too large", "node:\n  url: http://x\n  batch_size: 5000\n", "batch_size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeYAML(t, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tc.errMsg, err)
			}
		})
	}
}
