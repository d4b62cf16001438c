package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Driver.Name != DriverStub {
		t.Errorf("expected stub driver by default, got %s", cfg.Driver.Name)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, DefaultConfigFile))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	wantDataDir := filepath.Join(dir, ".rangekeeper")
	if cfg.DataDir != wantDataDir {
		t.Errorf("expected data dir %s, got %s", wantDataDir, cfg.DataDir)
	}
	if cfg.Database.Path != filepath.Join(wantDataDir, "rangekeeper.db") {
		t.Errorf("expected database under data dir, got %s", cfg.Database.Path)
	}
	if cfg.Policy.Dir != filepath.Join(wantDataDir, "policies") {
		t.Errorf("expected policy dir under data dir, got %s", cfg.Policy.Dir)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	content := `
data_dir: /var/lib/rangekeeper
database:
  path: ":memory:"
orchestrator:
  max_parallel: 4
  verify_timeout: 90s
health:
  mode: manual
  cooldown: 1m
driver:
  name: ssh
  ssh:
    user: ops
    port: 2222
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/rangekeeper" {
		t.Errorf("expected absolute data dir kept, got %s", cfg.DataDir)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("expected in-memory database untouched, got %s", cfg.Database.Path)
	}
	if cfg.Orchestrator.MaxParallel != 4 || cfg.Orchestrator.VerifyTimeout != 90*time.Second {
		t.Errorf("unexpected orchestrator options: %+v", cfg.Orchestrator)
	}
	// fields absent from the file keep their defaults
	if cfg.Orchestrator.DeployTimeout != engine.DefaultOrchestratorOptions().DeployTimeout {
		t.Errorf("expected default deploy timeout, got %v", cfg.Orchestrator.DeployTimeout)
	}
	if cfg.Health.Mode != engine.RecoveryManual || cfg.Health.Cooldown != time.Minute {
		t.Errorf("unexpected health options: %+v", cfg.Health)
	}
	if cfg.Driver.Name != DriverSSH || cfg.Driver.SSH.User != "ops" || cfg.Driver.SSH.Port != 2222 {
		t.Errorf("unexpected driver config: %+v", cfg.Driver)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad yaml", content: "data_dir: [", want: "failed to parse"},
		{name: "unknown driver", content: "driver:\n  name: docker\n", want: "oneof"},
		{name: "bad recovery mode", content: "health:\n  mode: sometimes\n", want: "invalid recovery mode"},
		{name: "zero probe interval", content: "health:\n  interval: 0s\n", want: "interval"},
		{name: "negative retries", content: "orchestrator:\n  max_retries: -1\n", want: "max_retries"},
		{name: "bad log level", content: "telemetry:\n  logging:\n    level: loud\n", want: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultConfigFile)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", DefaultConfigFile)

	cfg := Default()
	cfg.Orchestrator.MaxRetries = 7
	cfg.Health.Cooldown = 45 * time.Second
	if err := Write(path, cfg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "cooldown: 45s") {
		t.Errorf("expected durations written in Go notation, got:\n%s", content)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Orchestrator.MaxRetries != 7 || loaded.Health.Cooldown != 45*time.Second {
		t.Errorf("values did not survive: %+v %+v", loaded.Orchestrator, loaded.Health)
	}
}
