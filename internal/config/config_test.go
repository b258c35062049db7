package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfig_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	doc := `
addr: ":6000"
workspace: /tmp/cfgrun-test
password: hunter2
worker_command: ["python3", "worker.py"]
processor_count: 4
autoprocessing: true
cancel_grace: 30s
log_level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":6000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.ProcessorCount != 4 || !cfg.Autoprocessing {
		t.Errorf("processors = %d, auto = %v", cfg.ProcessorCount, cfg.Autoprocessing)
	}
	if len(cfg.WorkerCommand) != 2 || cfg.WorkerCommand[0] != "python3" {
		t.Errorf("worker_command = %v", cfg.WorkerCommand)
	}
	if cfg.CancelGrace.Std() != 30*time.Second {
		t.Errorf("cancel_grace = %v", cfg.CancelGrace)
	}
	// Fields the file omits keep their defaults.
	if cfg.LogFormat != "text" {
		t.Errorf("log_format = %q, want default text", cfg.LogFormat)
	}
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("loading a missing file succeeded")
	}
}

func TestLoadServerConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("addr: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatal("loading malformed yaml succeeded")
	}
}

func TestResolveWorkspace_CreatesDirectory(t *testing.T) {
	want := filepath.Join(t.TempDir(), "nested", "workspace")

	got, err := ResolveWorkspace(want)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	info, err := os.Stat(got)
	if err != nil || !info.IsDir() {
		t.Errorf("workspace not a directory: %v", err)
	}
}

func TestDefaultClientConfig_HasName(t *testing.T) {
	cfg := DefaultClientConfig()
	if cfg.Name == "" {
		t.Error("default client name is empty")
	}
	if cfg.Addr == "" {
		t.Error("default client addr is empty")
	}
}
