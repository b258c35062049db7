package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the control-protocol listen port.
const DefaultPort = 5454

// Duration is a time.Duration that YAML decodes from strings like "30s".
// yaml.v3 has no native duration support.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig holds configuration for the configurun server.
type ServerConfig struct {
	// Workspace is the directory holding the queue database, output logs
	// and the workspace lock. Default ~/.configurun.
	Workspace string `yaml:"workspace"`

	// Addr is the control-protocol listen address (default ":5454").
	Addr string `yaml:"addr"`

	// HTTPAddr is the read-only status API listen address. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`

	// Password is the shared secret clients authenticate with.
	Password string `yaml:"password"`

	// WorkerCommand is the argv of the job entry point. The encoded
	// configuration document is written to the child's stdin.
	WorkerCommand []string `yaml:"worker_command"`

	ProcessorCount int  `yaml:"processor_count"`
	Autoprocessing bool `yaml:"autoprocessing"`

	// CancelGrace is how long a cancelled worker gets between SIGTERM and
	// SIGKILL.
	CancelGrace Duration `yaml:"cancel_grace"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           fmt.Sprintf(":%d", DefaultPort),
		ProcessorCount: 1,
		CancelGrace:    Duration(10 * time.Second),
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// ClientConfig holds configuration for a control client.
type ClientConfig struct {
	Addr     string `yaml:"addr"` // host:port of the server
	Password string `yaml:"password"`

	// Name identifies this client in server logs and control handovers.
	Name string `yaml:"name"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "client"
	}
	return ClientConfig{
		Addr:      fmt.Sprintf("localhost:%d", DefaultPort),
		Name:      name,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadServerConfig reads a YAML config file over the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveWorkspace expands the workspace path, falling back to ~/.configurun,
// and creates the directory if needed.
func ResolveWorkspace(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determine home directory: %w", err)
		}
		path = filepath.Join(home, ".configurun")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", path, err)
	}
	return path, nil
}
