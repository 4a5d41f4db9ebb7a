// Package config loads the daemon and gateway configuration from a YAML
// file with environment overrides for secrets and paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface.
type Config struct {
	MaxTurns         int `yaml:"max_turns"`
	ToolTimeoutMs    int `yaml:"tool_timeout_ms"`
	ShellTimeoutMs   int `yaml:"shell_timeout_ms"`
	ParkTTLMs        int `yaml:"park_ttl_ms"`
	IdleSessionTTLMs int `yaml:"idle_session_ttl_ms"`

	MaxSessions int `yaml:"max_sessions"`
	EventBuffer int `yaml:"event_buffer"`
	ClientBuffer int `yaml:"client_buffer"`

	Gateway GatewayConfig `yaml:"gateway"`
	Daemon  DaemonConfig  `yaml:"daemon"`

	// Target is the default model selector, "model@backend".
	Target string `yaml:"target"`

	// TranscriptDir holds per-session transcript files.
	TranscriptDir string `yaml:"transcript_dir"`
}

// GatewayConfig configures the client-facing edge.
type GatewayConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
	// Token is the shared bearer token. Overridden by TETHER_TOKEN.
	Token string `yaml:"token"`
}

// DaemonConfig configures the internal endpoint.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		MaxTurns:         12,
		ToolTimeoutMs:    120_000,
		ShellTimeoutMs:   600_000,
		ParkTTLMs:        900_000,
		IdleSessionTTLMs: 1_800_000,
		MaxSessions:      64,
		EventBuffer:      1024,
		ClientBuffer:     256,
		Gateway: GatewayConfig{
			Port: 18789,
			Bind: "127.0.0.1",
		},
		Daemon: DaemonConfig{
			SocketPath: defaultSocketPath(),
		},
		TranscriptDir: defaultTranscriptDir(),
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config parse: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv("TETHER_TOKEN"); token != "" {
		c.Gateway.Token = token
	}
	if socket := os.Getenv("TETHER_SOCKET"); socket != "" {
		c.Daemon.SocketPath = socket
	}
	if target := os.Getenv("TETHER_TARGET"); target != "" {
		c.Target = target
	}
}

func (c *Config) validate() error {
	if c.MaxTurns <= 0 {
		return fmt.Errorf("config: max_turns must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("config: gateway.port out of range")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("config: max_sessions must be positive")
	}
	return nil
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tether", "daemon.sock")
	}
	return filepath.Join(os.TempDir(), "tether-daemon.sock")
}

func defaultTranscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tether-transcripts")
	}
	return filepath.Join(home, ".tether", "transcripts")
}
