// Package config provides the configuration schema, loader, and file watcher
// for the sitevox daemon.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandworks/sitevox/internal/tools"
)

// LogLevel controls log verbosity for the sitevox daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for sitevox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	Server      ServerConfig            `yaml:"server"`
	Panel       PanelConfig             `yaml:"panel"`
	Copilot     CopilotConfig           `yaml:"copilot"`
	Credentials CredentialsConfig       `yaml:"credentials"`
	Transcript  TranscriptConfig        `yaml:"transcript"`
	Recap       RecapConfig             `yaml:"recap"`
	MCPServers  []tools.MCPServerConfig `yaml:"mcp_servers"`
	Metrics     MetricsConfig           `yaml:"metrics"`
}

// ServerConfig holds network settings for the daemon's HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8099").
	ListenAddr string `yaml:"listen_addr"`
}

// PanelConfig configures the tablet panel connection.
type PanelConfig struct {
	// Codec is the uplink audio codec panels must use: "pcm" or "opus".
	Codec string `yaml:"codec"`
}

// CopilotConfig tunes the voice session.
type CopilotConfig struct {
	// Model is the realtime speech model resource name.
	Model string `yaml:"model"`

	// Voice is an optional prebuilt voice name. Empty uses the model default.
	Voice string `yaml:"voice"`

	// SeedContext is the first-turn context sent right after connect, telling
	// the model what job and project it is assisting with.
	SeedContext string `yaml:"seed_context"`

	// ChunkSamples is the number of 16 kHz samples per uplink audio chunk.
	ChunkSamples int `yaml:"chunk_samples"`

	// SendBuffer is the capacity of the outbound audio queue. When the
	// socket cannot keep up the oldest chunk is dropped.
	SendBuffer int `yaml:"send_buffer"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout Duration `yaml:"tool_timeout"`
}

// CredentialsConfig locates the service that mints short-lived API tokens.
type CredentialsConfig struct {
	// Endpoint is the token endpoint URL (e.g.,
	// "http://127.0.0.1:8787/v1/session-token").
	Endpoint string `yaml:"endpoint"`
}

// TranscriptConfig configures the session job log store.
type TranscriptConfig struct {
	// DSN is the PostgreSQL connection string. Empty keeps the job log in
	// memory, which is fine for bench testing but loses history on restart.
	DSN string `yaml:"dsn"`
}

// RecapConfig configures the post-session work summary.
type RecapConfig struct {
	// Enabled turns recap generation on.
	Enabled bool `yaml:"enabled"`

	// Provider selects the LLM provider (e.g., "gemini", "openai").
	Provider string `yaml:"provider"`

	// Model is the provider-specific model name.
	Model string `yaml:"model"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the baseline configuration. Load decodes on top of it, so
// omitted fields keep these values.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Server:   ServerConfig{ListenAddr: ":8099"},
		Panel:    PanelConfig{Codec: "pcm"},
		Copilot: CopilotConfig{
			Model:        "models/gemini-2.0-flash-live-001",
			ChunkSamples: 4096,
			SendBuffer:   32,
			ToolTimeout:  Duration(30 * time.Second),
		},
		Credentials: CredentialsConfig{Endpoint: "http://127.0.0.1:8787/v1/session-token"},
		Metrics:     MetricsConfig{Enabled: true},
	}
}
