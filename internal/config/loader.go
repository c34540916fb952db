package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/strandworks/sitevox/internal/tools"
)

// ValidRecapProviders lists LLM provider names the recap layer knows how to
// reach. Used by [Validate] to warn about unrecognised names.
var ValidRecapProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}

	if cfg.Panel.Codec != "pcm" && cfg.Panel.Codec != "opus" {
		errs = append(errs, fmt.Errorf("panel.codec %q is invalid; valid values: pcm, opus", cfg.Panel.Codec))
	}

	if cfg.Copilot.Model == "" {
		errs = append(errs, errors.New("copilot.model is required"))
	}
	if cfg.Copilot.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("copilot.chunk_samples %d must be positive", cfg.Copilot.ChunkSamples))
	}
	if cfg.Copilot.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("copilot.send_buffer %d must be positive", cfg.Copilot.SendBuffer))
	}
	if cfg.Copilot.ToolTimeout <= 0 {
		errs = append(errs, errors.New("copilot.tool_timeout must be positive"))
	}

	if cfg.Credentials.Endpoint == "" {
		errs = append(errs, errors.New("credentials.endpoint is required"))
	} else if u, err := url.Parse(cfg.Credentials.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("credentials.endpoint: %w", err))
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("credentials.endpoint %q must be an http(s) URL", cfg.Credentials.Endpoint))
	}

	if cfg.Recap.Enabled {
		if cfg.Recap.Provider == "" {
			errs = append(errs, errors.New("recap.provider is required when recap is enabled"))
		} else if !slices.Contains(ValidRecapProviders, cfg.Recap.Provider) {
			slog.Warn("unknown recap provider name — may be a typo or third-party provider",
				"name", cfg.Recap.Provider,
				"known", ValidRecapProviders,
			)
		}
		if cfg.Recap.Model == "" {
			errs = append(errs, errors.New("recap.model is required when recap is enabled"))
		}
	}

	if cfg.Transcript.DSN == "" {
		slog.Warn("transcript.dsn is empty; session job logs will not survive a restart")
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCPServers))
	for i, srv := range cfg.MCPServers {
		prefix := fmt.Sprintf("mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp_servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		transport := srv.Transport
		if transport == "" {
			transport = tools.MCPTransportStdio
		}
		switch transport {
		case tools.MCPTransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case tools.MCPTransportHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, http", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}
