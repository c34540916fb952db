package config_test

import (
	"testing"
	"time"

	"github.com/strandworks/sitevox/internal/config"
	"github.com/strandworks/sitevox/internal/tools"
)

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be set")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change must not require a restart")
	}
}

func TestDiff_CopilotAppliesNextSession(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Copilot.Voice = "Puck"
	new.Copilot.ToolTimeout = config.Duration(10 * time.Second)

	d := config.Diff(old, new)
	if !d.CopilotChanged {
		t.Fatal("CopilotChanged should be set")
	}
	if d.RestartRequired {
		t.Error("copilot tuning must not require a restart")
	}
}

func TestDiff_RecapChange(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Recap = config.RecapConfig{Enabled: true, Provider: "gemini", Model: "gemini-2.0-flash"}

	d := config.Diff(old, new)
	if !d.RecapChanged {
		t.Fatal("RecapChanged should be set")
	}
	if d.RestartRequired {
		t.Error("recap change must not require a restart")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }},
		{"panel codec", func(c *config.Config) { c.Panel.Codec = "opus" }},
		{"credential endpoint", func(c *config.Config) { c.Credentials.Endpoint = "http://other:8787/v1/session-token" }},
		{"transcript dsn", func(c *config.Config) { c.Transcript.DSN = "postgres://localhost/sitevox" }},
		{"metrics", func(c *config.Config) { c.Metrics.Enabled = false }},
		{"mcp server added", func(c *config.Config) {
			c.MCPServers = append(c.MCPServers, tools.MCPServerConfig{Name: "inventory", Command: "sitetools-mcp"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !d.RestartRequired {
				t.Errorf("%s change should require a restart, got %+v", tc.name, d)
			}
		})
	}
}

func TestDiff_MCPServerEnvChange(t *testing.T) {
	t.Parallel()
	old := config.Default()
	old.MCPServers = []tools.MCPServerConfig{{Name: "inventory", Command: "sitetools-mcp", Env: map[string]string{"REGION": "us"}}}
	new := config.Default()
	new.MCPServers = []tools.MCPServerConfig{{Name: "inventory", Command: "sitetools-mcp", Env: map[string]string{"REGION": "eu"}}}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("env change in an MCP server should require a restart")
	}
}
