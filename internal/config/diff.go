package config

import (
	"maps"

	"github.com/strandworks/sitevox/internal/tools"
)

// ConfigDiff describes what changed between two configs and how the change
// can be applied.
type ConfigDiff struct {
	// LogLevelChanged: the logger level can be swapped live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CopilotChanged: session tuning (model, voice, seed context, buffers,
	// tool timeout). Applies to the next session; a running one keeps the
	// values it started with.
	CopilotChanged bool

	// RecapChanged: recap provider/model. Applies to the next session.
	RecapChanged bool

	// RestartRequired: listener address, panel codec, credential endpoint,
	// job log store, metrics or MCP servers changed. These are wired at
	// startup and cannot be swapped live.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CopilotChanged || d.RecapChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Copilot != new.Copilot {
		d.CopilotChanged = true
	}
	if old.Recap != new.Recap {
		d.RecapChanged = true
	}

	if old.Server != new.Server ||
		old.Panel != new.Panel ||
		old.Credentials != new.Credentials ||
		old.Transcript != new.Transcript ||
		old.Metrics != new.Metrics ||
		!mcpServersEqual(old.MCPServers, new.MCPServers) {
		d.RestartRequired = true
	}

	return d
}

// mcpServersEqual compares two server lists element-wise, order included.
func mcpServersEqual(a, b []tools.MCPServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Transport != b[i].Transport ||
			a[i].Command != b[i].Command ||
			a[i].URL != b[i].URL ||
			!maps.Equal(a[i].Env, b[i].Env) {
			return false
		}
	}
	return true
}
