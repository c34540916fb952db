package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/strandworks/sitevox/pkg/live"
)

// Supported MCP transports.
const (
	MCPTransportStdio = "stdio"
	MCPTransportHTTP  = "http"
)

// MCPServerConfig describes one external MCP server whose tools should be
// exposed to the voice model.
type MCPServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique within
	// a bridge.
	Name string `yaml:"name"`

	// Transport is "stdio" (spawn a subprocess) or "http" (streamable HTTP).
	// Empty defaults to stdio.
	Transport string `yaml:"transport"`

	// Command is the executable plus arguments for stdio transport, split
	// on whitespace.
	Command string `yaml:"command"`

	// URL is the endpoint for http transport.
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`
}

// MCPBridge imports tools from external MCP servers into a [Registry].
// Imported tools execute over the server session; their results flow back
// to the voice model like any locally registered tool.
type MCPBridge struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	imported map[string][]string // server name -> tool names registered from it
}

// NewMCPBridge returns a bridge ready to import servers.
func NewMCPBridge(log *slog.Logger) *MCPBridge {
	if log == nil {
		log = slog.Default()
	}
	return &MCPBridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "sitevox", Version: "1.0.0"},
			nil,
		),
		log:      log,
		sessions: make(map[string]*mcpsdk.ClientSession),
		imported: make(map[string][]string),
	}
}

// Import connects to the server described by cfg, lists its tools, and
// registers each one in reg. Reimporting a server name replaces its earlier
// session and registrations. Returns the number of tools imported.
func (b *MCPBridge) Import(ctx context.Context, reg *Registry, cfg MCPServerConfig) (int, error) {
	if cfg.Name == "" {
		return 0, fmt.Errorf("tools: mcp server config needs a name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case MCPTransportStdio, "":
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return 0, fmt.Errorf("tools: mcp server %q: stdio transport needs a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case MCPTransportHTTP:
		if cfg.URL == "" {
			return 0, fmt.Errorf("tools: mcp server %q: http transport needs a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return 0, fmt.Errorf("tools: mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("tools: connect to mcp server %q: %w", cfg.Name, err)
	}

	var decls []live.ToolDeclaration
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return 0, fmt.Errorf("tools: list tools of mcp server %q: %w", cfg.Name, err)
		}
		decls = append(decls, live.ToolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
		for _, name := range b.imported[cfg.Name] {
			reg.Unregister(name)
		}
	}
	b.sessions[cfg.Name] = session

	names := make([]string, 0, len(decls))
	for _, decl := range decls {
		reg.Register(decl, b.handler(cfg.Name, decl.Name))
		names = append(names, decl.Name)
	}
	b.imported[cfg.Name] = names
	b.mu.Unlock()

	b.log.Info("imported mcp tools", "server", cfg.Name, "count", len(names))
	return len(names), nil
}

// handler builds the Handler that proxies one imported tool to its server.
func (b *MCPBridge) handler(serverName, toolName string) Handler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		b.mu.Lock()
		session, ok := b.sessions[serverName]
		b.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("mcp server %q is no longer connected", serverName)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, errors.New(sb.String())
		}
		return map[string]any{
			"success": true,
			"content": sb.String(),
		}, nil
	}
}

// Close shuts down all server sessions. The bridge must not be used after.
func (b *MCPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// schemaToMap normalises a tool input schema to a plain map for the setup
// frame. Unknown shapes degrade to an open object schema rather than failing
// the import.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
