package toolbelt

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// Transport selects how to reach an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server within the belt. Must be unique; used in
	// logs, errors and tool metadata.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path plus optional arguments, split on
	// whitespace, used when Transport is "stdio".
	Command string

	// URL is the endpoint address used when Transport is "streamable-http".
	URL string

	// Env holds additional environment variables for the stdio subprocess.
	Env map[string]string
}

// serverConn holds a live connection to an external MCP server.
type serverConn struct {
	session *mcpsdk.ClientSession
}

func newMCPClient() *mcpsdk.Client {
	return mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "voicebot-toolbelt", Version: "1.0.0"},
		nil,
	)
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. Registering a name again replaces the old connection and
// the tools it contributed. The subprocess of a stdio server is bound to ctx;
// pass a context that lives as long as the belt should.
func (b *Belt) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolbelt: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolbelt: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolbelt: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolbelt: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	b.mu.Lock()
	if b.client == nil {
		b.client = newMCPClient()
	}
	client := b.client
	b.mu.Unlock()

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolbelt: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolbelt: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.servers[cfg.Name]; ok {
		_ = old.session.Close()
		b.dropServerToolsLocked(cfg.Name)
	}
	b.servers[cfg.Name] = serverConn{session: session}

	for _, t := range discovered {
		b.insertLocked(entry{
			def:        toolDefinition(t),
			serverName: cfg.Name,
		})
	}

	b.log.Info("mcp server registered",
		"server", cfg.Name, "transport", cfg.Transport, "tools", len(discovered))
	return nil
}

// dropServerToolsLocked removes catalogue entries contributed by server.
func (b *Belt) dropServerToolsLocked(server string) {
	kept := b.order[:0]
	for _, name := range b.order {
		if b.tools[name].serverName == server {
			delete(b.tools, name)
			continue
		}
		kept = append(kept, name)
	}
	b.order = kept
}

// callServer routes one execution to the session owning the tool. An
// application-level tool error is encoded in the result string so the model
// can react to it; only transport and protocol failures become Go errors.
func (b *Belt) callServer(ctx context.Context, e entry, args string) (string, error) {
	b.mu.RLock()
	conn, ok := b.servers[e.serverName]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolbelt: server %q not found for tool %q", e.serverName, e.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("toolbelt: invalid args JSON for tool %q: %w", e.def.Name, err)
		}
	}

	result, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      e.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("toolbelt: call to tool %q failed: %w", e.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return fmt.Sprintf("error: %s", sb.String()), nil
	}
	return sb.String(), nil
}

// Close shuts down all server connections. Builtins remain usable.
func (b *Belt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, conn := range b.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolbelt: close server %q: %w", name, err)
		}
		delete(b.servers, name)
	}
	return firstErr
}

// toolDefinition converts an SDK tool descriptor into the shared definition
// type offered to the LLM.
func toolDefinition(t mcpsdk.Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// schemaToMap converts any schema value to a map[string]any, falling back to
// a bare object schema when the value cannot be interpreted.
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

// splitCommand splits a command line on whitespace into executable + args.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
