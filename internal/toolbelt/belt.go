// Package toolbelt implements the tool executor offered to the agent runner:
// a catalogue of built-in Go tools and tools imported from external MCP
// servers, unified behind the orchestrator's ToolBelt interface.
//
// Every execution follows the registry protocol: sample the cancellation
// epoch, register a context-cancel hook, do the work, release the
// registration. An interruption cancels in-flight work through the hook; a
// CancelAll that races the registration is caught by the epoch check inside
// Register, so a tool body observes cancellation on its first poll even when
// it registered "too late".
//
// Two execution models are supported. Synchronous tools hold their
// registration for the duration of the call. Background tools register,
// spawn the work and acknowledge immediately; the registration is released
// when the background work completes, and the same cancel hook covers it.
package toolbelt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/observe"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/orchestrator"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// Handler is the body of a built-in tool. args is the JSON object string the
// model supplied (possibly "{}"). ctx is cancelled by an interruption or by
// session teardown; handlers doing slow work must poll it between steps.
// A non-nil error marks infrastructure failure; tool-level failures belong in
// the returned string so the model can react to them.
type Handler func(ctx context.Context, args string) (string, error)

// BuiltinTool is a tool implemented as an in-process Go function.
type BuiltinTool struct {
	// Definition is the descriptor offered to the LLM.
	Definition types.ToolDefinition

	// Handler is invoked when the model calls the tool.
	Handler Handler

	// Background makes Invoke acknowledge immediately and run the handler in
	// a goroutine. The registry entry lives until the handler returns, so an
	// interruption can still cancel the work mid-flight.
	Background bool

	// Ack is the immediate result returned for a background tool. Empty
	// means a generic scheduled message.
	Ack string
}

// entry is one catalogued tool, builtin or imported from an MCP server.
type entry struct {
	def        types.ToolDefinition
	serverName string // empty for builtins
	builtin    Handler
	background bool
	ack        string
}

// Belt is the session-independent tool catalogue and executor. One Belt is
// typically shared by all sessions; per-session state (the cancellation
// scope) lives in the ToolRegistry passed to Invoke.
//
// All methods are safe for concurrent use.
type Belt struct {
	log *slog.Logger
	met *observe.Metrics

	mu      sync.RWMutex
	tools   map[string]entry
	order   []string // registration order, for a stable Definitions()
	servers map[string]serverConn

	// client is created on the first RegisterServer call; the SDK allows one
	// Client to manage multiple sessions.
	client *mcpsdk.Client
}

var _ orchestrator.ToolBelt = (*Belt)(nil)

// Option configures a Belt during construction.
type Option func(*Belt)

// WithLogger sets the belt logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Belt) { b.log = l }
}

// WithMetrics sets the metrics instruments used for execution latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Belt) { b.met = m }
}

// New creates an empty Belt. Populate it with RegisterBuiltin and
// RegisterServer before offering it to sessions.
func New(opts ...Option) *Belt {
	b := &Belt{
		tools:   make(map[string]entry),
		servers: make(map[string]serverConn),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.met == nil {
		b.met = observe.DefaultMetrics()
	}
	return b
}

// RegisterBuiltin adds an in-process tool to the catalogue. A tool with the
// same name replaces the previous one but keeps its catalogue position.
func (b *Belt) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("toolbelt: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolbelt: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertLocked(entry{
		def:        tool.Definition,
		builtin:    tool.Handler,
		background: tool.Background,
		ack:        tool.Ack,
	})
	return nil
}

// insertLocked stores e, appending to the catalogue order on first sight.
func (b *Belt) insertLocked(e entry) {
	name := e.def.Name
	if _, seen := b.tools[name]; !seen {
		b.order = append(b.order, name)
	}
	b.tools[name] = e
}

// Definitions returns the catalogue in registration order.
func (b *Belt) Definitions() []types.ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(b.order))
	for _, name := range b.order {
		defs = append(defs, b.tools[name].def)
	}
	return defs
}

// Invoke executes one tool call under the session's registry. Synchronous
// tools return their result; background tools return an acknowledgement and
// keep working. An unknown tool name is an infrastructure error.
func (b *Belt) Invoke(ctx context.Context, reg *orchestrator.ToolRegistry, call types.ToolCall) (string, error) {
	b.mu.RLock()
	e, ok := b.tools[call.Name]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("toolbelt: unknown tool %q", call.Name)
	}

	if e.background {
		return b.invokeBackground(ctx, reg, e, call)
	}
	return b.invokeSync(ctx, reg, e, call)
}

// invokeSync holds the registration for the duration of the call.
func (b *Belt) invokeSync(ctx context.Context, reg *orchestrator.ToolRegistry, e entry, call types.ToolCall) (string, error) {
	// The epoch is sampled before any side effect so a CancelAll racing this
	// registration still lands.
	epoch := reg.Epoch()
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := reg.Register(call.Name, epoch, cancel, b.metadata(e, call))
	defer func() { _ = reg.Unregister(id) }()

	start := time.Now()
	result, err := b.dispatch(tctx, e, call.Arguments)
	b.met.ObserveToolExecution(ctx, time.Since(start))

	if err != nil {
		if tctx.Err() != nil {
			return "", tctx.Err()
		}
		return "", err
	}
	return result, nil
}

// invokeBackground registers, spawns the work and acknowledges immediately.
// The registration is released when the work finishes; until then it remains
// cancellable like any synchronous execution.
func (b *Belt) invokeBackground(ctx context.Context, reg *orchestrator.ToolRegistry, e entry, call types.ToolCall) (string, error) {
	epoch := reg.Epoch()
	bctx, cancel := context.WithCancel(ctx)

	id := reg.Register(call.Name, epoch, cancel, b.metadata(e, call))

	go func() {
		defer func() { _ = reg.Unregister(id) }()
		defer cancel()

		start := time.Now()
		result, err := b.dispatch(bctx, e, call.Arguments)
		b.met.ObserveToolExecution(context.WithoutCancel(bctx), time.Since(start))
		switch {
		case err != nil && bctx.Err() != nil:
			b.log.Info("background tool cancelled", "tool", call.Name, "call_id", call.ID)
		case err != nil:
			b.log.Warn("background tool failed", "tool", call.Name, "call_id", call.ID, "err", err)
		default:
			b.log.Info("background tool finished",
				"tool", call.Name, "call_id", call.ID,
				"result_chars", len(result), "elapsed", time.Since(start))
		}
	}()

	ack := e.ack
	if ack == "" {
		ack = fmt.Sprintf("%s has been scheduled and will complete in the background", call.Name)
	}
	return ack, nil
}

// dispatch routes to the builtin handler or the owning MCP server.
func (b *Belt) dispatch(ctx context.Context, e entry, args string) (string, error) {
	if e.builtin != nil {
		return e.builtin(ctx, args)
	}
	return b.callServer(ctx, e, args)
}

func (b *Belt) metadata(e entry, call types.ToolCall) map[string]string {
	md := map[string]string{"call_id": call.ID}
	if e.serverName != "" {
		md["server"] = e.serverName
	}
	if e.background {
		md["background"] = "true"
	}
	return md
}
