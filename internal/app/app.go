// Package app wires the voice bot subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP/WebSocket surface until the context is
// cancelled, and Shutdown tears everything down in reverse-init order.
//
// Each WebSocket upgrade on /ws becomes one conversation session with its own
// orchestrator; the three pipeline providers and the tool belt are shared
// across sessions. For testing, inject doubles via functional options
// (WithToolBelt, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/config"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/health"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/observe"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/toolbelt"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// readHeaderTimeout bounds how long the server waits for request headers.
// There is deliberately no WriteTimeout: /ws connections are long-lived.
const readHeaderTimeout = 10 * time.Second

// Providers holds one provider per pipeline stage. All three are required.
// Populated by main.go via the config registry, already wrapped in their
// fallback chains when fallbacks are configured.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and serves the voice bot's HTTP surface.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	belt     *toolbelt.Belt
	met      *observe.Metrics
	sessions *sessionRegistry
	server   *http.Server
	voice    types.VoiceProfile

	// logLevel, when set, lets config reloads retune verbosity at runtime.
	logLevel *slog.LevelVar

	// sessMu guards the hot-reloadable per-session defaults.
	sessMu sync.Mutex
	sess   sessionDefaults

	// lnMu guards the listener, which exists only while Run is active.
	lnMu sync.Mutex
	ln   net.Listener

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// sessionDefaults is the snapshot of config values applied to each new
// session. Config reloads swap the snapshot; live sessions keep the values
// they started with.
type sessionDefaults struct {
	greeting     string
	systemPrompt string
	backchannels []string
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithToolBelt injects a tool belt instead of creating one from config. The
// app does not close an injected belt.
func WithToolBelt(b *toolbelt.Belt) Option {
	return func(a *App) { a.belt = b }
}

// WithMetrics injects metric instruments instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// config reloads can adjust verbosity without a restart.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: tool belt construction and
// MCP server registration, voice resolution against the TTS provider, and
// assembly of the HTTP surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: STT, LLM and TTS providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  newSessionRegistry(),
		sess: sessionDefaults{
			greeting:     cfg.Server.Greeting,
			systemPrompt: cfg.LLM.SystemPrompt,
			backchannels: cfg.Backchannel.Phrases,
		},
	}
	for _, o := range opts {
		o(a)
	}
	if a.met == nil {
		a.met = observe.DefaultMetrics()
	}

	// ── 1. Tool belt ─────────────────────────────────────────────────────
	if err := a.initToolBelt(ctx); err != nil {
		return nil, fmt.Errorf("app: init tool belt: %w", err)
	}

	// ── 2. Voice ─────────────────────────────────────────────────────────
	a.voice = a.resolveVoice(ctx)

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initToolBelt sets up the shared tool belt: built-in tools plus any
// configured MCP servers. Skipped entirely when a belt was injected.
func (a *App) initToolBelt(ctx context.Context) error {
	if a.belt != nil {
		return nil
	}

	belt := toolbelt.New(toolbelt.WithMetrics(a.met))
	if err := toolbelt.RegisterDefaults(belt); err != nil {
		return fmt.Errorf("register built-in tools: %w", err)
	}

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := toolbelt.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := belt.RegisterServer(ctx, serverCfg); err != nil {
			_ = belt.Close()
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	a.belt = belt
	a.closers = append(a.closers, belt.Close)
	return nil
}

// resolveVoice picks the voice profile every session synthesizes with. The
// configured voice_id is validated against the TTS provider's catalogue; an
// empty voice_id selects the first listed voice. When the catalogue cannot be
// fetched the configured ID is trusted as-is so that a flaky listing endpoint
// does not block startup.
func (a *App) resolveVoice(ctx context.Context) types.VoiceProfile {
	voiceID := optString(a.cfg.Providers.TTS.Options, "voice_id")

	voices, err := a.providers.TTS.ListVoices(ctx)
	if err != nil {
		slog.Warn("could not list TTS voices, using configured voice unverified",
			"provider", a.providers.TTS.Name(), "voice_id", voiceID, "err", err)
		return types.VoiceProfile{ID: voiceID, Provider: a.providers.TTS.Name()}
	}

	if voiceID == "" {
		if len(voices) == 0 {
			slog.Warn("TTS provider lists no voices, using provider default",
				"provider", a.providers.TTS.Name())
			return types.VoiceProfile{Provider: a.providers.TTS.Name()}
		}
		slog.Info("no voice configured, using first listed voice",
			"voice_id", voices[0].ID, "name", voices[0].Name)
		return voices[0]
	}

	for _, v := range voices {
		if v.ID == voiceID {
			return v
		}
	}

	slog.Warn("configured voice not in provider catalogue, using it unverified",
		"provider", a.providers.TTS.Name(), "voice_id", voiceID, "catalogue_size", len(voices))
	return types.VoiceProfile{ID: voiceID, Provider: a.providers.TTS.Name()}
}

// buildHandler assembles the HTTP mux: the WebSocket endpoint, health probes
// and (when telemetry is enabled) the Prometheus scrape endpoint, all wrapped
// in the observability middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.handleWS)

	checks := []health.Checker{
		{
			Name: "tts",
			Check: func(ctx context.Context) error {
				_, err := a.providers.TTS.ListVoices(ctx)
				return err
			},
		},
	}
	health.New(a.sessions.Count, checks...).Register(mux)

	if a.cfg.Telemetry.Enabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return observe.Middleware(a.met)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run binds the listen address and serves until ctx is cancelled or the
// server fails. On cancellation it returns ctx.Err(); the caller is expected
// to follow up with Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
	}
	a.lnMu.Lock()
	a.ln = ln
	a.lnMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			serveErr = a.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			serveErr = a.server.Serve(ln)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
		errCh <- serveErr
	}()

	slog.Info("voice bot server listening",
		"addr", ln.Addr().String(),
		"tls", a.cfg.Server.TLS != nil,
		"metrics", a.cfg.Telemetry.Enabled,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	}
}

// Addr returns the bound listen address, or nil before Run has bound it.
// Useful with a ":0" listen address in tests.
func (a *App) Addr() net.Addr {
	a.lnMu.Lock()
	defer a.lnMu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Handler exposes the assembled HTTP handler so tests can serve it through
// httptest without binding a real port.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the server down: it stops accepting connections, closes all
// live sessions and runs the subsystem closers in reverse-init order. It
// respects the context deadline; when ctx expires, remaining steps are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_sessions", a.sessions.Count())

		// Stop accepting new connections. WebSocket connections are hijacked
		// from the server, so this does not touch live sessions.
		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("http server shutdown error", "err", err)
		}

		// Close live sessions and wait for their handlers to unwind.
		a.sessions.CloseAll("server shutting down")
		if !a.sessions.WaitDone(ctx) {
			slog.Warn("sessions did not close before the shutdown deadline",
				"remaining", a.sessions.Count())
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfigChange is the config watcher callback. It applies the
// hot-reloadable subset of a reloaded config: the log level takes effect
// immediately, while greeting, system prompt and backchannel phrases apply to
// sessions established after the reload. Everything else (providers, queues,
// listen address) requires a restart and is ignored here.
func (a *App) ApplyConfigChange(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if !d.Any() {
		slog.Debug("config reloaded without hot-applicable changes")
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.GreetingChanged || d.SystemPromptChanged || d.BackchannelChanged {
		a.sessMu.Lock()
		a.sess = sessionDefaults{
			greeting:     updated.Server.Greeting,
			systemPrompt: updated.LLM.SystemPrompt,
			backchannels: updated.Backchannel.Phrases,
		}
		a.sessMu.Unlock()
		slog.Info("session defaults updated for future sessions",
			"greeting", d.GreetingChanged,
			"system_prompt", d.SystemPromptChanged,
			"backchannel", d.BackchannelChanged,
		)
	}
}

// sessionSnapshot returns the defaults applied to the next session.
func (a *App) sessionSnapshot() sessionDefaults {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	return a.sess
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// slogLevel converts a config log level to its slog equivalent.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString reads a string value from a provider options map, tolerating a
// missing key or a non-string value.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// ms converts a config millisecond count to a duration. Non-positive values
// return zero so the orchestrator applies its own default.
func ms(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
