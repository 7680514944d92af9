// Command voicebot is the main entry point for the interruption-aware voice
// bot server. It exposes a WebSocket endpoint that runs one conversation
// pipeline (speech-to-text, language model, text-to-speech) per connected
// client, plus health and metrics endpoints for operators.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/app"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/config"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/observe"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/resilience"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm/anyllm"
	llmmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm/mock"
	llmopenai "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm/openai"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt/deepgram"
	sttmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt/mock"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt/whisper"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts/coqui"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts/mock"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

const (
	shutdownTimeout       = 15 * time.Second
	telemetryFlushTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A .env file supplies the ${VAR} references in the YAML during local
	// development. Deployments set real environment variables instead, so a
	// missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voicebot: load .env: %v\n", err)
		return 1
	}

	// ── Load configuration ──────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebot: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebot: %v\n", err)
		}
		return 1
	}

	// ── Logger ──────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicebot starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ──────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ───────────────────────────────────────────────────────────────
	// Must be initialised before anything asks for observe.DefaultMetrics, or
	// the instruments bind to the noop global meter provider.
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Provider registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	// ── Instantiate providers ───────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ─────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ───────────────────────────────────────────────────────
	// Log level and session defaults pick up edits to the config file without
	// a restart. Losing the watcher is not fatal; the server just runs with
	// the boot-time settings.
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ───────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ─────────────────────────────────────────────────────────────

// builtinProviders maps pipeline stages to the provider implementations that
// ship with this binary. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "mistral", "groq", "ollama", "mock"},
	"stt": {"deepgram", "whisper", "whisper-native", "mock"},
	"tts": {"elevenlabs", "coqui", "mock"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages. Factories close over cfg
// where a stage-wide setting, such as the utterance input codec, has to reach
// the provider.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ─────────────────────────────────────────────────────────────────────

	// openai gets the native SDK-backed provider with per-model capability
	// reporting; the tool loop needs Capabilities to know whether it may
	// offer tool definitions.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, mistral and groq all share the same pattern through
	// any-llm: optional APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		text := optString(entry.Options, "response")
		if text == "" {
			text = "This is the mock assistant speaking."
		}
		return &llmmock.Provider{
			StreamChunks:      []llm.Chunk{{Text: text}, {FinishReason: llm.FinishStop}},
			ModelCapabilities: types.ModelCapabilities{SupportsStreaming: true, ContextWindow: 8192},
		}, nil
	})

	// ── STT ─────────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if ct := optString(entry.Options, "content_type"); ct != "" {
			opts = append(opts, deepgram.WithContentType(ct))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []whisper.Option{whisper.WithInputCodec(whisperCodec(cfg.STT.InputCodec))}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		opts := []whisper.NativeOption{whisper.WithNativeInputCodec(whisperCodec(cfg.STT.InputCodec))}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		transcript := optString(entry.Options, "transcript")
		if transcript == "" {
			transcript = "hello there"
		}
		return &sttmock.Provider{Transcript: transcript}, nil
	})

	// ── TTS ─────────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{
			ListVoicesResult: []types.VoiceProfile{
				{ID: "mock-voice", Name: "Mock Voice", Provider: "mock"},
			},
		}, nil
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// whisperCodec maps the stage-level input codec onto the whisper package's
// option type.
func whisperCodec(c config.Codec) whisper.InputCodec {
	if c == config.CodecOpusDCA {
		return whisper.InputOpusDCA
	}
	return whisper.InputWAV
}

// buildProviders instantiates the provider named for each pipeline stage and
// returns them in an [app.Providers] struct for the application to consume.
// When the config lists fallbacks for a stage, the primary is wrapped in a
// circuit-breaking fallback chain so a flaky vendor degrades instead of
// killing the call.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttPrimary
	if chain := cfg.Providers.Fallbacks.STT; len(chain) > 0 {
		fb := resilience.NewSTTFallback(sttPrimary, resilience.FallbackConfig{})
		for _, entry := range chain {
			alt, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(alt)
		}
		ps.STT = fb
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name,
		"fallbacks", len(cfg.Providers.Fallbacks.STT))

	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llmPrimary
	if chain := cfg.Providers.Fallbacks.LLM; len(chain) > 0 {
		fb := resilience.NewLLMFallback(llmPrimary, resilience.FallbackConfig{})
		for _, entry := range chain {
			alt, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(alt)
		}
		ps.LLM = fb
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name,
		"fallbacks", len(cfg.Providers.Fallbacks.LLM))

	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsPrimary
	if chain := cfg.Providers.Fallbacks.TTS; len(chain) > 0 {
		fb := resilience.NewTTSFallback(ttsPrimary, resilience.FallbackConfig{})
		for _, entry := range chain {
			alt, err := reg.CreateTTS(entry)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(alt)
		}
		ps.TTS = fb
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name,
		"fallbacks", len(cfg.Providers.Fallbacks.TTS))

	return ps, nil
}

// ── Startup summary ─────────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voicebot — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Fallbacks       : %-19s ║\n", fallbackSummary(cfg))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Telemetry.Enabled {
		fmt.Printf("║  Telemetry       : %-19s ║\n", "enabled (/metrics)")
	} else {
		fmt.Printf("║  Telemetry       : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func fallbackSummary(cfg *config.Config) string {
	fb := cfg.Providers.Fallbacks
	if len(fb.STT)+len(fb.LLM)+len(fb.TTS) == 0 {
		return "(none)"
	}
	return fmt.Sprintf("stt:%d llm:%d tts:%d", len(fb.STT), len(fb.LLM), len(fb.TTS))
}

// ── Logger ──────────────────────────────────────────────────────────────────────

// newLogger builds the process-wide text logger. The returned LevelVar is
// handed to the application so config hot reloads can adjust verbosity on a
// live server.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	switch level {
	case config.LogDebug:
		lvl.Set(slog.LevelDebug)
	case config.LogWarn:
		lvl.Set(slog.LevelWarn)
	case config.LogError:
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// ── Helpers ─────────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
