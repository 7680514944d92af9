package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/toolbelt"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is used when llm.system_prompt is not configured.
const DefaultSystemPrompt = "You are a helpful, friendly AI voice assistant. " +
	"Keep your responses concise and conversational, as they will be spoken aloud. " +
	"Aim for 2-3 sentences unless more detail is explicitly requested. " +
	"Only use tools when absolutely necessary. Prefer to answer directly when possible."

// DefaultGreeting is the connected-frame message when server.greeting is not
// configured.
const DefaultGreeting = "Connected to Voice Bot Orchestrator"

// ValidProviderNames lists known provider names per pipeline stage.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native", "mock"},
	"llm": {"openai", "groq", "anthropic", "gemini", "mistral", "ollama", "mock"},
	"tts": {"elevenlabs", "coqui", "mock"},
}

// Default returns a Config populated with the documented defaults. Loading a
// file overlays the file's values on top of these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
			Greeting:   DefaultGreeting,
		},
		STT: STTConfig{
			MinBlobBytes:     5000,
			InputCodec:       CodecWAV,
			RequestTimeoutMS: 10000,
		},
		LLM: LLMConfig{
			RequestTimeoutMS: 30000,
			SystemPrompt:     DefaultSystemPrompt,
		},
		TTS: TTSConfig{
			RequestTimeoutMS: 10000,
		},
		Decision: DecisionConfig{DebounceMS: 50},
		Queue: QueueConfig{
			STTJobCap:      8,
			TextStreamCap:  50,
			AudioOutputCap: 20,
		},
		Tool:    ToolConfig{CancelGraceMS: 2000},
		History: HistoryConfig{MaxTurns: 50},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ServiceName: "voicebot",
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, overlaying [Default], and
// validates the result. ${ENV_VAR} references in the document are expanded
// before decoding. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${VAR} references. The brace form is required so literal $
// characters in prompts and passwords pass through untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces every ${VAR} reference in the YAML document with the
// value of the named environment variable. Unset variables expand to the
// empty string; validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := string(ref[2 : len(ref)-1])
		return []byte(os.Getenv(name))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// STT stage
	if cfg.STT.MinBlobBytes < 0 {
		errs = append(errs, fmt.Errorf("stt.min_blob_bytes %d must not be negative", cfg.STT.MinBlobBytes))
	}
	if cfg.STT.InputCodec != "" && !cfg.STT.InputCodec.IsValid() {
		errs = append(errs, fmt.Errorf("stt.input_codec %q is invalid; valid values: wav, opus-dca", cfg.STT.InputCodec))
	}
	if cfg.STT.RequestTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("stt.request_timeout_ms %d must be positive", cfg.STT.RequestTimeoutMS))
	}

	// LLM / TTS stages
	if cfg.LLM.RequestTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_ms %d must be positive", cfg.LLM.RequestTimeoutMS))
	}
	if cfg.TTS.RequestTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("tts.request_timeout_ms %d must be positive", cfg.TTS.RequestTimeoutMS))
	}

	// Decision
	if cfg.Decision.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("decision.debounce_ms %d must not be negative", cfg.Decision.DebounceMS))
	}

	// Queues
	if cfg.Queue.STTJobCap <= 0 {
		errs = append(errs, fmt.Errorf("queue.stt_job_cap %d must be positive", cfg.Queue.STTJobCap))
	}
	if cfg.Queue.TextStreamCap <= 0 {
		errs = append(errs, fmt.Errorf("queue.text_stream_cap %d must be positive", cfg.Queue.TextStreamCap))
	}
	if cfg.Queue.AudioOutputCap <= 0 {
		errs = append(errs, fmt.Errorf("queue.audio_output_cap %d must be positive", cfg.Queue.AudioOutputCap))
	}

	// Tools / history
	if cfg.Tool.CancelGraceMS < 0 {
		errs = append(errs, fmt.Errorf("tool.cancel_grace_ms %d must not be negative", cfg.Tool.CancelGraceMS))
	}
	if cfg.History.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("history.max_turns %d must not be negative", cfg.History.MaxTurns))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, entry := range cfg.Providers.Fallbacks.STT {
		validateProviderName("stt", entry.Name)
	}
	for _, entry := range cfg.Providers.Fallbacks.LLM {
		validateProviderName("llm", entry.Name)
	}
	for _, entry := range cfg.Providers.Fallbacks.TTS {
		validateProviderName("tts", entry.Name)
	}

	// Provider availability
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// MCP servers
	serverNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == toolbelt.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == toolbelt.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given stage.
func validateProviderName(stage, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[stage]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"stage", stage,
		"name", name,
		"known", known,
	)
}
