// Package config provides the configuration schema, loader, and provider
// registry for the voice bot server.
package config

import "github.com/siddhartha9/interruption-aware-voice-bot/internal/toolbelt"

// LogLevel controls log verbosity for the server.
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

// Codec identifies the encoding of inbound utterance blobs.
type Codec string

const (
	// CodecWAV treats utterance blobs as RIFF/WAV files.
	CodecWAV Codec = "wav"

	// CodecOpusDCA treats utterance blobs as DCA-framed Opus streams.
	CodecOpusDCA Codec = "opus-dca"
)

// IsValid reports whether c is a recognised input codec.
func (c Codec) IsValid() bool {
	return c == CodecWAV || c == CodecOpusDCA
}

// Config is the root configuration structure for the voice bot server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	STT         STTConfig         `yaml:"stt"`
	LLM         LLMConfig         `yaml:"llm"`
	TTS         TTSConfig         `yaml:"tts"`
	Decision    DecisionConfig    `yaml:"decision"`
	Queue       QueueConfig       `yaml:"queue"`
	Backchannel BackchannelConfig `yaml:"backchannel"`
	Tool        ToolConfig        `yaml:"tool"`
	History     HistoryConfig     `yaml:"history"`
	Providers   ProvidersConfig   `yaml:"providers"`
	MCP         MCPConfig         `yaml:"mcp"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Greeting is the message carried by the connected frame each client
	// receives when its session is established.
	Greeting string `yaml:"greeting"`

	// AllowedOrigins restricts WebSocket upgrades to the listed Origin host
	// patterns. Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// STTConfig tunes the transcription stage.
type STTConfig struct {
	// MinBlobBytes is the decoded size below which an utterance blob is
	// treated as likely silence and skipped without transcription.
	MinBlobBytes int `yaml:"min_blob_bytes"`

	// InputCodec declares the encoding of inbound utterance blobs. Only the
	// local whisper provider consumes this; hosted providers accept the blob
	// as sent.
	InputCodec Codec `yaml:"input_codec"`

	// RequestTimeoutMS bounds a single transcription call.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// LLMConfig tunes the agent stage.
type LLMConfig struct {
	// RequestTimeoutMS bounds a single completion stream.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`

	// SystemPrompt is injected ahead of the conversation history on every
	// completion request.
	SystemPrompt string `yaml:"system_prompt"`
}

// TTSConfig tunes the synthesis stage.
type TTSConfig struct {
	// RequestTimeoutMS bounds a single synthesis call.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// DecisionConfig tunes the per-utterance decision task.
type DecisionConfig struct {
	// DebounceMS is how long a decision waits for trailing utterances to
	// coalesce before classifying the merged transcript.
	DebounceMS int `yaml:"debounce_ms"`
}

// QueueConfig sets the bounded queue capacities of the session pipeline.
type QueueConfig struct {
	STTJobCap      int `yaml:"stt_job_cap"`
	TextStreamCap  int `yaml:"text_stream_cap"`
	AudioOutputCap int `yaml:"audio_output_cap"`
}

// BackchannelConfig sets the acknowledgement phrases that are swallowed when
// they arrive during an interruption instead of starting a new turn.
type BackchannelConfig struct {
	// Phrases overrides the built-in acknowledgement set. Empty keeps the
	// default set.
	Phrases []string `yaml:"phrases"`
}

// ToolConfig tunes tool execution handling.
type ToolConfig struct {
	// CancelGraceMS bounds how long session teardown waits for cancelled
	// tool executions to unregister.
	CancelGraceMS int `yaml:"cancel_grace_ms"`
}

// HistoryConfig bounds the per-session conversation history.
type HistoryConfig struct {
	// MaxTurns caps the history length with oldest-first eviction.
	// Zero means unbounded.
	MaxTurns int `yaml:"max_turns"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each entry selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// Fallbacks lists ordered alternatives per stage, tried in order when
	// the primary provider fails with a transient error.
	Fallbacks FallbacksConfig `yaml:"fallbacks"`
}

// FallbacksConfig holds the ordered fallback chains per pipeline stage.
type FallbacksConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	LLM []ProviderEntry `yaml:"llm"`
	TTS []ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "deepgram", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. Leave empty to
	// use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above (e.g., voice_id, output_format).
	Options map[string]any `yaml:"options"`
}

// MCPConfig holds the list of Model Context Protocol tool servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport toolbelt.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// TelemetryConfig controls the OpenTelemetry metrics pipeline.
type TelemetryConfig struct {
	// Enabled turns on the meter provider and the /metrics endpoint.
	Enabled bool `yaml:"enabled"`

	// ServiceName is the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}
