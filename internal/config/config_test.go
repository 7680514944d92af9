package config_test

import (
	"strings"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/config"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/toolbelt"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO", "verbose"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestCodec_IsValid(t *testing.T) {
	t.Parallel()
	if !config.CodecWAV.IsValid() || !config.CodecOpusDCA.IsValid() {
		t.Error("built-in codecs should be valid")
	}
	if config.Codec("mp3").IsValid() {
		t.Error("mp3 should be invalid")
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  greeting: "Welcome to the bank bot"
  allowed_origins: ["example.com", "*.example.org"]
stt:
  min_blob_bytes: 4000
  input_codec: opus-dca
  request_timeout_ms: 8000
llm:
  request_timeout_ms: 20000
  system_prompt: "You are a banking assistant."
tts:
  request_timeout_ms: 6000
decision:
  debounce_ms: 75
queue:
  stt_job_cap: 4
  text_stream_cap: 32
  audio_output_cap: 10
backchannel:
  phrases: [yeah, okay]
tool:
  cancel_grace_ms: 1500
history:
  max_turns: 20
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-3
  llm:
    name: groq
    api_key: gq-key
    model: llama-3.3-70b-versatile
    base_url: https://api.groq.com/openai/v1
  tts:
    name: elevenlabs
    api_key: el-key
    options:
      voice_id: kdmDKE6EkgrWrrykO9Qt
      output_format: mp3_44100_128
  fallbacks:
    llm:
      - name: openai
        api_key: oa-key
        model: gpt-4o-mini
mcp:
  servers:
    - name: filesystem
      transport: stdio
      command: "npx -y @modelcontextprotocol/server-filesystem /tmp"
      env:
        LOG_LEVEL: warn
    - name: remote-tools
      transport: streamable-http
      url: https://mcp.example.com/mcp
telemetry:
  enabled: false
  service_name: bankbot
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.Greeting != "Welcome to the bank bot" {
		t.Errorf("greeting = %q", cfg.Server.Greeting)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.STT.MinBlobBytes != 4000 || cfg.STT.InputCodec != config.CodecOpusDCA || cfg.STT.RequestTimeoutMS != 8000 {
		t.Errorf("stt = %+v", cfg.STT)
	}
	if cfg.LLM.SystemPrompt != "You are a banking assistant." {
		t.Errorf("system_prompt = %q", cfg.LLM.SystemPrompt)
	}
	if cfg.Queue.STTJobCap != 4 || cfg.Queue.TextStreamCap != 32 || cfg.Queue.AudioOutputCap != 10 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if len(cfg.Backchannel.Phrases) != 2 || cfg.Backchannel.Phrases[0] != "yeah" {
		t.Errorf("backchannel = %+v", cfg.Backchannel)
	}
	if cfg.Tool.CancelGraceMS != 1500 {
		t.Errorf("cancel_grace_ms = %d", cfg.Tool.CancelGraceMS)
	}
	if cfg.History.MaxTurns != 20 {
		t.Errorf("max_turns = %d", cfg.History.MaxTurns)
	}
	if cfg.Providers.LLM.Name != "groq" || cfg.Providers.LLM.BaseURL == "" {
		t.Errorf("providers.llm = %+v", cfg.Providers.LLM)
	}
	if got := cfg.Providers.TTS.Options["voice_id"]; got != "kdmDKE6EkgrWrrykO9Qt" {
		t.Errorf("tts voice_id option = %v", got)
	}
	if len(cfg.Providers.Fallbacks.LLM) != 1 || cfg.Providers.Fallbacks.LLM[0].Name != "openai" {
		t.Errorf("fallbacks.llm = %+v", cfg.Providers.Fallbacks.LLM)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("mcp.servers = %+v", cfg.MCP.Servers)
	}
	if cfg.MCP.Servers[0].Transport != toolbelt.TransportStdio {
		t.Errorf("servers[0].transport = %q", cfg.MCP.Servers[0].Transport)
	}
	if cfg.MCP.Servers[1].Transport != toolbelt.TransportStreamableHTTP {
		t.Errorf("servers[1].transport = %q", cfg.MCP.Servers[1].Transport)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry.enabled should be false")
	}
	if cfg.Telemetry.ServiceName != "bankbot" {
		t.Errorf("telemetry.service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_address: ":8080"
providers:
  stt: {name: mock}
  llm: {name: mock}
  tts: {name: mock}
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field listen_address, got nil")
	}
}
