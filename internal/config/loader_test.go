package config_test

import (
	"strings"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/config"
)

// minimalYAML is the smallest document that passes validation: the three
// pipeline providers are required, everything else has defaults.
const minimalYAML = `
providers:
  stt: {name: mock}
  llm: {name: mock}
  tts: {name: mock}
`

func TestLoadFromReader_DefaultsApply(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.Greeting != config.DefaultGreeting {
		t.Errorf("greeting = %q", cfg.Server.Greeting)
	}
	if cfg.STT.MinBlobBytes != 5000 {
		t.Errorf("min_blob_bytes = %d, want 5000", cfg.STT.MinBlobBytes)
	}
	if cfg.STT.InputCodec != config.CodecWAV {
		t.Errorf("input_codec = %q, want wav", cfg.STT.InputCodec)
	}
	if cfg.STT.RequestTimeoutMS != 10000 || cfg.LLM.RequestTimeoutMS != 30000 || cfg.TTS.RequestTimeoutMS != 10000 {
		t.Errorf("timeouts = %d/%d/%d, want 10000/30000/10000",
			cfg.STT.RequestTimeoutMS, cfg.LLM.RequestTimeoutMS, cfg.TTS.RequestTimeoutMS)
	}
	if cfg.Decision.DebounceMS != 50 {
		t.Errorf("debounce_ms = %d, want 50", cfg.Decision.DebounceMS)
	}
	if cfg.Queue.STTJobCap != 8 || cfg.Queue.TextStreamCap != 50 || cfg.Queue.AudioOutputCap != 20 {
		t.Errorf("queue caps = %+v, want 8/50/20", cfg.Queue)
	}
	if cfg.Tool.CancelGraceMS != 2000 {
		t.Errorf("cancel_grace_ms = %d, want 2000", cfg.Tool.CancelGraceMS)
	}
	if cfg.History.MaxTurns != 50 {
		t.Errorf("max_turns = %d, want 50", cfg.History.MaxTurns)
	}
	if cfg.LLM.SystemPrompt != config.DefaultSystemPrompt {
		t.Errorf("system_prompt = %q", cfg.LLM.SystemPrompt)
	}
	if len(cfg.Backchannel.Phrases) != 0 {
		t.Errorf("backchannel phrases default should be empty (built-in set applies), got %v", cfg.Backchannel.Phrases)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "voicebot" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadFromReader_ExplicitZeroOverridesDefault(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
history:
  max_turns: 0
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.History.MaxTurns != 0 {
		t.Errorf("max_turns = %d, want 0 (unbounded)", cfg.History.MaxTurns)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("VOICEBOT_TEST_KEY", "sk-12345")
	t.Setenv("VOICEBOT_TEST_HOST", "api.example.com")
	t.Setenv("UNSET_VOICEBOT_VAR", "")

	in := []byte("api_key: ${VOICEBOT_TEST_KEY}\nbase_url: https://${VOICEBOT_TEST_HOST}/v1\nprompt: \"costs $5 and ${UNSET_VOICEBOT_VAR}\"\nplain: $HOME\n")
	got := string(config.ExpandEnv(in))

	if !strings.Contains(got, "api_key: sk-12345") {
		t.Errorf("api_key not expanded: %q", got)
	}
	if !strings.Contains(got, "https://api.example.com/v1") {
		t.Errorf("base_url not expanded: %q", got)
	}
	if !strings.Contains(got, `costs $5 and "`) {
		t.Errorf("unset variable should expand to empty, literal $ kept: %q", got)
	}
	if !strings.Contains(got, "plain: $HOME") {
		t.Errorf("bare $VAR (no braces) should pass through: %q", got)
	}
}

func TestLoadFromReader_ExpandsEnvInDocument(t *testing.T) {
	t.Setenv("VOICEBOT_TEST_GREETING", "hello from env")

	yaml := minimalYAML + `
server:
  greeting: "${VOICEBOT_TEST_GREETING}"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Greeting != "hello from env" {
		t.Errorf("greeting = %q, want env value", cfg.Server.Greeting)
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "invalid log level",
			yaml:    minimalYAML + "server:\n  log_level: bananas\n",
			wantSub: "log_level",
		},
		{
			name:    "invalid input codec",
			yaml:    minimalYAML + "stt:\n  input_codec: mp3\n",
			wantSub: "input_codec",
		},
		{
			name:    "negative min blob",
			yaml:    minimalYAML + "stt:\n  min_blob_bytes: -1\n",
			wantSub: "min_blob_bytes",
		},
		{
			name:    "zero stt timeout",
			yaml:    minimalYAML + "stt:\n  request_timeout_ms: 0\n",
			wantSub: "request_timeout_ms",
		},
		{
			name:    "zero queue cap",
			yaml:    minimalYAML + "queue:\n  text_stream_cap: 0\n",
			wantSub: "text_stream_cap",
		},
		{
			name:    "negative queue cap",
			yaml:    minimalYAML + "queue:\n  audio_output_cap: -5\n",
			wantSub: "audio_output_cap",
		},
		{
			name:    "negative debounce",
			yaml:    minimalYAML + "decision:\n  debounce_ms: -10\n",
			wantSub: "debounce_ms",
		},
		{
			name:    "negative history cap",
			yaml:    minimalYAML + "history:\n  max_turns: -1\n",
			wantSub: "max_turns",
		},
		{
			name:    "missing stt provider",
			yaml:    "providers:\n  llm: {name: mock}\n  tts: {name: mock}\n",
			wantSub: "providers.stt.name",
		},
		{
			name:    "tls missing key file",
			yaml:    minimalYAML + "server:\n  tls:\n    cert_file: /etc/certs/server.pem\n",
			wantSub: "tls",
		},
		{
			name:    "mcp stdio without command",
			yaml:    minimalYAML + "mcp:\n  servers:\n    - name: fs\n      transport: stdio\n",
			wantSub: "command is required",
		},
		{
			name:    "mcp http without url",
			yaml:    minimalYAML + "mcp:\n  servers:\n    - name: remote\n      transport: streamable-http\n",
			wantSub: "url is required",
		},
		{
			name:    "mcp invalid transport",
			yaml:    minimalYAML + "mcp:\n  servers:\n    - name: x\n      transport: websocket\n",
			wantSub: "transport",
		},
		{
			name: "duplicate mcp server names",
			yaml: minimalYAML + `mcp:
  servers:
    - name: fs
      transport: stdio
      command: "a"
    - name: fs
      transport: stdio
      command: "b"
`,
			wantSub: "duplicate",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q should mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: bananas
queue:
  stt_job_cap: 0
providers:
  stt: {name: mock}
  llm: {name: mock}
  tts: {name: mock}
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "stt_job_cap") {
		t.Errorf("error should mention stt_job_cap, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	for _, stage := range []string{"stt", "llm", "tts"} {
		names := config.ValidProviderNames[stage]
		if len(names) == 0 {
			t.Fatalf("ValidProviderNames[%q] should not be empty", stage)
		}
		found := false
		for _, n := range names {
			if n == "mock" {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("ValidProviderNames[%q] should contain \"mock\"", stage)
		}
	}
}

func TestDefault_PassesValidation(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	// A bare default has no providers configured, which is the one required
	// user decision.
	cfg.Providers.STT.Name = "mock"
	cfg.Providers.LLM.Name = "mock"
	cfg.Providers.TTS.Name = "mock"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Default() should validate once providers are set: %v", err)
	}
}
