package whisper_test

import (
	"context"
	"os"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/audio"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("")
	if err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNewNative_WithOptions_DoesNotError(t *testing.T) {
	modelPath := testModelPath(t)
	p, err := whisper.NewNative(modelPath,
		whisper.WithNativeLanguage("en"),
		whisper.WithNativeRMSThreshold(500),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()
	if p == nil {
		t.Fatal("expected non-nil NativeProvider")
	}
	if got := p.Name(); got != "whisper" {
		t.Errorf("Name() = %q; want %q", got, "whisper")
	}
}

func TestNativeTranscribe_Silence_ReturnsEmpty(t *testing.T) {
	modelPath := testModelPath(t)
	p, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	// One second of digital silence never reaches the model.
	blob := audio.EncodeWAV(makeSilencePCM(16000), 16000, 1)
	got, err := p.Transcribe(context.Background(), blob)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "" {
		t.Errorf("Transcribe = %q; want empty transcript for silence", got)
	}
}

func TestNativeTranscribe_Speech_ReturnsWithoutError(t *testing.T) {
	modelPath := testModelPath(t)
	p, err := whisper.NewNative(modelPath, whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	// One second of synthetic tone. The transcript content depends on the
	// model, so only the absence of an error is asserted.
	blob := audio.EncodeWAV(makeSpeechPCM(16000), 16000, 1)
	text, err := p.Transcribe(context.Background(), blob)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	t.Logf("transcribed text: %q", text)
}

func TestNativeTranscribe_CancelledContext_ReturnsError(t *testing.T) {
	modelPath := testModelPath(t)
	p, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blob := audio.EncodeWAV(makeSpeechPCM(1600), 16000, 1)
	if _, err := p.Transcribe(ctx, blob); err == nil {
		t.Fatal("expected error for cancelled context, got nil")
	}
}

func TestNativeTranscribe_NotWAV_ReturnsError(t *testing.T) {
	modelPath := testModelPath(t)
	p, err := whisper.NewNative(modelPath)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	if _, err := p.Transcribe(context.Background(), []byte("junk")); err == nil {
		t.Fatal("expected error for non-WAV payload, got nil")
	}
}
