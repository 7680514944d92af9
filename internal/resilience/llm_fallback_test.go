package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	llmmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm/mock"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// drainText collects the Text fields of all chunks until the channel closes.
func drainText(ch <-chan llm.Chunk) string {
	var sb strings.Builder
	for c := range ch {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestLLMFallback_PrimaryServes(t *testing.T) {
	primary := &llmmock.Provider{
		NameValue:    "openai",
		StreamChunks: []llm.Chunk{{Text: "Hello."}, {FinishReason: llm.FinishStop}},
	}
	backup := &llmmock.Provider{NameValue: "groq"}

	f := NewLLMFallback(primary, FallbackConfig{})
	f.AddFallback(backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drainText(ch); got != "Hello." {
		t.Errorf("stream text = %q, want %q", got, "Hello.")
	}
	if len(backup.StreamCalls) != 0 {
		t.Errorf("backup received %d calls, want 0", len(backup.StreamCalls))
	}
}

func TestLLMFallback_FailoverOnStartError(t *testing.T) {
	primary := &llmmock.Provider{
		NameValue: "openai",
		StreamErr: errTest,
	}
	backup := &llmmock.Provider{
		NameValue:    "groq",
		StreamChunks: []llm.Chunk{{Text: "Backup here."}, {FinishReason: llm.FinishStop}},
	}

	f := NewLLMFallback(primary, FallbackConfig{})
	f.AddFallback(backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drainText(ch); got != "Backup here." {
		t.Errorf("stream text = %q, want %q", got, "Backup here.")
	}
	if len(primary.StreamCalls) != 1 {
		t.Errorf("primary received %d calls, want 1", len(primary.StreamCalls))
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{NameValue: "openai", StreamErr: errTest}
	backup := &llmmock.Provider{NameValue: "groq", StreamErr: errTest}

	f := NewLLMFallback(primary, FallbackConfig{})
	f.AddFallback(backup)

	_, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_NameAndCapabilities(t *testing.T) {
	primary := &llmmock.Provider{
		NameValue: "openai",
		ModelCapabilities: types.ModelCapabilities{
			SupportsToolCalling: true,
			SupportsStreaming:   true,
		},
	}
	backup := &llmmock.Provider{NameValue: "groq"}

	f := NewLLMFallback(primary, FallbackConfig{})
	f.AddFallback(backup)

	if got := f.Name(); got != "openai" {
		t.Errorf("Name() = %q, want openai", got)
	}
	caps := f.Capabilities()
	if !caps.SupportsToolCalling {
		t.Error("Capabilities() should reflect the primary (tool calling)")
	}
}
