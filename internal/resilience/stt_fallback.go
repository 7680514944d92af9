package resilience

import (
	"context"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(provider stt.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name returns the primary backend's name.
func (f *STTFallback) Name() string {
	return f.group.Primary()
}

// Transcribe sends the utterance to the first healthy provider. An empty
// transcript with a nil error is a successful "no speech" result and does not
// trigger failover.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, audio)
	})
}
