// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a
// local Coqui instance) behind a single batch call: one sentence batch in,
// one synthesized audio payload out. The orchestrator splits agent responses
// into sentence batches and synthesizes them one at a time per session, which
// keeps the audio pipeline responsive and lets superseded batches be dropped
// between calls when the user interrupts.
//
// Implementations must be safe for concurrent use; multiple sessions share a
// provider.
package tts

import (
	"context"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// Provider is the abstraction over any batch TTS backend.
type Provider interface {
	// Name returns the provider identifier used in configuration and logs.
	Name() string

	// Synthesize converts one sentence batch into audio using the given voice.
	// The returned bytes are in the provider's configured output format and are
	// treated as opaque by the caller. Empty text returns an error.
	//
	// Implementations must respect ctx cancellation and deadlines.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
