// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram's prerecorded
// API or a local whisper.cpp model) behind a single batch call: one complete
// utterance in, one transcript out. The client performs voice activity
// detection and delivers each utterance as a single audio blob after the user
// stops speaking, so there is no streaming session to manage.
//
// Implementations must be safe for concurrent use; the orchestrator issues one
// Transcribe call at a time per session, but multiple sessions share a provider.
package stt

import "context"

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Name returns the provider identifier used in configuration and logs.
	Name() string

	// Transcribe converts one complete utterance into text. The audio blob is in
	// whatever container the provider was configured for (WAV, Opus, raw PCM).
	//
	// An empty string with a nil error means the provider found no speech in the
	// audio; callers should treat that as silence, not failure. Errors indicate
	// transport or decoding problems and are retryable at the caller's discretion.
	//
	// Implementations must respect ctx cancellation and deadlines.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
