// Package mock provides a test double for the stt package interface.
//
// Pre-populate Transcript (or Script for per-call values) with the text the
// consumer should receive, then inspect TranscribeCalls to verify which audio
// blobs were delivered.
//
// Example:
//
//	p := &mock.Provider{Transcript: "what is my balance"}
//	text, _ := p.Transcribe(ctx, wavBlob)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
)

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the audio bytes that were passed to Transcribe.
	Audio []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// Transcript is returned by Transcribe unless Script covers the call.
	Transcript string

	// Script, when non-empty, supplies per-call transcripts: the Nth call
	// returns Script[N]. Calls past the end fall back to Transcript.
	Script []string

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// Delay, when positive, makes Transcribe block for that duration or until
	// ctx is cancelled. Lets tests hold the transcription stage busy.
	Delay time.Duration

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Transcribe records the call, optionally waits Delay, and returns the
// scripted transcript or TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	p.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	call := len(p.TranscribeCalls)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp})
	text := p.Transcript
	if call < len(p.Script) {
		text = p.Script[call]
	}
	err := p.TranscribeErr
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// Calls returns a snapshot of all recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
