// Package transport defines the JSON wire protocol spoken between the voice
// bot server and its clients, and the WebSocket carrier that moves it.
//
// Frames are tagged unions: inbound frames are discriminated by a "type"
// field, outbound frames by an "event" field. Both directions are UTF-8 JSON,
// one object per frame. Unknown fields are ignored; unknown discriminator
// values decode to an error so the caller can log and drop the frame without
// tearing down the session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame is returned by DecodeInbound for frames whose "type" value
// is not part of the protocol. Callers should log and drop such frames.
var ErrUnknownFrame = errors.New("transport: unknown frame type")

// ─── Inbound frames (client → server) ─────────────────────────────────────────

// Inbound is the closed set of client-to-server frames. Implementations are
// SpeechStart, SpeechEnd, ClientPlaybackStarted and ClientPlaybackComplete;
// new variants cannot be defined outside this package.
type Inbound interface {
	// Type returns the wire discriminator of the frame.
	Type() string

	isInbound()
}

// SpeechStart signals that the client's VAD detected voice onset.
type SpeechStart struct{}

// SpeechEnd carries one complete utterance as a base64-encoded audio blob.
// Timestamp is an optional client-side capture time in epoch milliseconds;
// it is carried for logging only.
type SpeechEnd struct {
	Audio     string
	Timestamp float64
}

// ClientPlaybackStarted signals that the client began playing received audio.
type ClientPlaybackStarted struct{}

// ClientPlaybackComplete signals that the client's audio queue drained.
type ClientPlaybackComplete struct{}

func (SpeechStart) Type() string            { return "speech_start" }
func (SpeechEnd) Type() string              { return "speech_end" }
func (ClientPlaybackStarted) Type() string  { return "client_playback_started" }
func (ClientPlaybackComplete) Type() string { return "client_playback_complete" }

func (SpeechStart) isInbound()            {}
func (SpeechEnd) isInbound()              {}
func (ClientPlaybackStarted) isInbound()  {}
func (ClientPlaybackComplete) isInbound() {}

// inboundEnvelope is the flat wire representation shared by all inbound
// frames.
type inboundEnvelope struct {
	Type      string  `json:"type"`
	Audio     string  `json:"audio,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// DecodeInbound parses a single client frame. Malformed JSON yields a wrapped
// unmarshalling error; a well-formed frame with an unrecognized "type" yields
// an error satisfying errors.Is(err, ErrUnknownFrame).
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode inbound frame: %w", err)
	}
	switch env.Type {
	case "speech_start":
		return SpeechStart{}, nil
	case "speech_end":
		return SpeechEnd{Audio: env.Audio, Timestamp: env.Timestamp}, nil
	case "client_playback_started":
		return ClientPlaybackStarted{}, nil
	case "client_playback_complete":
		return ClientPlaybackComplete{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

// EncodeInbound renders f as a single JSON object keyed by "type". It is the
// client-side counterpart of DecodeInbound, used by test clients and the load
// generator.
func EncodeInbound(f Inbound) ([]byte, error) {
	env := inboundEnvelope{Type: f.Type()}
	switch v := f.(type) {
	case SpeechStart, ClientPlaybackStarted, ClientPlaybackComplete:
		// Discriminator only.
	case SpeechEnd:
		env.Audio = v.Audio
		env.Timestamp = v.Timestamp
	default:
		return nil, fmt.Errorf("transport: encode inbound frame: unhandled variant %T", f)
	}
	return json.Marshal(env)
}

// ─── Outbound frames (server → client) ────────────────────────────────────────

// Outbound is the closed set of server-to-client frames.
type Outbound interface {
	// Event returns the wire discriminator of the frame.
	Event() string

	isOutbound()
}

// Connected is the first frame of every session.
type Connected struct {
	Message   string
	SessionID string
}

// PlayAudio carries one synthesized audio item as base64. The client enqueues
// it and plays as soon as its queue reaches it.
type PlayAudio struct {
	Audio string
}

// StopPlayback tells the client to pause playback immediately while retaining
// its local queue, so a later PlaybackResume can continue seamlessly.
type StopPlayback struct {
	Message string
}

// PlaybackResume tells the client to resume paused playback and keep
// processing queued chunks.
type PlaybackResume struct{}

// PlaybackReset tells the client to discard all client-side audio, both the
// paused chunk and anything still queued.
type PlaybackReset struct{}

// Transcript reports the last recognized user utterance. Informational.
type Transcript struct {
	Text string
}

// AgentResponse reports the agent's full textual response. Informational.
type AgentResponse struct {
	Text string
}

// ErrorFrame reports a recoverable server-side failure to the user.
type ErrorFrame struct {
	Message string
}

func (Connected) Event() string      { return "connected" }
func (PlayAudio) Event() string      { return "play_audio" }
func (StopPlayback) Event() string   { return "stop_playback" }
func (PlaybackResume) Event() string { return "playback_resume" }
func (PlaybackReset) Event() string  { return "playback_reset" }
func (Transcript) Event() string     { return "transcript" }
func (AgentResponse) Event() string  { return "agent_response" }
func (ErrorFrame) Event() string     { return "error" }

func (Connected) isOutbound()      {}
func (PlayAudio) isOutbound()      {}
func (StopPlayback) isOutbound()   {}
func (PlaybackResume) isOutbound() {}
func (PlaybackReset) isOutbound()  {}
func (Transcript) isOutbound()     {}
func (AgentResponse) isOutbound()  {}
func (ErrorFrame) isOutbound()     {}

// outboundEnvelope is the flat wire representation shared by all outbound
// frames. Field names follow the protocol; empty optional fields are omitted.
type outboundEnvelope struct {
	Event     string `json:"event"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Audio     string `json:"audio,omitempty"`
	Text      string `json:"text,omitempty"`
}

// EncodeOutbound renders f as a single JSON object keyed by "event".
func EncodeOutbound(f Outbound) ([]byte, error) {
	env := outboundEnvelope{Event: f.Event()}
	switch v := f.(type) {
	case Connected:
		env.Message = v.Message
		env.SessionID = v.SessionID
	case PlayAudio:
		env.Audio = v.Audio
	case StopPlayback:
		env.Message = v.Message
	case PlaybackResume, PlaybackReset:
		// Discriminator only.
	case Transcript:
		env.Text = v.Text
	case AgentResponse:
		env.Text = v.Text
	case ErrorFrame:
		env.Message = v.Message
	default:
		return nil, fmt.Errorf("transport: encode outbound frame: unhandled variant %T", f)
	}
	return json.Marshal(env)
}

// DecodeOutbound parses a single server frame. It is the client-side
// counterpart of EncodeOutbound; an unrecognized "event" yields an error
// satisfying errors.Is(err, ErrUnknownFrame).
func DecodeOutbound(data []byte) (Outbound, error) {
	var env outboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: decode outbound frame: %w", err)
	}
	switch env.Event {
	case "connected":
		return Connected{Message: env.Message, SessionID: env.SessionID}, nil
	case "play_audio":
		return PlayAudio{Audio: env.Audio}, nil
	case "stop_playback":
		return StopPlayback{Message: env.Message}, nil
	case "playback_resume":
		return PlaybackResume{}, nil
	case "playback_reset":
		return PlaybackReset{}, nil
	case "transcript":
		return Transcript{Text: env.Text}, nil
	case "agent_response":
		return AgentResponse{Text: env.Text}, nil
	case "error":
		return ErrorFrame{Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Event)
	}
}

// Sink delivers outbound frames to one connected client.
//
// Implementations must preserve submission order across concurrent Send calls
// and must not call back into the frame producer. Send blocks until the frame
// is handed to the underlying carrier or ctx is done.
type Sink interface {
	Send(ctx context.Context, frame Outbound) error
}
