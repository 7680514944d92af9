package orchestrator

import (
	"context"
	"encoding/base64"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// UserStartedSpeaking handles a speech_start frame: the client's VAD detected
// voice onset. If the whole pipeline is idle this is simply the start of a new
// turn and the handler returns; otherwise it runs the pause protocol:
//
// The client is told to stop playback (retaining its local queue for a
// possible resume), everything the current generation still has in flight is
// discarded, the agent runner and all registered tools are cancelled, and the
// session parks in interruption-Active until the decision task classifies the
// utterance that follows as a false alarm or real input.
func (o *Orchestrator) UserStartedSpeaking(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := o.statusLocked()
	o.log.Info("speech start",
		"stt", snap.STT, "agent", snap.Agent, "tts", snap.TTS,
		"playback", snap.Playback, "interruption", snap.Interruption,
		"client_playback_active", snap.ClientPlaybackActive,
		"response_in_progress", snap.ResponseInProgress,
		"generation", snap.Generation,
		"audio_generation", o.audioGenTag.Load())

	if snap.SystemIdle() {
		// New turn; the utterance blob will arrive via speech_end.
		return
	}
	if o.interruption != InterruptionIdle {
		// Already pausing or paused; a second onset changes nothing.
		o.log.Debug("speech start during live interruption ignored")
		return
	}

	o.interruption = InterruptionProcessing
	o.clientWasActiveBefore = o.clientPlaybackActive

	o.send(ctx, transport.StopPlayback{Message: "user started speaking"})

	clearedAudio := o.audioOut.Clear()
	droppedText := len(o.textStream.TryDrain())

	if o.agentStatus.busy() {
		o.agentCancel.Store(true)
	}
	cancelledTools := o.registry.CancelAll()

	o.sttOutput = nil
	droppedJobs := len(o.sttJobs.TryDrain())

	o.playbackStatus = PlaybackPaused
	o.clientPlaybackActive = false
	o.interruption = InterruptionActive

	o.met.RecordInterruption(ctx)
	o.log.Info("interruption active",
		"cleared_audio", clearedAudio,
		"dropped_sentences", droppedText,
		"dropped_stt_jobs", droppedJobs,
		"cancelled_tools", cancelledTools,
		"client_was_active", o.clientWasActiveBefore)
}

// UserStoppedSpeaking handles a speech_end frame: one complete utterance as a
// base64 blob. The blob is queued for transcription; the STT worker and the
// decision task take over from there. An undecodable payload is a protocol
// violation: logged and dropped.
func (o *Orchestrator) UserStoppedSpeaking(ctx context.Context, audioB64 string) {
	blob, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		o.log.Warn("speech_end carried undecodable audio, dropping frame", "err", err)
		return
	}

	item := Item[[]byte]{Payload: blob, Generation: o.generation.Load()}
	if err := o.sttJobs.Put(ctx, item); err != nil {
		if !isCancellation(err) {
			o.log.Warn("failed to enqueue utterance for transcription", "err", err)
		}
		return
	}
	o.log.Debug("utterance queued for transcription", "bytes", len(blob))
}

// ClientPlaybackStarted handles a client_playback_started frame. The client
// is the authority on its own playback; the server only mirrors it.
func (o *Orchestrator) ClientPlaybackStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clientPlaybackActive = true
	o.log.Debug("client playback started")
}

// ClientPlaybackComplete handles a client_playback_complete frame: the
// client's audio queue drained. This is the edge that retires a finished
// response — once the agent is idle the response is no longer in progress,
// and with nothing left in the audio queue playback returns to Idle. It is
// also how a paused session with an empty queue becomes idle, making the
// post-playback false-alarm resolutions reachable.
func (o *Orchestrator) ClientPlaybackComplete() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.clientPlaybackActive = false
	if o.agentStatus == AgentIdle {
		o.responseInProgress = false
	}
	if !o.audioOut.HasItems() {
		o.playbackStatus = PlaybackIdle
	}
	o.log.Debug("client playback complete",
		"playback", o.playbackStatus,
		"response_in_progress", o.responseInProgress)
}
