package orchestrator

import (
	"context"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// runDecision is the single-flight classification task spawned by the STT
// worker after a transcript lands. It debounces briefly so rapid-fire
// fragments coalesce into one utterance, then decides between three outcomes:
//
//   - new input: reconcile history, invalidate the old generation and spawn
//     an agent runner (a real barge-in is just new input that happened to
//     arrive under an interruption);
//   - false alarm: the user only acknowledged ("uh-huh") or the blob was
//     silence while an interruption is live — resolve it per the resume
//     table without touching history;
//   - spurious trigger: empty utterance with no interruption to resolve.
//
// At most one decision task is live per session; the STT worker re-triggers
// after later appends.
func (o *Orchestrator) runDecision(ctx context.Context) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.decisionLive = false
		o.mu.Unlock()
	}()

	select {
	case <-time.After(o.cfg.DebounceInterval):
	case <-ctx.Done():
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Busy guard: while a runner is generating and no interruption has
	// paused it, new fragments wait for the next trigger.
	if o.agentStatus.busy() && o.interruption != InterruptionActive {
		o.log.Debug("decision deferred, agent busy", "agent", o.agentStatus)
		return
	}

	utterance := Merge(o.sttOutput)
	underInterruption := o.interruption != InterruptionIdle

	switch {
	case utterance == "" && underInterruption:
		o.log.Info("false alarm: silence under interruption")
		o.resolveFalseAlarmLocked(ctx, "silence")
	case utterance == "":
		o.log.Debug("decision task triggered with nothing to classify")
	case underInterruption && o.backchannels.IsBackchannel(utterance):
		o.log.Info("false alarm: backchannel", "utterance", utterance)
		o.resolveFalseAlarmLocked(ctx, "backchannel")
	default:
		o.log.Info("new input", "utterance", utterance, "under_interruption", underInterruption)
		o.history.Reconcile(utterance, underInterruption)
		o.startRunLocked(ctx)
	}
}

// startRunLocked invalidates everything the previous generation left in
// flight and spawns an agent runner against the current history. Also used by
// the pending-turn restart, which reruns the existing history without a new
// utterance. Must be called with o.mu held.
func (o *Orchestrator) startRunLocked(ctx context.Context) {
	o.sttOutput = nil
	if cleared := o.audioOut.Clear(); cleared > 0 {
		o.log.Debug("cleared superseded audio", "items", cleared)
	}
	// The generation bump is what retires a straggler runner: its queue
	// items turn stale and its status writes stop matching. The flag only
	// needs to be clean for the run spawned below.
	gen := o.generation.Add(1)
	o.agentCancel.Store(false)

	o.playbackStatus = PlaybackIdle
	o.agentStatus = AgentProcessing
	o.interruption = InterruptionIdle
	o.responseInProgress = false
	o.clientWasActiveBefore = false

	if o.runnersLive > 0 {
		o.log.Warn("previous agent runner still unwinding", "live", o.runnersLive)
	}
	o.runnersLive++

	snapshot := o.history.Turns()
	runCtx := o.runCtx // read directly, o.mu is already held
	if runCtx == nil {
		runCtx = context.Background()
	}
	o.wg.Add(1)
	go o.runAgent(runCtx, snapshot, gen)

	o.log.Info("agent run started", "generation", gen, "history_turns", len(snapshot))
}

// resolveFalseAlarmLocked applies the resume table. The playback status and
// the client-activity snapshot taken at speech start pick the row:
//
//	Paused, queue non-empty  → resume; playback Active
//	Paused, queue empty      → resume; playback Idle (client reports complete)
//	Idle, client was active  → resume; the client decides what that means
//	Idle, client was idle    → no resume; if a user turn is pending at the
//	                           history tail, reset client audio and rerun it
//	Active                   → nothing to do, playback already resumed
//
// Must be called with o.mu held. Interruption state is cleared on exit.
func (o *Orchestrator) resolveFalseAlarmLocked(ctx context.Context, cause string) {
	resolution := "none"
	defer func() {
		o.interruption = InterruptionIdle
		o.clientWasActiveBefore = false
		o.sttOutput = nil
		o.met.RecordFalseAlarm(ctx, cause, resolution)
	}()

	switch o.playbackStatus {
	case PlaybackPaused:
		o.send(ctx, transport.PlaybackResume{})
		if o.audioOut.HasItems() {
			o.playbackStatus = PlaybackActive
			resolution = "resume_active"
		} else {
			o.playbackStatus = PlaybackIdle
			resolution = "resume_idle"
		}
		o.clientPlaybackActive = true

	case PlaybackIdle:
		if o.clientWasActiveBefore {
			// The client was mid-playback when the onset arrived and has
			// since reported complete; it may still hold a paused tail.
			o.send(ctx, transport.PlaybackResume{})
			resolution = "resume_client"
			return
		}
		if tail, ok := o.history.Tail(); ok && tail.Role == types.RoleUser {
			// The interruption killed a run before any audio reached the
			// client, leaving the user's turn unanswered. The client still
			// retains stale audio from stop_playback and no resume will
			// follow, so discard it explicitly and rerun the pending turn.
			o.log.Info("pending user turn at history tail, restarting run",
				"audio_generation", o.audioGenTag.Load())
			o.send(ctx, transport.PlaybackReset{})
			o.startRunLocked(ctx)
			resolution = "restart"
			return
		}
		resolution = "noop"

	case PlaybackActive:
		// Already resumed elsewhere; nothing to emit.
		resolution = "noop"
	}
}
