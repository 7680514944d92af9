package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// sttWorker drains the STT-job queue: one utterance blob in, zero or one
// transcript fragments out. Blobs below the configured minimum size are
// treated as likely silence and skipped without a provider call. After every
// processed job the worker spawns a decision task if none is live — including
// for silent and skipped blobs, because an empty utterance is exactly what
// resolves a false-alarm interruption.
//
// The worker never cancels peer components: a transcription failure is logged,
// surfaced to the user as an error frame, and the loop continues.
func (o *Orchestrator) sttWorker(ctx context.Context) error {
	for {
		item, err := o.sttJobs.Get(ctx)
		if err != nil {
			return nil // session shutting down
		}
		blob := item.Payload

		if len(blob) < o.cfg.MinBlobBytes {
			o.log.Debug("skipping sub-threshold utterance blob",
				"bytes", len(blob), "min_bytes", o.cfg.MinBlobBytes)
			o.maybeSpawnDecision()
			continue
		}

		o.mu.Lock()
		o.sttStatus = STTProcessing
		o.mu.Unlock()

		start := time.Now()
		tctx, cancel := context.WithTimeout(ctx, o.cfg.STTTimeout)
		text, err := o.sttP.Transcribe(tctx, blob)
		cancel()
		o.met.ObserveSTTLatency(ctx, time.Since(start))
		o.met.RecordProviderRequest(ctx, o.sttP.Name(), "stt", callStatus(err))

		if err != nil {
			if isCancellation(err) {
				o.mu.Lock()
				o.sttStatus = STTIdle
				o.mu.Unlock()
				return nil
			}
			o.log.Warn("transcription failed", "provider", o.sttP.Name(), "err", err)
			o.met.RecordProviderError(ctx, o.sttP.Name(), "stt")
			o.mu.Lock()
			o.sttStatus = STTIdle
			o.send(ctx, transport.ErrorFrame{Message: "could not transcribe your audio"})
			o.mu.Unlock()
			continue
		}

		text = strings.TrimSpace(text)
		o.mu.Lock()
		o.sttStatus = STTIdle
		if text != "" {
			o.sttOutput = append(o.sttOutput, text)
			o.send(ctx, transport.Transcript{Text: text})
			o.log.Info("transcript appended", "text", text, "fragments", len(o.sttOutput))
		} else {
			o.log.Debug("transcription returned silence", "bytes", len(blob))
		}
		o.mu.Unlock()

		o.maybeSpawnDecision()
	}
}

// maybeSpawnDecision starts a decision task unless one is already live.
// Coalescing happens inside the task's debounce window: fragments appended
// while it sleeps are merged into the same classification.
func (o *Orchestrator) maybeSpawnDecision() {
	o.mu.Lock()
	if o.decisionLive {
		o.mu.Unlock()
		return
	}
	o.decisionLive = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runDecision(o.sessionCtx())
}
