package orchestrator

import (
	"context"
	"time"
)

// ttsWorker drains the text-stream queue, synthesizing one sentence at a
// time. Stale items are dropped before anything else — a sentinel from a
// superseded run must not terminate the current one. Synthesis failures drop
// the sentence and move on; the turn continues with the sentences that did
// succeed, and nothing is retried here (retries live in the provider
// fallback chain).
func (o *Orchestrator) ttsWorker(ctx context.Context) error {
	for {
		item, err := o.textStream.Get(ctx)
		if err != nil {
			return nil
		}

		if item.Generation != o.generation.Load() {
			o.log.Debug("dropping stale text item",
				"item_generation", item.Generation,
				"current_generation", o.generation.Load(),
				"sentinel", item.EndOfTurn)
			o.met.RecordStaleDrop(ctx, "tts")
			continue
		}

		if item.EndOfTurn {
			if err := o.audioOut.Put(ctx, Item[[]byte]{EndOfTurn: true, Generation: item.Generation}); err != nil {
				if !isCancellation(err) {
					o.log.Warn("sentinel forward failed", "err", err)
				}
				return nil
			}
			o.audioGenTag.Store(item.Generation)
			// The utterance is over; whatever follows is a new turn.
			o.mu.Lock()
			o.ttsStatus = TTSIdle
			o.mu.Unlock()
			o.log.Debug("sentinel forwarded to audio queue", "generation", item.Generation)
			continue
		}

		o.mu.Lock()
		o.ttsStatus = TTSProcessing
		o.mu.Unlock()

		start := time.Now()
		tctx, cancel := context.WithTimeout(ctx, o.cfg.TTSTimeout)
		audio, err := o.ttsP.Synthesize(tctx, item.Payload, o.cfg.Voice)
		cancel()
		o.met.ObserveTTSLatency(ctx, time.Since(start))
		o.met.RecordProviderRequest(ctx, o.ttsP.Name(), "tts", callStatus(err))
		if err != nil {
			o.mu.Lock()
			o.ttsStatus = TTSIdle
			o.mu.Unlock()
			if isCancellation(err) || ctx.Err() != nil {
				return nil
			}
			o.log.Warn("synthesis failed, sentence dropped",
				"err", err, "chars", len(item.Payload), "generation", item.Generation)
			o.met.RecordProviderError(ctx, o.ttsP.Name(), "tts")
			continue
		}

		// The sentence may have been superseded while we were synthesizing.
		if item.Generation != o.generation.Load() {
			o.mu.Lock()
			o.ttsStatus = TTSIdle
			o.mu.Unlock()
			o.log.Debug("dropping synthesized audio for stale generation",
				"item_generation", item.Generation)
			o.met.RecordStaleDrop(ctx, "tts")
			continue
		}

		if err := o.audioOut.Put(ctx, Item[[]byte]{Payload: audio, Generation: item.Generation}); err != nil {
			if !isCancellation(err) {
				o.log.Warn("audio push failed", "err", err)
			}
			return nil
		}
		o.audioGenTag.Store(item.Generation)

		o.mu.Lock()
		if o.textStream.HasItems() {
			o.ttsStatus = TTSStreaming
		} else {
			o.ttsStatus = TTSIdle
		}
		o.mu.Unlock()

		o.log.Debug("sentence synthesized",
			"chars", len(item.Payload), "audio_bytes", len(audio),
			"elapsed", time.Since(start), "generation", item.Generation)
	}
}
