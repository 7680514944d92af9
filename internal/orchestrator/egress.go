package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// egressPump drains the audio-output queue onto the wire. It raises
// playback Idle → Active on the first chunk of a turn and otherwise leaves
// playback state alone: sentinels change nothing, and client_playback_active
// is owned entirely by the inbound playback events. A write failure here is
// fatal — if the carrier is gone the session is over.
func (o *Orchestrator) egressPump(ctx context.Context) error {
	for {
		item, err := o.audioOut.Get(ctx)
		if err != nil {
			return nil
		}

		if item.Generation != o.generation.Load() {
			o.log.Debug("dropping stale audio item",
				"item_generation", item.Generation,
				"current_generation", o.generation.Load(),
				"sentinel", item.EndOfTurn)
			o.met.RecordStaleDrop(ctx, "egress")
			continue
		}

		if item.EndOfTurn {
			o.log.Debug("turn audio fully emitted", "generation", item.Generation)
			continue
		}

		frame := transport.PlayAudio{Audio: base64.StdEncoding.EncodeToString(item.Payload)}
		if err := o.sink.Send(ctx, frame); err != nil {
			if isCancellation(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("egress write: %w", err)
		}
		o.met.RecordFrameOut(ctx, frame.Event())

		o.mu.Lock()
		if o.playbackStatus == PlaybackIdle {
			o.playbackStatus = PlaybackActive
		}
		o.mu.Unlock()

		o.log.Debug("audio chunk emitted",
			"bytes", len(item.Payload), "generation", item.Generation)
	}
}
