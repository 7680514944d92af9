package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
	sinkmock "github.com/siddhartha9/interruption-aware-voice-bot/internal/transport/mock"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	llmmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm/mock"
	sttmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt/mock"
	ttsmock "github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts/mock"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

const waitTimeout = 2 * time.Second

// fixture wires an Orchestrator to mock providers and a mock sink, runs it on
// a private context and tears it down with the test. The TTS mock echoes its
// input text as audio bytes, so play_audio payloads decode back to the
// sentence that produced them.
type fixture struct {
	t    *testing.T
	o    *Orchestrator
	sink *sinkmock.Sink
	stt  *sttmock.Provider
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	opts []Option

	cancel context.CancelFunc
	done   chan error
}

func newFixture(t *testing.T, cfg Config, configure func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		sink: &sinkmock.Sink{},
		stt:  &sttmock.Provider{},
		llm:  &llmmock.Provider{},
		tts:  &ttsmock.Provider{},
	}
	if configure != nil {
		configure(f)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "test-session"
	}
	if cfg.MinBlobBytes == 0 {
		cfg.MinBlobBytes = 16
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 5 * time.Millisecond
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg, f.sink, f.stt, f.llm, f.tts,
		append([]Option{WithLogger(logger)}, f.opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.o = o

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- o.Run(ctx) }()

	deadline := time.Now().Add(waitTimeout)
	for o.sessionCtx() == context.Background() {
		if time.Now().After(deadline) {
			t.Fatal("Run never initialised the session context")
		}
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-f.done:
			if err != nil {
				t.Errorf("Run returned %v on shutdown", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not shut down in time")
		}
	})
	return f
}

func audioBlob(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func (f *fixture) speechStart() {
	f.o.HandleFrame(context.Background(), transport.SpeechStart{})
}

func (f *fixture) speechEnd(blobBytes int) {
	f.o.HandleFrame(context.Background(), transport.SpeechEnd{Audio: audioBlob(blobBytes)})
}

func (f *fixture) playbackStarted() {
	f.o.HandleFrame(context.Background(), transport.ClientPlaybackStarted{})
}

func (f *fixture) playbackComplete() {
	f.o.HandleFrame(context.Background(), transport.ClientPlaybackComplete{})
}

func (f *fixture) waitStatus(what string, pred func(Status) bool) Status {
	f.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		st := f.o.Status()
		if pred(st) {
			return st
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %s; status %+v", what, st)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) waitAgentIdle() {
	f.t.Helper()
	f.waitStatus("agent idle", func(s Status) bool { return s.Agent == AgentIdle })
}

// waitSystemIdle waits for quiescence and then checks what quiescence
// promises: empty queues and an empty tool registry.
func (f *fixture) waitSystemIdle() {
	f.t.Helper()
	st := f.waitStatus("system idle", func(s Status) bool { return s.SystemIdle() })
	if st.STTJobDepth != 0 || st.TextQueueDepth != 0 || st.AudioDepth != 0 {
		f.t.Fatalf("system idle with queued work: %+v", st)
	}
	if active := f.o.Registry().Active(); len(active) != 0 {
		f.t.Fatalf("system idle with registered tools: %+v", active)
	}
}

func (f *fixture) waitEvent(event string) transport.Outbound {
	f.t.Helper()
	frame, ok := f.sink.WaitForEvent(event, waitTimeout)
	if !ok {
		f.t.Fatalf("timed out waiting for %q frame; events so far: %v", event, f.sink.Events())
	}
	return frame
}

// waitPlayAudio waits for a play_audio frame whose payload decodes to exactly
// content.
func (f *fixture) waitPlayAudio(content string) {
	f.t.Helper()
	_, ok := f.sink.WaitFor(waitTimeout, func(fr transport.Outbound) bool {
		pa, isPA := fr.(transport.PlayAudio)
		if !isPA {
			return false
		}
		raw, err := base64.StdEncoding.DecodeString(pa.Audio)
		return err == nil && string(raw) == content
	})
	if !ok {
		f.t.Fatalf("no play_audio carrying %q; events so far: %v", content, f.sink.Events())
	}
}

func (f *fixture) waitRegistrySize(n int) {
	f.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for len(f.o.Registry().Active()) != n {
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %d registry entries; have %+v",
				n, f.o.Registry().Active())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) assertHistory(want []types.Turn) {
	f.t.Helper()
	got := f.o.History()
	if !reflect.DeepEqual(got, want) {
		f.t.Fatalf("history = %+v, want %+v", got, want)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Role == got[i-1].Role {
			f.t.Fatalf("adjacent turns %d and %d share role %q", i-1, i, got[i].Role)
		}
	}
}

func releaseOne(t *testing.T, release chan struct{}) {
	t.Helper()
	select {
	case release <- struct{}{}:
	case <-time.After(waitTimeout):
		t.Fatal("no stream consumed the chunk release")
	}
}

// ─── End-to-end turns ─────────────────────────────────────────────────────────

func TestCleanTurn(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Transcript = "what is the weather"
		f.llm.Script = [][]llm.Chunk{{
			{Text: "It"}, {Text: " is"}, {Text: " sunny."}, {FinishReason: llm.FinishStop},
		}}
	})

	f.speechStart() // system idle: a new turn, not an interruption
	f.speechEnd(64)

	tr := f.waitEvent("transcript")
	if got := tr.(transport.Transcript).Text; got != "what is the weather" {
		t.Fatalf("transcript = %q, want the recognized utterance", got)
	}

	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()

	resp := f.waitEvent("agent_response")
	if got := resp.(transport.AgentResponse).Text; got != "It is sunny." {
		t.Fatalf("agent_response = %q", got)
	}

	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "what is the weather"},
		{Role: types.RoleAgent, Content: "It is sunny."},
	})

	if n := f.sink.Count("play_audio"); n != 1 {
		t.Fatalf("play_audio count = %d, want 1", n)
	}
	if f.sink.Count("stop_playback") != 0 || f.sink.Count("playback_reset") != 0 {
		t.Fatalf("clean turn emitted pause frames: %v", f.sink.Events())
	}

	calls := f.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(calls))
	}
	wantMsgs := []types.Message{{Role: "user", Content: "what is the weather"}}
	if !reflect.DeepEqual(calls[0].Req.Messages, wantMsgs) {
		t.Fatalf("llm request messages = %+v, want %+v", calls[0].Req.Messages, wantMsgs)
	}
}

func TestBargeInMidStream(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"what is the weather", "actually tell me a joke"}
		f.llm.Release = release
		f.llm.Script = [][]llm.Chunk{
			{{Text: "It is sunny."}, {Text: " The wind is calm."}, {FinishReason: llm.FinishStop}},
			{{Text: "Knock knock."}, {FinishReason: llm.FinishStop}},
		}
	})

	f.speechStart()
	f.speechEnd(64)

	releaseOne(t, release) // first sentence through, the rest held
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.waitStatus("agent streaming", func(s Status) bool { return s.Agent == AgentStreaming })

	// Barge-in while streaming and audible.
	f.speechStart()
	f.waitEvent("stop_playback")
	st := f.o.Status()
	if st.Interruption != InterruptionActive || st.Playback != PlaybackPaused {
		t.Fatalf("after barge-in: interruption=%v playback=%v, want Active/Paused",
			st.Interruption, st.Playback)
	}
	if st.ClientPlaybackActive {
		t.Fatal("client playback flag should drop with stop_playback")
	}

	close(release) // the cancelled stream unblocks and unwinds
	f.speechEnd(64)

	f.waitPlayAudio("Knock knock.")
	f.playbackStarted()
	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "what is the weather actually tell me a joke"},
		{Role: types.RoleAgent, Content: "Knock knock."},
	})

	// The cancelled sentence fragment must never surface as audio.
	for _, fr := range f.sink.Frames() {
		if pa, ok := fr.(transport.PlayAudio); ok {
			raw, _ := base64.StdEncoding.DecodeString(pa.Audio)
			if strings.Contains(string(raw), "wind") {
				t.Fatalf("cancelled partial sentence leaked into playback: %q", raw)
			}
		}
	}
	if n := f.sink.Count("stop_playback"); n != 1 {
		t.Fatalf("stop_playback count = %d, want 1", n)
	}
	if n := f.sink.Count("playback_reset"); n != 0 {
		t.Fatalf("real barge-in emitted playback_reset %d times, want 0", n)
	}

	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	msgs := calls[1].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "what is the weather actually tell me a joke" {
		t.Fatalf("rerun request = %+v, want the single amended user turn", msgs)
	}
}

// ─── False alarms (resume table) ──────────────────────────────────────────────

func TestFalseAlarmBackchannelDuringPlayback(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"tell me a story", "uh-huh"}
		f.llm.Script = [][]llm.Chunk{{
			{Text: "One."}, {Text: " Two."}, {Text: " Three."}, {FinishReason: llm.FinishStop},
		}}
		f.tts.Delay = 200 * time.Millisecond
		f.sink.Hold("play_audio", 1)
	})

	f.speechStart()
	f.speechEnd(64)

	f.waitPlayAudio("One.")
	f.playbackStarted()

	// "Two." is recorded when the egress pump wedges in the held Send. At
	// that moment "Three." is mid-synthesis, so its audio lands after the
	// pause clears the queues — the tolerated drain of a still-current
	// generation — and stays queued behind the wedged pump.
	f.waitPlayAudio("Two.")
	f.speechStart()
	f.waitEvent("stop_playback")
	f.waitStatus("late synthesis queued", func(s Status) bool { return s.AudioDepth >= 1 })

	f.speechEnd(64) // "uh-huh"

	f.waitEvent("playback_resume")
	st := f.waitStatus("interruption resolved", func(s Status) bool {
		return s.Interruption == InterruptionIdle
	})
	if st.Playback != PlaybackActive {
		t.Fatalf("playback = %v, want Active (audio still queued)", st.Playback)
	}
	if !st.ClientPlaybackActive {
		t.Fatal("resume must mark client playback active")
	}
	if st.Generation != 1 {
		t.Fatalf("generation = %d, want 1 (no new run)", st.Generation)
	}

	f.sink.Release("play_audio")
	f.waitPlayAudio("Three.")

	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	if n := len(f.llm.Calls()); n != 1 {
		t.Fatalf("llm calls = %d, want 1 (false alarm must not regenerate)", n)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "tell me a story"},
		{Role: types.RoleAgent, Content: "One. Two. Three."},
	})
}

func TestFalseAlarmAfterAudioDrained(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"what is the weather", "mm-hmm"}
		f.llm.Script = [][]llm.Chunk{{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}}}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.waitAgentIdle()

	// The queue has drained but the client is still playing: the pause
	// leaves playback Paused over an empty queue.
	f.speechStart()
	f.waitEvent("stop_playback")
	f.speechEnd(64) // "mm-hmm"

	f.waitEvent("playback_resume")
	st := f.waitStatus("interruption resolved", func(s Status) bool {
		return s.Interruption == InterruptionIdle
	})
	if st.Playback != PlaybackIdle {
		t.Fatalf("playback = %v, want Idle (nothing queued, client will report complete)", st.Playback)
	}
	if !st.ClientPlaybackActive {
		t.Fatal("resume must hand playback back to the client")
	}
	if st.Generation != 1 {
		t.Fatalf("generation = %d, want 1", st.Generation)
	}

	f.playbackComplete()
	f.waitSystemIdle()

	if n := len(f.llm.Calls()); n != 1 {
		t.Fatalf("llm calls = %d, want 1", n)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "what is the weather"},
		{Role: types.RoleAgent, Content: "It is sunny."},
	})
}

func TestFalseAlarmClientFinishedDuringInterruption(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"what is the weather", "mm-hmm"}
		f.llm.Script = [][]llm.Chunk{{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}}}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.waitAgentIdle()

	f.speechStart()
	f.waitEvent("stop_playback")

	// The client finishes its retained audio while the interruption is being
	// classified: playback falls Idle with the was-active snapshot intact.
	f.playbackComplete()
	f.waitStatus("playback idle", func(s Status) bool { return s.Playback == PlaybackIdle })

	f.speechEnd(64) // "mm-hmm"

	f.waitEvent("playback_resume")
	st := f.waitStatus("interruption resolved", func(s Status) bool {
		return s.Interruption == InterruptionIdle
	})
	if st.Playback != PlaybackIdle {
		t.Fatalf("playback = %v, want Idle (the client decides what resume means)", st.Playback)
	}
	if st.ClientPlaybackActive {
		t.Fatal("resume-to-finished-client must not claim the client is playing")
	}

	f.waitSystemIdle()

	if n := len(f.llm.Calls()); n != 1 {
		t.Fatalf("llm calls = %d, want 1", n)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "what is the weather"},
		{Role: types.RoleAgent, Content: "It is sunny."},
	})
}

func TestFalseAlarmRestartsPendingTurn(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"what is the weather", "uh-huh"}
		f.llm.Release = release
		f.llm.Script = [][]llm.Chunk{
			{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}},
			{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}},
		}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitStatus("run started", func(s Status) bool {
		return s.Agent == AgentProcessing && s.ResponseInProgress
	})

	// Interrupt before the first token: no audio exists yet and the client
	// never started playing.
	f.speechStart()
	f.waitEvent("stop_playback")
	close(release) // the cancelled runner unblocks and unwinds
	f.waitAgentIdle()

	// The client acknowledges the stop with a completion report.
	f.playbackComplete()
	f.waitStatus("playback idle", func(s Status) bool { return s.Playback == PlaybackIdle })

	f.speechEnd(64) // "uh-huh": a backchannel, but a user turn is stranded

	f.waitEvent("playback_reset")
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2 (pending turn rerun)", len(calls))
	}
	msgs := calls[1].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "what is the weather" {
		t.Fatalf("rerun request = %+v, want the stranded user turn, without the backchannel", msgs)
	}

	st := f.o.Status()
	if st.Generation != 2 {
		t.Fatalf("generation = %d, want 2", st.Generation)
	}
	if n := f.sink.Count("playback_reset"); n != 1 {
		t.Fatalf("playback_reset count = %d, want 1", n)
	}
	if n := f.sink.Count("playback_resume"); n != 0 {
		t.Fatalf("restart must not emit playback_resume, got %d", n)
	}

	// The rerun ends exactly where a clean turn would have.
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "what is the weather"},
		{Role: types.RoleAgent, Content: "It is sunny."},
	})
}

// ─── Tools ────────────────────────────────────────────────────────────────────

// stubBelt is a minimal ToolBelt: every invocation registers itself, then
// works for block (or until cancelled) and returns the scripted result.
type stubBelt struct {
	defs    []types.ToolDefinition
	results map[string]string
	block   time.Duration
	calls   atomic.Int32
}

func (b *stubBelt) Definitions() []types.ToolDefinition { return b.defs }

func (b *stubBelt) Invoke(ctx context.Context, reg *ToolRegistry, call types.ToolCall) (string, error) {
	b.calls.Add(1)
	epoch := reg.Epoch()
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	id := reg.Register(call.Name, epoch, cancel, map[string]string{"call_id": call.ID})
	defer func() { _ = reg.Unregister(id) }()

	select {
	case <-tctx.Done():
		return "", tctx.Err()
	case <-time.After(b.block):
		return b.results[call.Name], nil
	}
}

func TestToolRoundFeedsResultBack(t *testing.T) {
	belt := &stubBelt{
		defs:    []types.ToolDefinition{{Name: "check_account_balance", Description: "returns the balance"}},
		results: map[string]string{"check_account_balance": "balance: 100"},
		block:   time.Millisecond,
	}
	f := newFixture(t, Config{}, func(f *fixture) {
		f.opts = append(f.opts, WithToolBelt(belt))
		f.stt.Transcript = "check my balance"
		f.llm.Script = [][]llm.Chunk{
			{
				{Text: "Let me check."},
				{FinishReason: llm.FinishToolCalls, ToolCalls: []types.ToolCall{
					{ID: "t1", Name: "check_account_balance", Arguments: "{}"},
				}},
			},
			{{Text: " Your balance is 100."}, {FinishReason: llm.FinishStop}},
		}
	})

	f.speechStart()
	f.speechEnd(64)

	f.waitPlayAudio("Let me check.")
	f.waitPlayAudio("Your balance is 100.")
	f.playbackStarted()
	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	if n := belt.calls.Load(); n != 1 {
		t.Fatalf("tool invoked %d times, want 1", n)
	}

	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2 (tool round)", len(calls))
	}
	if len(calls[0].Req.Tools) != 1 || calls[0].Req.Tools[0].Name != "check_account_balance" {
		t.Fatalf("offered tools = %+v", calls[0].Req.Tools)
	}
	msgs := calls[1].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("second round messages = %+v, want user + assistant + tool", msgs)
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("assistant tool-call turn = %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "balance: 100" || msgs[2].ToolCallID != "t1" {
		t.Fatalf("tool result turn = %+v", msgs[2])
	}

	// Sentence batching spans the rounds: one response, both sentences.
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "check my balance"},
		{Role: types.RoleAgent, Content: "Let me check. Your balance is 100."},
	})
}

func TestToolCancelledByInterruption(t *testing.T) {
	belt := &stubBelt{
		defs:  []types.ToolDefinition{{Name: "check_account_balance"}},
		block: 5 * time.Second, // would far outlive the test if not cancelled
	}
	f := newFixture(t, Config{}, func(f *fixture) {
		f.opts = append(f.opts, WithToolBelt(belt))
		f.stt.Script = []string{"check my balance", "never mind tell me a joke"}
		f.llm.Script = [][]llm.Chunk{
			{
				{Text: "Let me check."},
				{FinishReason: llm.FinishToolCalls, ToolCalls: []types.ToolCall{
					{ID: "t1", Name: "check_account_balance", Arguments: "{}"},
				}},
			},
			{{Text: "Knock knock."}, {FinishReason: llm.FinishStop}},
		}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitPlayAudio("Let me check.")
	f.playbackStarted()
	f.waitRegistrySize(1)

	f.speechStart() // interruption cancels all registered tools
	f.waitEvent("stop_playback")
	f.waitRegistrySize(0) // the body observes its signal and releases

	f.speechEnd(64)
	f.waitPlayAudio("Knock knock.")
	f.playbackStarted()
	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	if n := belt.calls.Load(); n != 1 {
		t.Fatalf("tool invoked %d times, want 1 (no re-invoke after cancel)", n)
	}
	calls := f.llm.Calls()
	if len(calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(calls))
	}
	msgs := calls[1].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "check my balance never mind tell me a joke" {
		t.Fatalf("rerun request = %+v, want single amended user turn", msgs)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "check my balance never mind tell me a joke"},
		{Role: types.RoleAgent, Content: "Knock knock."},
	})
}

// ─── Classification edges ─────────────────────────────────────────────────────

func TestBackchannelWhileIdleIsNewInput(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Transcript = "okay"
		f.llm.Script = [][]llm.Chunk{{{Text: "Okay to you too."}, {FinishReason: llm.FinishStop}}}
	})

	f.speechStart() // idle: no interruption machinery involved
	f.speechEnd(64)

	f.waitPlayAudio("Okay to you too.")
	f.playbackStarted()
	f.waitAgentIdle()
	f.playbackComplete()
	f.waitSystemIdle()

	if f.sink.Count("stop_playback") != 0 {
		t.Fatal("idle speech start must not pause anything")
	}
	if n := len(f.llm.Calls()); n != 1 {
		t.Fatalf("llm calls = %d, want 1 (backchannel screening only applies under interruption)", n)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "okay"},
		{Role: types.RoleAgent, Content: "Okay to you too."},
	})
}

func TestSubThresholdBlobIsSilence(t *testing.T) {
	f := newFixture(t, Config{MinBlobBytes: 1000}, func(f *fixture) {
		f.stt.Transcript = "should never be produced"
	})

	f.speechStart()
	f.speechEnd(10) // below the threshold
	time.Sleep(50 * time.Millisecond)

	if n := len(f.stt.Calls()); n != 0 {
		t.Fatalf("stt called %d times for a sub-threshold blob, want 0", n)
	}
	if n := f.sink.Count("transcript"); n != 0 {
		t.Fatalf("transcript frames = %d, want 0", n)
	}
	if n := len(f.o.History()); n != 0 {
		t.Fatalf("history mutated by silence: %+v", f.o.History())
	}
	if n := len(f.llm.Calls()); n != 0 {
		t.Fatalf("llm calls = %d, want 0", n)
	}
	if !f.o.SystemIdle() {
		t.Fatalf("system not idle after silence: %+v", f.o.Status())
	}
}

func TestDoubleSpeechStartSecondIsNoop(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"what is the weather", "mm-hmm"}
		f.llm.Script = [][]llm.Chunk{{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}}}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.waitAgentIdle()

	f.speechStart()
	f.speechStart() // rapid second onset: already interrupting
	f.waitEvent("stop_playback")
	time.Sleep(20 * time.Millisecond)

	if n := f.sink.Count("stop_playback"); n != 1 {
		t.Fatalf("stop_playback count = %d, want 1 (second onset is a no-op)", n)
	}

	// The session still resolves normally.
	f.speechEnd(64) // "mm-hmm"
	f.waitEvent("playback_resume")
	f.playbackComplete()
	f.waitSystemIdle()
}

// ─── Backpressure and teardown ────────────────────────────────────────────────

func TestBlockedSentencePushReleasedByInterruption(t *testing.T) {
	f := newFixture(t, Config{TextStreamCap: 1}, func(f *fixture) {
		f.stt.Transcript = "talk a lot"
		f.tts.Delay = 10 * time.Second // pin synthesis on the first sentence
		f.llm.Script = [][]llm.Chunk{{
			{Text: "A."}, {Text: " B."}, {Text: " C."}, {Text: " D."}, {FinishReason: llm.FinishStop},
		}}
	})

	f.speechStart()
	f.speechEnd(64)

	// TTS holds "A.", "B." fills the one-slot queue, the runner wedges
	// pushing "C.".
	f.waitStatus("runner wedged on a full queue", func(s Status) bool {
		return s.TextQueueDepth == 1 && s.TTS == TTSProcessing
	})

	f.speechStart() // the drain frees the slot; the cancel check unwinds the runner
	f.waitEvent("stop_playback")
	f.waitAgentIdle()

	if n := f.sink.Count("play_audio"); n != 0 {
		t.Fatalf("play_audio count = %d, want 0 (synthesis was pinned)", n)
	}
	if n := len(f.llm.Calls()); n != 1 {
		t.Fatalf("llm calls = %d, want 1", n)
	}
}

func TestDisconnectDuringInterruption(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Transcript = "what is the weather"
		f.llm.Script = [][]llm.Chunk{{{Text: "It is sunny."}, {FinishReason: llm.FinishStop}}}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitPlayAudio("It is sunny.")
	f.playbackStarted()
	f.speechStart()
	f.waitEvent("stop_playback")

	// The client vanishes before speech_end ever arrives.
	f.cancel()
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("Run = %v, want clean teardown", err)
		}
		f.done <- nil // let the fixture cleanup observe the result too
	case <-time.After(5 * time.Second):
		t.Fatal("teardown hung after disconnect mid-interruption")
	}
	if active := f.o.Registry().Active(); len(active) != 0 {
		t.Fatalf("registry not drained at teardown: %+v", active)
	}
}

func TestRunTwiceFails(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if err := f.o.Run(context.Background()); !errors.Is(err, ErrStateViolation) {
		t.Fatalf("second Run = %v, want ErrStateViolation", err)
	}
}

// ─── Provider failures ────────────────────────────────────────────────────────

func TestSTTFailureEmitsErrorFrame(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.TranscribeErr = errors.New("upstream 500")
	})

	f.speechStart()
	f.speechEnd(64)

	fr := f.waitEvent("error")
	if got := fr.(transport.ErrorFrame).Message; got != "could not transcribe your audio" {
		t.Fatalf("error message = %q", got)
	}
	f.waitSystemIdle()

	if n := len(f.llm.Calls()); n != 0 {
		t.Fatalf("llm calls = %d, want 0", n)
	}
	if n := len(f.o.History()); n != 0 {
		t.Fatalf("history = %+v, want empty", f.o.History())
	}
	if n := f.sink.Count("transcript"); n != 0 {
		t.Fatalf("transcript frames = %d, want 0", n)
	}
}

func TestLLMStartFailureEmitsErrorFrame(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Transcript = "hello there"
		f.llm.StreamErr = errors.New("401 unauthorized")
	})

	f.speechStart()
	f.speechEnd(64)

	f.waitEvent("error")
	f.waitSystemIdle() // the failed run must not leave a response pending

	if n := f.sink.Count("play_audio"); n != 0 {
		t.Fatalf("play_audio count = %d, want 0", n)
	}
	f.assertHistory([]types.Turn{
		{Role: types.RoleUser, Content: "hello there"},
	})
}

func TestTTSFailureDropsSentencesSilently(t *testing.T) {
	f := newFixture(t, Config{}, func(f *fixture) {
		f.stt.Script = []string{"tell me things", "more please now"}
		f.tts.SynthesizeErr = errors.New("voice api down")
		f.llm.Script = [][]llm.Chunk{
			{{Text: "First."}, {Text: " Second."}, {FinishReason: llm.FinishStop}},
			{{Text: "Third."}, {FinishReason: llm.FinishStop}},
		}
	})

	f.speechStart()
	f.speechEnd(64)
	f.waitEvent("agent_response")
	f.waitAgentIdle()

	if n := f.sink.Count("play_audio"); n != 0 {
		t.Fatalf("play_audio count = %d, want 0", n)
	}
	if n := f.sink.Count("error"); n != 0 {
		t.Fatalf("error frames = %d, want 0 (synthesis failures are silent)", n)
	}
	// No audio ever reaches the client, so no completion report arrives and
	// the response stays pending until the next utterance.
	if f.o.SystemIdle() {
		t.Fatal("system reported idle with an undelivered response")
	}

	// The next utterance recovers the session: the onset pauses, the new
	// input reconciles away the unheard agent turn and generates afresh.
	f.speechStart()
	f.waitEvent("stop_playback")
	f.speechEnd(64)

	deadline := time.Now().Add(waitTimeout)
	for len(f.llm.Calls()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("llm calls = %d, want 2", len(f.llm.Calls()))
		}
		time.Sleep(2 * time.Millisecond)
	}
	msgs := f.llm.Calls()[1].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "tell me things more please now" {
		t.Fatalf("recovery request = %+v, want the unheard agent turn dropped and the user turn amended", msgs)
	}
}
