// Package orchestrator implements the per-session conversation core of the
// voice bot: a state machine and worker pipeline that mediates between a
// full-duplex client (VAD events and utterance audio in, synthesized audio
// out) and the STT, LLM and TTS collaborators.
//
// One Orchestrator owns one session. Three long-lived workers — STT, TTS and
// egress — move data through bounded queues, while a debounced decision task
// classifies each completed utterance as new input, real barge-in or false
// alarm, and an agent runner streams the LLM response sentence by sentence.
// Every queue item is stamped with the generation of the run that produced
// it; bumping the generation is how a new turn invalidates everything the
// previous one left in flight.
//
// Shared state (stage statuses, history, transcript fragments, flags) is
// guarded by a single per-session mutex. The agent cancel signal and the
// generation counter are atomics so the runner can poll them between tokens
// without taking the lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/observe"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/llm"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/stt"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/provider/tts"
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// Defaults applied by New for zero Config fields.
const (
	defaultMinBlobBytes   = 5000
	defaultDebounce       = 50 * time.Millisecond
	defaultSTTTimeout     = 10 * time.Second
	defaultLLMTimeout     = 30 * time.Second
	defaultTTSTimeout     = 10 * time.Second
	defaultSTTJobCap      = 8
	defaultTextStreamCap  = 50
	defaultAudioOutputCap = 20
	defaultCancelGrace    = 2 * time.Second

	// teardownGrace bounds the wait for decision and runner goroutines at
	// session close.
	teardownGrace = 2 * time.Second
)

// ToolBelt executes LLM-requested tool calls on behalf of the agent runner.
// Implementations must register every execution with the session's
// ToolRegistry before any observable side effect so an interruption can
// cancel it, and must honour ctx cancellation between steps.
type ToolBelt interface {
	// Definitions returns the tool set offered to the LLM.
	Definitions() []types.ToolDefinition

	// Invoke executes one tool call and returns its result payload. The error
	// return is for infrastructure failures; tool-level failures should be
	// encoded in the result string so the model can react to them.
	Invoke(ctx context.Context, reg *ToolRegistry, call types.ToolCall) (string, error)
}

// Config carries the per-session orchestration knobs. The zero value is
// usable: New fills in the documented defaults.
type Config struct {
	// SessionID identifies the session in logs and outbound frames.
	SessionID string

	// SystemPrompt is injected ahead of the conversation history on every
	// LLM request.
	SystemPrompt string

	// Voice is the TTS voice profile used for every synthesized sentence.
	Voice types.VoiceProfile

	// MinBlobBytes is the size below which an utterance blob is treated as
	// likely silence and skipped without transcription. Default 5000.
	MinBlobBytes int

	// DebounceInterval is how long the decision task waits for coalesced
	// transcripts before classifying. Default 50ms.
	DebounceInterval time.Duration

	// Per-call provider timeouts. Defaults: STT 10s, LLM 30s, TTS 10s.
	STTTimeout time.Duration
	LLMTimeout time.Duration
	TTSTimeout time.Duration

	// Queue capacities. Defaults: STT jobs 8, text stream 50, audio out 20.
	STTJobCap      int
	TextStreamCap  int
	AudioOutputCap int

	// BackchannelPhrases overrides the acknowledgement set consulted under
	// interruption. Empty means DefaultBackchannelPhrases.
	BackchannelPhrases []string

	// HistoryMaxTurns bounds the chat history with oldest-first eviction.
	// Zero or negative means unbounded.
	HistoryMaxTurns int

	// ToolCancelGrace bounds the registry drain at teardown. Default 2s.
	ToolCancelGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinBlobBytes <= 0 {
		c.MinBlobBytes = defaultMinBlobBytes
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = defaultDebounce
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = defaultSTTTimeout
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaultLLMTimeout
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = defaultTTSTimeout
	}
	if c.STTJobCap <= 0 {
		c.STTJobCap = defaultSTTJobCap
	}
	if c.TextStreamCap <= 0 {
		c.TextStreamCap = defaultTextStreamCap
	}
	if c.AudioOutputCap <= 0 {
		c.AudioOutputCap = defaultAudioOutputCap
	}
	if c.ToolCancelGrace <= 0 {
		c.ToolCancelGrace = defaultCancelGrace
	}
}

// Orchestrator is the conversation core for one client session.
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	log  *slog.Logger
	sink transport.Sink
	met  *observe.Metrics

	sttP stt.Provider
	llmP llm.Provider
	ttsP tts.Provider
	belt ToolBelt

	sttJobs    *Queue[[]byte]
	textStream *Queue[string]
	audioOut   *Queue[[]byte]

	registry     *ToolRegistry
	backchannels *BackchannelSet

	// generation invalidates in-flight pipeline output; agentCancel is polled
	// by the runner between tokens; audioGenTag records the generation of the
	// items most recently pushed to the audio queue, for diagnostics.
	generation  atomic.Uint64
	agentCancel atomic.Bool
	audioGenTag atomic.Uint64

	// wg tracks decision-task and agent-runner goroutines so teardown and
	// tests can synchronise with their exit.
	wg sync.WaitGroup

	mu                    sync.Mutex
	history               *History
	sttOutput             []string
	sttStatus             STTStatus
	agentStatus           AgentStatus
	ttsStatus             TTSStatus
	playbackStatus        PlaybackStatus
	interruption          InterruptionStatus
	clientPlaybackActive  bool
	clientWasActiveBefore bool
	responseInProgress    bool
	decisionLive          bool
	runnersLive           int
	runCtx                context.Context
	cancelRun             context.CancelFunc
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithLogger sets the session logger. The default is slog.Default() with a
// session_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics instruments. The default records through the
// global meter provider, which is a no-op unless the telemetry SDK was
// installed.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.met = m }
}

// WithToolBelt equips the session with a tool executor. Without one, the LLM
// is offered no tools and any tool call it invents is answered with an error
// result.
func WithToolBelt(b ToolBelt) Option {
	return func(o *Orchestrator) { o.belt = b }
}

// New creates an Orchestrator for one session. The sink and the three
// providers are required; tools are optional.
func New(cfg Config, sink transport.Sink, sttP stt.Provider, llmP llm.Provider, ttsP tts.Provider, opts ...Option) (*Orchestrator, error) {
	if sink == nil {
		return nil, errors.New("orchestrator: sink is required")
	}
	if sttP == nil || llmP == nil || ttsP == nil {
		return nil, errors.New("orchestrator: STT, LLM and TTS providers are required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:          cfg,
		sink:         sink,
		sttP:         sttP,
		llmP:         llmP,
		ttsP:         ttsP,
		sttJobs:      NewQueue[[]byte](cfg.STTJobCap),
		textStream:   NewQueue[string](cfg.TextStreamCap),
		audioOut:     NewQueue[[]byte](cfg.AudioOutputCap),
		registry:     NewToolRegistry(),
		backchannels: NewBackchannelSet(cfg.BackchannelPhrases),
		history:      NewHistory(cfg.HistoryMaxTurns),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default().With("session_id", cfg.SessionID)
	}
	if o.met == nil {
		o.met = observe.DefaultMetrics()
	}
	return o, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Run starts the STT, TTS and egress workers and blocks until ctx is
// cancelled or a carrier write fails. It must be called exactly once; inbound
// events may be handled as soon as it has been started.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	o.mu.Lock()
	if o.runCtx != nil {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: Run called twice", ErrStateViolation)
	}
	o.runCtx = gctx
	o.cancelRun = cancel
	o.mu.Unlock()
	defer cancel()

	g.Go(func() error { return o.sttWorker(gctx) })
	g.Go(func() error { return o.ttsWorker(gctx) })
	g.Go(func() error { return o.egressPump(gctx) })

	err := g.Wait()
	o.teardown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close cancels the session: workers unblock, the live runner and decision
// task stop, and Run returns after teardown. Safe to call multiple times and
// before Run.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until all decision-task and agent-runner goroutines have
// finished. Primarily useful in tests to synchronise before inspecting state.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// teardown runs after the workers exit: cancels in-flight tools, closes the
// queues and waits briefly for background tasks.
func (o *Orchestrator) teardown() {
	o.agentCancel.Store(true)

	if !o.registry.Drain(o.cfg.ToolCancelGrace) {
		o.log.Warn("tool executions outlived the cancel grace window",
			"active", len(o.registry.Active()))
	}

	o.sttJobs.Close()
	o.textStream.Close()
	o.audioOut.Close()
	o.sttJobs.TryDrain()
	o.textStream.TryDrain()
	o.audioOut.TryDrain()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(teardownGrace):
		o.log.Warn("background tasks did not stop within the teardown grace window")
	}
	o.log.Info("session closed")
}

// ─── Inbound dispatch ─────────────────────────────────────────────────────────

// HandleFrame routes one decoded inbound frame to its handler. Unknown
// variants are logged and dropped.
func (o *Orchestrator) HandleFrame(ctx context.Context, frame transport.Inbound) {
	o.met.RecordFrameIn(ctx, frame.Type())
	switch f := frame.(type) {
	case transport.SpeechStart:
		o.UserStartedSpeaking(ctx)
	case transport.SpeechEnd:
		o.UserStoppedSpeaking(ctx, f.Audio)
	case transport.ClientPlaybackStarted:
		o.ClientPlaybackStarted()
	case transport.ClientPlaybackComplete:
		o.ClientPlaybackComplete()
	default:
		o.log.Warn("dropping unhandled inbound frame", "type", frame.Type())
	}
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Status returns a consistent snapshot of the session's stage statuses,
// flags, generation and queue depths.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

// SystemIdle reports whether the whole pipeline is quiescent: every stage
// Idle, the client not playing and no response pending.
func (o *Orchestrator) SystemIdle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked().SystemIdle()
}

// History returns a copy of the session's chat history, oldest turn first.
func (o *Orchestrator) History() []types.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Turns()
}

// Registry returns the session's tool registry.
func (o *Orchestrator) Registry() *ToolRegistry {
	return o.registry
}

func (o *Orchestrator) statusLocked() Status {
	return Status{
		STT:                  o.sttStatus,
		Agent:                o.agentStatus,
		TTS:                  o.ttsStatus,
		Playback:             o.playbackStatus,
		Interruption:         o.interruption,
		ClientPlaybackActive: o.clientPlaybackActive,
		ResponseInProgress:   o.responseInProgress,
		Generation:           o.generation.Load(),
		STTJobDepth:          o.sttJobs.Len(),
		TextQueueDepth:       o.textStream.Len(),
		AudioDepth:           o.audioOut.Len(),
	}
}

// ─── Outbound helper ──────────────────────────────────────────────────────────

// send delivers one outbound frame. A carrier failure is fatal for the
// session: it is logged and the session context is cancelled, which unwinds
// the workers and Run.
func (o *Orchestrator) send(ctx context.Context, frame transport.Outbound) {
	if err := o.sink.Send(ctx, frame); err != nil {
		if isCancellation(err) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		o.log.Error("outbound frame failed, closing session", "event", frame.Event(), "err", err)
		_ = o.Close()
		return
	}
	o.met.RecordFrameOut(ctx, frame.Event())
}

// sessionCtx returns the context background tasks should run under: the Run
// context when live, otherwise context.Background() so direct handler calls
// in tests still work before Run.
func (o *Orchestrator) sessionCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}
