// Command loadtest drives synthetic full-duplex conversations against a
// running voicebot server and reports turn latency and accuracy statistics.
//
// It speaks the same JSON WebSocket protocol as a real client: VAD markers and
// base64 utterance blobs in, playback frames out. Three scenarios cover the
// paths that matter for interruption handling:
//
//	clean       speak, wait for the full response, acknowledge playback
//	bargein     interrupt mid-playback with a fresh utterance
//	falsealarm  interrupt mid-playback, then send a sub-threshold blob so
//	            the server rules it a false alarm and resumes the response
//
// The mixed scenario rotates through all three. Run against mock providers
// for protocol soak testing, or against real providers for end-to-end latency
// numbers. With -expect set, transcripts are scored against the expected text
// by Jaro-Winkler similarity, which is handy when the STT input is a known
// recording.
//
// Usage:
//
//	loadtest -url ws://localhost:8080/ws -sessions 8 -turns 20 -scenario mixed
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// tinyBlobBytes is deliberately below any sane stt.min_blob_bytes so the
// server classifies the utterance as silence.
const tinyBlobBytes = 16

const dialTimeout = 10 * time.Second

type scenarioKind string

const (
	scenarioClean      scenarioKind = "clean"
	scenarioBargeIn    scenarioKind = "bargein"
	scenarioFalseAlarm scenarioKind = "falsealarm"
	scenarioMixed      scenarioKind = "mixed"
)

// runConfig carries the per-turn parameters shared by every session.
type runConfig struct {
	url         string
	turns       int
	scenario    scenarioKind
	expect      string
	audio       string // base64 utterance blob
	tinyAudio   string // base64 blob below the silence threshold
	turnTimeout time.Duration
	quietWindow time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var (
		url         = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket endpoint of the voicebot server")
		sessions    = flag.Int("sessions", 4, "number of concurrent sessions")
		turns       = flag.Int("turns", 10, "turns per session")
		scenarioArg = flag.String("scenario", "clean", "clean, bargein, falsealarm or mixed")
		expect      = flag.String("expect", "", "expected transcript; enables similarity scoring")
		audioBytes  = flag.Int("audio-bytes", 8000, "size of the synthetic utterance blob in bytes")
		turnTimeout = flag.Duration("turn-timeout", 15*time.Second, "deadline for a single turn")
		quietWindow = flag.Duration("quiet", 750*time.Millisecond, "silence window that ends a turn")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	scenario := scenarioKind(*scenarioArg)
	switch scenario {
	case scenarioClean, scenarioBargeIn, scenarioFalseAlarm, scenarioMixed:
	default:
		fmt.Fprintf(os.Stderr, "loadtest: unknown scenario %q\n", *scenarioArg)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := runConfig{
		url:         *url,
		turns:       *turns,
		scenario:    scenario,
		expect:      *expect,
		audio:       base64.StdEncoding.EncodeToString(syntheticUtterance(*audioBytes)),
		tinyAudio:   base64.StdEncoding.EncodeToString(make([]byte, tinyBlobBytes)),
		turnTimeout: *turnTimeout,
		quietWindow: *quietWindow,
	}

	slog.Info("loadtest starting",
		"url", cfg.url,
		"sessions", *sessions,
		"turns", cfg.turns,
		"scenario", scenario,
	)

	stats := newCollector()
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *sessions; i++ {
		g.Go(func() error {
			return runSession(ctx, i, cfg, stats)
		})
	}
	err := g.Wait()

	stats.report(os.Stdout, time.Since(start))

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("load run aborted", "err", err)
		return 1
	}
	if stats.failed() > 0 {
		return 1
	}
	return 0
}

// runSession owns one WebSocket connection for its whole lifetime. A failed
// turn abandons the session but not the run; only a dial failure aborts all
// sessions, since it means there is no server to test.
func runSession(ctx context.Context, id int, cfg runConfig, stats *collector) error {
	log := slog.Default().With("session", id)

	c, greeting, err := dialSession(ctx, cfg.url)
	if err != nil {
		stats.recordError(fmt.Errorf("session %d dial: %w", id, err))
		return err
	}
	defer c.close("load test complete")
	log.Debug("session established", "session_id", greeting.SessionID)

	for turn := 0; turn < cfg.turns; turn++ {
		kind := cfg.scenario
		if kind == scenarioMixed {
			kind = []scenarioKind{scenarioClean, scenarioBargeIn, scenarioFalseAlarm}[turn%3]
		}
		if err := runTurn(ctx, c, kind, cfg, stats); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			stats.recordError(fmt.Errorf("session %d turn %d (%s): %w", id, turn, kind, err))
			log.Warn("turn failed, abandoning session", "turn", turn, "kind", kind, "err", err)
			return nil
		}
		log.Debug("turn complete", "turn", turn, "kind", kind)
	}
	return nil
}

func runTurn(ctx context.Context, c *wsClient, kind scenarioKind, cfg runConfig, stats *collector) error {
	switch kind {
	case scenarioBargeIn:
		return runBargeInTurn(ctx, c, cfg, stats)
	case scenarioFalseAlarm:
		return runFalseAlarmTurn(ctx, c, cfg, stats)
	default:
		return runCleanTurn(ctx, c, cfg, stats)
	}
}

// ── Scenarios ───────────────────────────────────────────────────────────────────

// runCleanTurn speaks one utterance and drains the full response, closing with
// the playback-complete acknowledgement.
func runCleanTurn(ctx context.Context, c *wsClient, cfg runConfig, stats *collector) error {
	if err := c.send(ctx, transport.SpeechStart{}); err != nil {
		return err
	}
	sent := time.Now()
	if err := c.send(ctx, transport.SpeechEnd{Audio: cfg.audio, Timestamp: float64(sent.UnixMilli())}); err != nil {
		return err
	}

	trace, err := drainTurn(ctx, c, cfg, sent)
	if err != nil {
		return err
	}
	stats.recordTurn(trace, cfg.expect)
	return c.send(ctx, transport.ClientPlaybackComplete{})
}

// runBargeInTurn interrupts the response mid-playback with a fresh utterance
// and measures how fast the server pauses the stream before answering the new
// input.
func runBargeInTurn(ctx context.Context, c *wsClient, cfg runConfig, stats *collector) error {
	if err := c.send(ctx, transport.SpeechStart{}); err != nil {
		return err
	}
	if err := c.send(ctx, transport.SpeechEnd{Audio: cfg.audio, Timestamp: float64(time.Now().UnixMilli())}); err != nil {
		return err
	}
	if err := awaitFirstAudio(ctx, c, cfg); err != nil {
		return err
	}

	onset := time.Now()
	if err := c.send(ctx, transport.SpeechStart{}); err != nil {
		return err
	}
	if err := awaitFrame(ctx, c, cfg.turnTimeout, isStop); err != nil {
		return fmt.Errorf("await stop_playback: %w", err)
	}
	stats.recordStop(time.Since(onset))

	// Deliver the interrupting utterance; the server abandons the paused
	// response and answers this one instead.
	sent := time.Now()
	if err := c.send(ctx, transport.SpeechEnd{Audio: cfg.audio, Timestamp: float64(sent.UnixMilli())}); err != nil {
		return err
	}
	trace, err := drainTurn(ctx, c, cfg, sent)
	if err != nil {
		return err
	}
	stats.recordTurn(trace, cfg.expect)
	return c.send(ctx, transport.ClientPlaybackComplete{})
}

// runFalseAlarmTurn interrupts mid-playback and then sends a blob too small to
// transcribe, so the server rules the onset a false alarm and resumes the
// paused response.
func runFalseAlarmTurn(ctx context.Context, c *wsClient, cfg runConfig, stats *collector) error {
	if err := c.send(ctx, transport.SpeechStart{}); err != nil {
		return err
	}
	if err := c.send(ctx, transport.SpeechEnd{Audio: cfg.audio, Timestamp: float64(time.Now().UnixMilli())}); err != nil {
		return err
	}
	if err := awaitFirstAudio(ctx, c, cfg); err != nil {
		return err
	}

	if err := c.send(ctx, transport.SpeechStart{}); err != nil {
		return err
	}
	if err := awaitFrame(ctx, c, cfg.turnTimeout, isStop); err != nil {
		return fmt.Errorf("await stop_playback: %w", err)
	}

	tinySent := time.Now()
	if err := c.send(ctx, transport.SpeechEnd{Audio: cfg.tinyAudio, Timestamp: float64(tinySent.UnixMilli())}); err != nil {
		return err
	}
	if err := awaitFrame(ctx, c, cfg.turnTimeout, isResume); err != nil {
		return fmt.Errorf("await playback_resume: %w", err)
	}
	stats.recordResume(time.Since(tinySent))

	// Drain whatever remains of the resumed response.
	if err := drainQuiet(ctx, c, cfg.quietWindow); err != nil {
		return err
	}
	return c.send(ctx, transport.ClientPlaybackComplete{})
}

// ── Frame plumbing ──────────────────────────────────────────────────────────────

// turnTrace is what one completed turn leaves behind for the collector.
type turnTrace struct {
	firstAudio  time.Duration
	transcript  string
	response    string
	audioChunks int
}

// drainTurn reads frames until the turn's response has fully arrived: at least
// one audio chunk plus the agent response text, followed by a quiet window.
// The playback-started acknowledgement goes out on the first audio chunk,
// mirroring a real client.
func drainTurn(ctx context.Context, c *wsClient, cfg runConfig, speechEndAt time.Time) (turnTrace, error) {
	var trace turnTrace
	deadline := time.Now().Add(cfg.turnTimeout)
	for {
		settled := trace.audioChunks > 0 && trace.response != ""
		window := time.Until(deadline)
		if settled {
			window = cfg.quietWindow
		}
		if window <= 0 {
			return trace, fmt.Errorf("turn timed out (audio=%d, transcript=%q)", trace.audioChunks, trace.transcript)
		}

		frame, err := c.read(ctx, window)
		if errors.Is(err, errQuiet) {
			if settled {
				return trace, nil
			}
			return trace, fmt.Errorf("turn timed out (audio=%d, transcript=%q)", trace.audioChunks, trace.transcript)
		}
		if err != nil {
			return trace, err
		}

		switch f := frame.(type) {
		case transport.PlayAudio:
			if trace.audioChunks == 0 {
				trace.firstAudio = time.Since(speechEndAt)
				if err := c.send(ctx, transport.ClientPlaybackStarted{}); err != nil {
					return trace, err
				}
			}
			trace.audioChunks++
		case transport.Transcript:
			trace.transcript = f.Text
		case transport.AgentResponse:
			trace.response = f.Text
		case transport.ErrorFrame:
			return trace, fmt.Errorf("server error: %s", f.Message)
		case transport.StopPlayback, transport.PlaybackResume, transport.PlaybackReset:
			// Control frames are legal mid-turn; scenarios that assert on
			// them read them explicitly before calling drainTurn.
		}
	}
}

// awaitFirstAudio consumes frames until the first audio chunk arrives and
// acknowledges it, leaving the session mid-playback.
func awaitFirstAudio(ctx context.Context, c *wsClient, cfg runConfig) error {
	deadline := time.Now().Add(cfg.turnTimeout)
	for {
		window := time.Until(deadline)
		if window <= 0 {
			return errors.New("no audio before deadline")
		}
		frame, err := c.read(ctx, window)
		if errors.Is(err, errQuiet) {
			return errors.New("no audio before deadline")
		}
		if err != nil {
			return err
		}
		switch f := frame.(type) {
		case transport.PlayAudio:
			return c.send(ctx, transport.ClientPlaybackStarted{})
		case transport.ErrorFrame:
			return fmt.Errorf("server error: %s", f.Message)
		}
	}
}

// awaitFrame reads until pred matches, tolerating unrelated traffic such as
// audio chunks already in flight.
func awaitFrame(ctx context.Context, c *wsClient, window time.Duration, pred func(transport.Outbound) bool) error {
	deadline := time.Now().Add(window)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return errQuiet
		}
		frame, err := c.read(ctx, remain)
		if err != nil {
			return err
		}
		if f, ok := frame.(transport.ErrorFrame); ok {
			return fmt.Errorf("server error: %s", f.Message)
		}
		if pred(frame) {
			return nil
		}
	}
}

// drainQuiet discards frames until the server goes quiet.
func drainQuiet(ctx context.Context, c *wsClient, window time.Duration) error {
	for {
		frame, err := c.read(ctx, window)
		if errors.Is(err, errQuiet) {
			return nil
		}
		if err != nil {
			return err
		}
		if f, ok := frame.(transport.ErrorFrame); ok {
			return fmt.Errorf("server error: %s", f.Message)
		}
	}
}

func isStop(f transport.Outbound) bool   { _, ok := f.(transport.StopPlayback); return ok }
func isResume(f transport.Outbound) bool { _, ok := f.(transport.PlaybackResume); return ok }

// ── WebSocket client ────────────────────────────────────────────────────────────

// errQuiet reports that the server sent nothing within the read window. It is
// the signal drain loops use to decide a turn is over.
var errQuiet = errors.New("no frame within window")

// wsClient wraps a WebSocket connection with the voice protocol codec.
type wsClient struct {
	conn *websocket.Conn
}

// dialSession connects and consumes the greeting frame.
func dialSession(ctx context.Context, url string) (*wsClient, transport.Connected, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, transport.Connected{}, err
	}
	c := &wsClient{conn: conn}

	frame, err := c.read(ctx, dialTimeout)
	if err != nil {
		c.close("no greeting")
		return nil, transport.Connected{}, fmt.Errorf("await greeting: %w", err)
	}
	greeting, ok := frame.(transport.Connected)
	if !ok {
		c.close("bad greeting")
		return nil, transport.Connected{}, fmt.Errorf("first frame is %q, want connected", frame.Event())
	}
	return c, greeting, nil
}

func (c *wsClient) send(ctx context.Context, f transport.Inbound) error {
	data, err := transport.EncodeInbound(f)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// read returns the next protocol frame, or errQuiet if the server sends
// nothing within the window.
func (c *wsClient) read(ctx context.Context, window time.Duration) (transport.Outbound, error) {
	readCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		if readCtx.Err() != nil && ctx.Err() == nil {
			return nil, errQuiet
		}
		return nil, err
	}
	return transport.DecodeOutbound(data)
}

func (c *wsClient) close(reason string) {
	_ = c.conn.Close(websocket.StatusNormalClosure, reason)
}

// syntheticUtterance builds a deterministic pseudo-audio blob. Mock STT
// providers ignore the content; it only has to clear the server's silence
// threshold.
func syntheticUtterance(n int) []byte {
	blob := make([]byte, n)
	for i := range blob {
		blob[i] = byte(i * 31)
	}
	return blob
}

// ── Statistics ──────────────────────────────────────────────────────────────────

// collector aggregates measurements across all sessions.
type collector struct {
	mu         sync.Mutex
	turns      int
	firstAudio []time.Duration
	stops      []time.Duration
	resumes    []time.Duration
	similarity []float64
	errs       []error
}

func newCollector() *collector { return &collector{} }

func (s *collector) recordTurn(trace turnTrace, expect string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	s.firstAudio = append(s.firstAudio, trace.firstAudio)
	if expect != "" && trace.transcript != "" {
		s.similarity = append(s.similarity, matchr.JaroWinkler(expect, trace.transcript, false))
	}
}

func (s *collector) recordStop(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, d)
}

func (s *collector) recordResume(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes = append(s.resumes, d)
}

func (s *collector) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *collector) failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *collector) report(w io.Writer, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "─── load test results ───────────────────────")
	fmt.Fprintf(w, "elapsed               : %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "turns completed       : %d\n", s.turns)
	fmt.Fprintf(w, "errors                : %d\n", len(s.errs))
	printLatency(w, "time to first audio   ", s.firstAudio)
	printLatency(w, "barge-in stop latency ", s.stops)
	printLatency(w, "false-alarm resume    ", s.resumes)
	if len(s.similarity) > 0 {
		fmt.Fprintf(w, "transcript similarity : mean %.3f  min %.3f  (n=%d)\n",
			mean(s.similarity), slices.Min(s.similarity), len(s.similarity))
	}
	for _, err := range s.errs {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
}

func printLatency(w io.Writer, label string, ds []time.Duration) {
	if len(ds) == 0 {
		return
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	slices.Sort(sorted)
	fmt.Fprintf(w, "%s: p50 %s  p95 %s  max %s  (n=%d)\n",
		label,
		pct(sorted, 0.50),
		pct(sorted, 0.95),
		sorted[len(sorted)-1].Round(time.Millisecond),
		len(sorted),
	)
}

// pct reads a percentile from an already sorted slice.
func pct(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx].Round(time.Millisecond)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
