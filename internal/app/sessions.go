package app

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/orchestrator"
	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// greetTimeout bounds the connected-frame write. A client that cannot take
// one small frame this quickly is not worth keeping.
const greetTimeout = 5 * time.Second

// session is one live WebSocket conversation.
type session struct {
	id        string
	startedAt time.Time
	orch      *orchestrator.Orchestrator
	conn      *transport.Conn
}

// sessionRegistry tracks live sessions so health reporting and shutdown can
// reach them. All methods are safe for concurrent use.
type sessionRegistry struct {
	mu   sync.Mutex
	byID map[string]*session

	// wg counts connection handlers, so shutdown can wait for them to unwind.
	wg sync.WaitGroup
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byID: make(map[string]*session)}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.id] = s
	r.wg.Add(1)
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	r.wg.Done()
}

// Count returns the number of live sessions. Wired into the /health payload.
func (r *sessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CloseAll stops every live session: the orchestrator teardown unblocks the
// pipeline workers and the connection close unblocks the read loop, which
// lets each handler unwind and unregister itself.
func (r *sessionRegistry) CloseAll(reason string) {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.orch.Close()
		_ = s.conn.Close(reason)
	}
}

// WaitDone blocks until all session handlers have unwound or ctx is done.
// Reports whether the registry drained in time.
func (r *sessionRegistry) WaitDone(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// ─── WebSocket handler ───────────────────────────────────────────────────────

// handleWS upgrades the request and runs one conversation session on it:
//  1. Accept the WebSocket and mint a session ID.
//  2. Send the connected greeting as the first frame.
//  3. Start the orchestrator pipeline.
//  4. Pump inbound frames into it until the client hangs up or the server
//     shuts the session down.
//
// The handler owns the whole session lifetime; it returns only after the
// pipeline has fully torn down.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, a.cfg.Server.AllowedOrigins)
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	sessionID := uuid.NewString()
	log := slog.Default().With("session_id", sessionID)
	defaults := a.sessionSnapshot()

	orch, err := orchestrator.New(
		a.orchestratorConfig(sessionID, defaults),
		conn,
		a.providers.STT,
		a.providers.LLM,
		a.providers.TTS,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(a.met),
		orchestrator.WithToolBelt(a.belt),
	)
	if err != nil {
		log.Error("session setup failed", "err", err)
		_ = conn.Close("session setup failed")
		return
	}

	// r.Context() ends when this handler returns, which is exactly the
	// session lifetime; server shutdown reaches hijacked connections through
	// the registry instead.
	ctx := r.Context()

	sess := &session{id: sessionID, startedAt: time.Now(), orch: orch, conn: conn}
	a.sessions.add(sess)
	a.met.ActiveSessions.Add(ctx, 1)
	log.Info("session established", "remote", r.RemoteAddr)

	defer func() {
		a.sessions.remove(sessionID)
		a.met.ActiveSessions.Add(context.Background(), -1)
		log.Info("session finished", "duration", time.Since(sess.startedAt).Round(time.Millisecond))
	}()

	greetCtx, cancel := context.WithTimeout(ctx, greetTimeout)
	err = conn.Send(greetCtx, transport.Connected{Message: defaults.greeting, SessionID: sessionID})
	cancel()
	if err != nil {
		log.Warn("could not send greeting", "err", err)
		_ = conn.Close("greeting failed")
		return
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx) }()

	readErr := conn.ReadLoop(ctx, func(f transport.Inbound) {
		orch.HandleFrame(ctx, f)
	})

	// Reading is over, either because the client hung up or because the
	// session was closed out from under us. Stop the pipeline and wait for
	// Run to finish its teardown before releasing the connection.
	_ = orch.Close()
	if err := <-runErr; err != nil {
		log.Error("session pipeline failed", "err", err)
	}
	if readErr != nil {
		log.Warn("read loop ended with error", "err", readErr)
	}
	_ = conn.Close("session closed")
}

// orchestratorConfig maps the server config plus the current hot-reloadable
// defaults onto one session's orchestrator configuration.
func (a *App) orchestratorConfig(sessionID string, defaults sessionDefaults) orchestrator.Config {
	return orchestrator.Config{
		SessionID:          sessionID,
		SystemPrompt:       defaults.systemPrompt,
		Voice:              a.voice,
		MinBlobBytes:       a.cfg.STT.MinBlobBytes,
		DebounceInterval:   ms(a.cfg.Decision.DebounceMS),
		STTTimeout:         ms(a.cfg.STT.RequestTimeoutMS),
		LLMTimeout:         ms(a.cfg.LLM.RequestTimeoutMS),
		TTSTimeout:         ms(a.cfg.TTS.RequestTimeoutMS),
		STTJobCap:          a.cfg.Queue.STTJobCap,
		TextStreamCap:      a.cfg.Queue.TextStreamCap,
		AudioOutputCap:     a.cfg.Queue.AudioOutputCap,
		BackchannelPhrases: defaults.backchannels,
		HistoryMaxTurns:    a.cfg.History.MaxTurns,
		ToolCancelGrace:    ms(a.cfg.Tool.CancelGraceMS),
	}
}
