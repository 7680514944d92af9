package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultWriteTimeout bounds how long a single outbound frame write may block
// before the connection is considered dead.
const DefaultWriteTimeout = 10 * time.Second

// ConnOption is a functional option for configuring a Conn.
type ConnOption func(*Conn)

// WithWriteTimeout overrides the per-frame write timeout.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithConnLogger sets the logger used for dropped-frame warnings.
func WithConnLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) {
		if log != nil {
			c.log = log
		}
	}
}

// Conn adapts an accepted WebSocket connection to the Sink interface and owns
// the inbound read loop. The underlying connection permits one concurrent
// writer, so Send serializes writes internally; frames leave in call order.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	log          *slog.Logger

	writeMu sync.Mutex
}

var _ Sink = (*Conn)(nil)

// Accept upgrades an HTTP request to a WebSocket connection. An empty
// allowedOrigins list accepts any origin; otherwise each entry is matched
// against the request's Origin host (coder/websocket pattern syntax).
func Accept(w http.ResponseWriter, r *http.Request, allowedOrigins []string, opts ...ConnOption) (*Conn, error) {
	acceptOpts := &websocket.AcceptOptions{}
	if len(allowedOrigins) == 0 {
		acceptOpts.InsecureSkipVerify = true
	} else {
		acceptOpts.OriginPatterns = allowedOrigins
	}

	ws, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewConn(ws, opts...), nil
}

// NewConn wraps an already-established WebSocket connection.
func NewConn(ws *websocket.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: DefaultWriteTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send encodes one outbound frame and writes it as a text message. It blocks
// until the frame is handed to the connection, the write timeout elapses or
// ctx is done.
func (c *Conn) Send(ctx context.Context, frame Outbound) error {
	data, err := EncodeOutbound(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write %s frame: %w", frame.Event(), err)
	}
	return nil
}

// ReadLoop reads client frames until the connection closes and hands each
// decoded frame to handle. Malformed and unknown frames are logged and
// dropped without tearing down the session. A clean client disconnect or
// ctx cancellation returns nil; any other transport failure is returned.
func (c *Conn) ReadLoop(ctx context.Context, handle func(Inbound)) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: read frame: %w", err)
		}

		frame, err := DecodeInbound(data)
		if err != nil {
			c.log.Warn("dropping undecodable inbound frame", "err", err)
			continue
		}
		handle(frame)
	}
}

// Close sends a normal-closure frame and releases the connection. Calling it
// on an already-closed connection is harmless.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
