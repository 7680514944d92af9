// Package mock provides a test double for the transport.Sink interface.
//
// Sink records every outbound frame and lets tests wait for frames to appear
// without polling. Hold gates deliveries of a given event so tests can freeze
// the egress pump at a known point and interleave other session events
// deterministically.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/siddhartha9/interruption-aware-voice-bot/internal/transport"
)

// Sink is a mock implementation of transport.Sink.
// The zero value is ready to use.
type Sink struct {
	mu     sync.Mutex
	frames []transport.Outbound
	notify chan struct{}

	// SendErr, if non-nil, is returned by every Send call after the frame is
	// recorded. Used to exercise fatal-write paths.
	SendErr error

	holds map[string]*hold
}

type hold struct {
	pass    int           // sends allowed through before gating starts
	release chan struct{} // closed by Release
}

// Send records the frame, wakes any waiters and honours active holds.
func (s *Sink) Send(ctx context.Context, frame transport.Outbound) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	if s.notify != nil {
		close(s.notify)
		s.notify = nil
	}
	var gate chan struct{}
	if h, ok := s.holds[frame.Event()]; ok {
		if h.pass > 0 {
			h.pass--
		} else {
			gate = h.release
		}
	}
	err := s.SendErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gate:
		}
	}
	return err
}

// Hold gates future sends of event: after passCount sends pass through,
// subsequent sends of that event block until Release is called for it.
// The frame is still recorded before the send blocks.
func (s *Sink) Hold(event string, passCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds == nil {
		s.holds = make(map[string]*hold)
	}
	s.holds[event] = &hold{pass: passCount, release: make(chan struct{})}
}

// Release unblocks all current and future sends gated by Hold(event).
func (s *Sink) Release(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holds[event]; ok {
		close(h.release)
		delete(s.holds, event)
	}
}

// Frames returns a snapshot of all recorded frames in send order.
func (s *Sink) Frames() []transport.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Outbound, len(s.frames))
	copy(out, s.frames)
	return out
}

// Events returns the event names of all recorded frames in send order.
func (s *Sink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event()
	}
	return out
}

// Count returns how many frames with the given event name were recorded.
func (s *Sink) Count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Event() == event {
			n++
		}
	}
	return n
}

// WaitFor blocks until a recorded frame satisfies pred or the timeout
// elapses. It returns the first matching frame and true, or a zero value and
// false on timeout. Frames recorded before the call are considered too.
func (s *Sink) WaitFor(timeout time.Duration, pred func(transport.Outbound) bool) (transport.Outbound, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	scanned := 0
	for {
		s.mu.Lock()
		for ; scanned < len(s.frames); scanned++ {
			if pred(s.frames[scanned]) {
				f := s.frames[scanned]
				s.mu.Unlock()
				return f, true
			}
		}
		if s.notify == nil {
			s.notify = make(chan struct{})
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-deadline.C:
			return nil, false
		case <-ch:
		}
	}
}

// WaitForEvent blocks until a frame with the given event name is recorded.
func (s *Sink) WaitForEvent(event string, timeout time.Duration) (transport.Outbound, bool) {
	return s.WaitFor(timeout, func(f transport.Outbound) bool { return f.Event() == event })
}

// Reset clears all recorded frames. Holds are unaffected.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

// Ensure Sink implements transport.Sink at compile time.
var _ transport.Sink = (*Sink)(nil)
