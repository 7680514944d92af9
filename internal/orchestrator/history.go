package orchestrator

import (
	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

// History is the ordered record of spoken turns for one session. Adjacent
// turns always differ in role: user turns that would follow a user tail are
// folded into it instead, so the history is always a valid alternating
// conversation for the LLM request builder.
//
// History is not internally synchronized; the orchestrator guards it with the
// session lock.
type History struct {
	maxTurns int
	turns    []types.Turn
}

// NewHistory creates a history bounded to maxTurns entries with oldest-first
// eviction. maxTurns <= 0 means unbounded.
func NewHistory(maxTurns int) *History {
	return &History{maxTurns: maxTurns}
}

// Reconcile folds a merged user utterance into the history.
//
// Under an interruption the trailing agent turn, if any, is dropped first:
// the run that produced it was cancelled mid-delivery, so the user never
// heard it completed and is replying to — or talking over — their own
// previous turn. If the tail is then a user turn, the utterance is appended
// to it with a single space; otherwise a new user turn is appended. The
// same tail-merging applies outside interruptions, which keeps the history
// alternating when an earlier run was cancelled without an agent append.
func (h *History) Reconcile(utterance string, underInterruption bool) {
	if underInterruption {
		if n := len(h.turns); n > 0 && h.turns[n-1].Role == types.RoleAgent {
			h.turns = h.turns[:n-1]
		}
	}
	if n := len(h.turns); n > 0 && h.turns[n-1].Role == types.RoleUser {
		h.turns[n-1].Content += " " + utterance
		return
	}
	h.turns = append(h.turns, types.Turn{Role: types.RoleUser, Content: utterance})
	h.evict()
}

// AppendAgent appends a completed agent response.
func (h *History) AppendAgent(content string) {
	h.turns = append(h.turns, types.Turn{Role: types.RoleAgent, Content: content})
	h.evict()
}

// Tail returns the most recent turn and true, or a zero turn and false when
// the history is empty.
func (h *History) Tail() (types.Turn, bool) {
	if len(h.turns) == 0 {
		return types.Turn{}, false
	}
	return h.turns[len(h.turns)-1], true
}

// Turns returns a copy of all turns, oldest first.
func (h *History) Turns() []types.Turn {
	out := make([]types.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns currently held.
func (h *History) Len() int {
	return len(h.turns)
}

// evict drops oldest turns while the history exceeds maxTurns. Turns are
// dropped in pairs so the surviving head keeps the user/agent alternation
// intact. Survivors are copied to a fresh slice so evicted content can be
// garbage collected.
func (h *History) evict() {
	if h.maxTurns <= 0 || len(h.turns) <= h.maxTurns {
		return
	}
	drop := 0
	for len(h.turns)-drop > h.maxTurns {
		if len(h.turns)-drop >= 2 {
			drop += 2
		} else {
			drop++
		}
	}
	fresh := make([]types.Turn, len(h.turns)-drop)
	copy(fresh, h.turns[drop:])
	h.turns = fresh
}
