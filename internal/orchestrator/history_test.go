package orchestrator

import (
	"fmt"
	"testing"

	"github.com/siddhartha9/interruption-aware-voice-bot/pkg/types"
)

func TestHistory_ReconcileNewTurn(t *testing.T) {
	h := NewHistory(0)
	h.Reconcile("what is the weather", false)

	turns := h.Turns()
	if len(turns) != 1 {
		t.Fatalf("len = %d, want 1", len(turns))
	}
	want := types.Turn{Role: types.RoleUser, Content: "what is the weather"}
	if turns[0] != want {
		t.Fatalf("turn = %+v, want %+v", turns[0], want)
	}
}

func TestHistory_ReconcileAmendsUserTail(t *testing.T) {
	for _, under := range []bool{false, true} {
		t.Run(fmt.Sprintf("under_interruption=%v", under), func(t *testing.T) {
			h := NewHistory(0)
			h.Reconcile("where is", false)
			h.Reconcile("the bank", under)

			turns := h.Turns()
			if len(turns) != 1 {
				t.Fatalf("len = %d, want 1 (amended tail)", len(turns))
			}
			if turns[0].Content != "where is the bank" {
				t.Fatalf("content = %q, want %q", turns[0].Content, "where is the bank")
			}
		})
	}
}

func TestHistory_ReconcileUnderInterruptionDropsAgentTail(t *testing.T) {
	h := NewHistory(0)
	h.Reconcile("what is the weather", false)
	h.AppendAgent("It is sunny and")

	h.Reconcile("actually tell me a joke", true)

	turns := h.Turns()
	if len(turns) != 1 {
		t.Fatalf("len = %d, want 1 (agent tail dropped, user tail amended)", len(turns))
	}
	want := "what is the weather actually tell me a joke"
	if turns[0].Role != types.RoleUser || turns[0].Content != want {
		t.Fatalf("turn = %+v, want user %q", turns[0], want)
	}
}

func TestHistory_ReconcileOutsideInterruptionKeepsAgentTail(t *testing.T) {
	h := NewHistory(0)
	h.Reconcile("what is the weather", false)
	h.AppendAgent("It is sunny.")

	h.Reconcile("and tomorrow", false)

	turns := h.Turns()
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	if turns[1].Content != "It is sunny." {
		t.Fatalf("agent turn = %+v, want it kept intact", turns[1])
	}
	if turns[2].Role != types.RoleUser || turns[2].Content != "and tomorrow" {
		t.Fatalf("tail = %+v, want new user turn", turns[2])
	}
}

func TestHistory_EvictionKeepsAlternation(t *testing.T) {
	h := NewHistory(4)
	for i := 1; i <= 3; i++ {
		h.Reconcile(fmt.Sprintf("question %d", i), false)
		h.AppendAgent(fmt.Sprintf("answer %d", i))
	}

	turns := h.Turns()
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4 after eviction", len(turns))
	}
	if turns[0].Role != types.RoleUser || turns[0].Content != "question 2" {
		t.Fatalf("head = %+v, want oldest pair evicted", turns[0])
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == turns[i-1].Role {
			t.Fatalf("adjacent turns %d and %d share role %q", i-1, i, turns[i].Role)
		}
	}
}

func TestHistory_UnboundedWhenZero(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < 10; i++ {
		h.Reconcile(fmt.Sprintf("q%d", i), false)
		h.AppendAgent(fmt.Sprintf("a%d", i))
	}
	if h.Len() != 20 {
		t.Fatalf("Len = %d, want 20 (no eviction)", h.Len())
	}
}

func TestHistory_TurnsReturnsCopy(t *testing.T) {
	h := NewHistory(0)
	h.Reconcile("original", false)

	turns := h.Turns()
	turns[0].Content = "mutated"

	if got := h.Turns()[0].Content; got != "original" {
		t.Fatalf("content = %q, internal state mutated through the copy", got)
	}
}

func TestHistory_Tail(t *testing.T) {
	h := NewHistory(0)
	if _, ok := h.Tail(); ok {
		t.Fatal("Tail on empty history should report false")
	}

	h.Reconcile("hello", false)
	tail, ok := h.Tail()
	if !ok || tail.Role != types.RoleUser || tail.Content != "hello" {
		t.Fatalf("Tail = %+v, %v, want user hello", tail, ok)
	}

	h.AppendAgent("hi there")
	tail, _ = h.Tail()
	if tail.Role != types.RoleAgent || tail.Content != "hi there" {
		t.Fatalf("Tail = %+v, want agent turn", tail)
	}
}
