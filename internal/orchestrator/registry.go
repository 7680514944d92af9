package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution is a snapshot of one in-flight tool execution.
type Execution struct {
	ID        string
	Name      string
	Metadata  map[string]string
	StartedAt time.Time
	Cancelled bool
}

// ToolRegistry tracks the tool executions belonging to one session so an
// interruption can cancel them all. It is owned by the session — never shared
// across sessions — and is internally synchronized because tool bodies run on
// their own goroutines.
//
// Cancel hooks must be non-blocking and cooperative: typically a
// context.CancelFunc whose context the tool body polls between steps.
type ToolRegistry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*toolEntry
	epoch   uint64
	changed chan struct{}
}

type toolEntry struct {
	id        string
	name      string
	metadata  map[string]string
	startedAt time.Time
	cancelled bool
	cancel    func()
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		entries: make(map[string]*toolEntry),
		changed: make(chan struct{}),
	}
}

// Epoch returns the current cancellation epoch. Tool executions sample it
// before doing any setup work and pass it to Register, which closes the race
// between registration and a concurrent CancelAll.
func (r *ToolRegistry) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Register records an in-flight execution and returns its id. startEpoch must
// be the Epoch() value sampled when the execution began; if CancelAll ran in
// between, the entry is marked cancelled and its hook is invoked before
// Register returns, so the body observes cancellation on its first poll.
//
// cancel may be nil for executions with no interruptible work.
func (r *ToolRegistry) Register(name string, startEpoch uint64, cancel func(), metadata map[string]string) string {
	id := uuid.NewString()

	r.mu.Lock()
	entry := &toolEntry{
		id:        id,
		name:      name,
		metadata:  metadata,
		startedAt: time.Now(),
		cancel:    cancel,
	}
	if r.epoch > startEpoch {
		entry.cancelled = true
	}
	r.entries[id] = entry
	r.order = append(r.order, id)
	stale := entry.cancelled
	r.mu.Unlock()

	if stale && cancel != nil {
		cancel()
	}
	return id
}

// Unregister releases the execution with the given id. Tool bodies call it in
// a deferred release scope so entries never leak, completed or cancelled.
func (r *ToolRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.broadcastLocked()
	return nil
}

// Cancel invokes the cancel hook of a single execution and marks it
// cancelled. The entry stays registered until the body unregisters it.
func (r *ToolRegistry) Cancel(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	entry.cancelled = true
	hook := entry.cancel
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

// CancelAll bumps the cancellation epoch and invokes every registered
// execution's hook. It returns the number of entries cancelled. Registrations
// racing with CancelAll either are visible here and get cancelled, or carry a
// stale startEpoch and are cancelled inside Register.
func (r *ToolRegistry) CancelAll() int {
	r.mu.Lock()
	r.epoch++
	hooks := make([]func(), 0, len(r.entries))
	n := 0
	for _, id := range r.order {
		entry := r.entries[id]
		if !entry.cancelled {
			entry.cancelled = true
			n++
		}
		if entry.cancel != nil {
			hooks = append(hooks, entry.cancel)
		}
	}
	r.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return n
}

// Active returns snapshots of all registered executions in insertion order.
func (r *ToolRegistry) Active() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Execution, 0, len(r.order))
	for _, id := range r.order {
		entry := r.entries[id]
		out = append(out, Execution{
			ID:        entry.id,
			Name:      entry.name,
			Metadata:  entry.metadata,
			StartedAt: entry.startedAt,
			Cancelled: entry.cancelled,
		})
	}
	return out
}

// Drain cancels everything and waits up to grace for all entries to
// unregister. It reports whether the registry emptied in time; a false return
// means some tool body never released its registration and was abandoned.
func (r *ToolRegistry) Drain(grace time.Duration) bool {
	r.CancelAll()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		if len(r.entries) == 0 {
			r.mu.Unlock()
			return true
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-deadline.C:
			return false
		case <-ch:
		}
	}
}

// broadcastLocked wakes Drain waiters. Must be called with r.mu held.
func (r *ToolRegistry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
