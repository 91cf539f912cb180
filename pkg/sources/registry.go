// Package sources implements the source registry: the set of configured
// external origins and the due-scheduling decision over them.
package sources

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// State is the registry's mutable per-source bookkeeping. The persisted
// copy lives in the store; the registry holds the working set.
type State struct {
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt       time.Time `json:"last_attempt_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Registry holds the configured sources. Reads vastly outnumber writes, so
// lookups go through an immutable snapshot swapped copy-on-write under the
// write lock.
type Registry struct {
	mu       sync.Mutex
	snapshot map[string]*entry // replaced wholesale on mutation
}

type entry struct {
	source leads.Source
	state  State
}

// NewRegistry builds a registry from the configured sources.
func NewRegistry(srcs []leads.Source) *Registry {
	snap := make(map[string]*entry, len(srcs))
	for _, s := range srcs {
		snap[s.ID] = &entry{source: s}
	}
	return &Registry{snapshot: snap}
}

// Get returns the source by id.
func (r *Registry) Get(id string) (leads.Source, bool) {
	e, ok := r.snap()[id]
	if !ok {
		return leads.Source{}, false
	}
	return e.source, true
}

// GetState returns the bookkeeping for a source.
func (r *Registry) GetState(id string) (State, bool) {
	e, ok := r.snap()[id]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// All returns every registered source, retired ones included.
func (r *Registry) All() []leads.Source {
	snap := r.snap()
	out := make([]leads.Source, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert adds or replaces a source definition. State carries over on
// replace so a config reload does not reset scheduling.
func (r *Registry) Upsert(s leads.Source) error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if !leads.ValidSourceType(s.Type) {
		return fmt.Errorf("source %q: unknown type %q", s.ID, s.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.copySnapshot()
	if prev, ok := next[s.ID]; ok {
		next[s.ID] = &entry{source: s, state: prev.state}
	} else {
		next[s.ID] = &entry{source: s}
	}
	r.snapshot = next
	return nil
}

// Retire deactivates a source. The definition and its history remain; the
// scheduler simply stops yielding it. In-flight work drains normally.
func (r *Registry) Retire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.snapshot[id]
	if !ok {
		return fmt.Errorf("unknown source %q", id)
	}
	next := r.copySnapshot()
	s := e.source
	s.Active = false
	next[id] = &entry{source: s, state: e.state}
	r.snapshot = next
	return nil
}

// RecordSuccess notes a completed fetch and resets the failure streak.
func (r *Registry) RecordSuccess(id string, at time.Time) {
	r.mutateState(id, func(st *State) {
		st.LastSuccessAt = at
		st.LastAttemptAt = at
		st.ConsecutiveFailures = 0
		st.LastError = ""
	})
}

// RecordFailure notes a failed fetch.
func (r *Registry) RecordFailure(id string, at time.Time, errText string) {
	r.mutateState(id, func(st *State) {
		st.LastAttemptAt = at
		st.ConsecutiveFailures++
		st.LastError = errText
	})
}

// RestoreState seeds a source's bookkeeping, typically from the store at
// startup.
func (r *Registry) RestoreState(id string, st State) {
	r.mutateState(id, func(cur *State) { *cur = st })
}

// ListDue returns the active sources whose interval has elapsed, ordered
// longest-waiting first. The rate governor still has the final say on
// admission.
func (r *Registry) ListDue(now time.Time) []leads.Source {
	snap := r.snap()
	type waiting struct {
		source leads.Source
		since  time.Time
	}
	var due []waiting
	for _, e := range snap {
		if !e.source.Active {
			continue
		}
		anchor := e.state.LastSuccessAt
		if anchor.IsZero() {
			// Never fetched: due immediately, oldest possible wait.
			due = append(due, waiting{e.source, time.Time{}})
			continue
		}
		if anchor.Add(e.source.MinInterval).After(now) {
			continue
		}
		due = append(due, waiting{e.source, anchor})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].since.Equal(due[j].since) {
			return due[i].since.Before(due[j].since)
		}
		return due[i].source.ID < due[j].source.ID
	})
	out := make([]leads.Source, len(due))
	for i, w := range due {
		out[i] = w.source
	}
	return out
}

func (r *Registry) snap() map[string]*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

func (r *Registry) copySnapshot() map[string]*entry {
	next := make(map[string]*entry, len(r.snapshot))
	for k, v := range r.snapshot {
		next[k] = v
	}
	return next
}

func (r *Registry) mutateState(id string, fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.snapshot[id]
	if !ok {
		return
	}
	next := r.copySnapshot()
	ne := &entry{source: e.source, state: e.state}
	fn(&ne.state)
	next[id] = ne
	r.snapshot = next
}
