package muxcore

import (
	"sort"
	"sync"
)

// EventKind distinguishes registry lifecycle events.
type EventKind int

const (
	WindowCreated EventKind = iota
	WindowGone
)

// Event is published to registry listeners on Create and on removal.
type Event struct {
	Kind   EventKind
	Window *Window
}

// Filter narrows List() results. Zero values mean "no filter on this field".
type Filter struct {
	ProjectPath string
	Source      *Source
	State       *State
}

func (f Filter) matches(w *Window) bool {
	if f.ProjectPath != "" && w.ProjectPath() != f.ProjectPath {
		return false
	}
	if f.Source != nil && w.Source() != *f.Source {
		return false
	}
	if f.State != nil && w.State() != *f.State {
		return false
	}
	return true
}

// Registry is the single source of truth for live windows, grounded in
// the teacher's SessionManager (terminal/manager.go) and generalized
// from a flat session map to the full Idle/Active/Terminal state
// machine and source-agnostic Host.
//
// One lock protects only the map itself; it is never held across I/O,
// per spec §5's shared-resource policy.
type Registry struct {
	mu        sync.RWMutex
	windows   map[string]*Window
	listeners []func(Event)
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Window)}
}

// OnEvent registers a listener invoked synchronously on WindowCreated and
// WindowGone. Must be called before any concurrent Insert/Remove to avoid
// missed events; intended for start-of-day wiring only.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) publish(ev Event) {
	for _, fn := range r.listeners {
		fn(ev)
	}
}

// Insert adds a freshly constructed Window to the index and publishes
// WindowCreated. Callers (the coordinator's Create) are responsible for
// allocating the ID and wiring the Host before calling Insert.
func (r *Registry) Insert(w *Window) {
	r.mu.Lock()
	r.windows[w.ID()] = w
	r.mu.Unlock()

	r.publish(Event{Kind: WindowCreated, Window: w})
}

// Get returns the window for id. Never returns a Terminal window; such
// entries are treated as already removed.
func (r *Registry) Get(id string) (*Window, error) {
	r.mu.RLock()
	w, ok := r.windows[id]
	r.mu.RUnlock()

	if !ok || w.State() == Terminal {
		return nil, ErrNotFound
	}
	return w, nil
}

// GetRaw returns the window for id regardless of state, so callers that
// must distinguish ErrNotFound from ErrTerminal (Attach, Write, Resize,
// Kill) can do so themselves.
func (r *Registry) GetRaw(id string) (*Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[id]
	return w, ok
}

// List returns non-Terminal windows matching filter, sorted by creation
// time (oldest first) for stable display ordering.
func (r *Registry) List(filter Filter) []*Window {
	r.mu.RLock()
	out := make([]*Window, 0, len(r.windows))
	for _, w := range r.windows {
		if w.State() != Terminal && filter.matches(w) {
			out = append(out, w)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Remove transitions id to Terminal (if not already) and publishes
// WindowGone. Idempotent: removing an unknown or already-Terminal ID is
// a no-op, matching spec §8's Kill-is-idempotent law.
//
// Remove does not itself kill the Host or drain subscribers — that is
// the coordinator's job; Remove only updates the index once that work
// is done, so "Registry size equals the number of non-Terminal Windows
// at all times" (spec §8 invariant 4).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	w, ok := r.windows[id]
	r.mu.Unlock()

	if !ok {
		return
	}
	w.MarkTerminal() // idempotent; no-op if already Terminal

	r.mu.Lock()
	delete(r.windows, id)
	r.mu.Unlock()

	r.publish(Event{Kind: WindowGone, Window: w})
}

// Size returns the number of non-Terminal windows.
func (r *Registry) Size() int {
	return len(r.List(Filter{}))
}
