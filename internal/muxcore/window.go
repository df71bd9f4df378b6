package muxcore

import (
	"sync"
	"time"
)

// State is the Window lifecycle state machine from spec §4.5.
type State int

const (
	// Idle: the Window exists, its Host is alive, and it has no subscribers.
	Idle State = iota
	// Active: at least one subscriber is attached.
	Active
	// Terminal: the Host is released and subscribers are drained. Absorbing.
	Terminal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Host is the capability set shared by the PTY Host (C1) and the
// External Session Adapter (C2). It is the one place the core uses
// dynamic dispatch, per the "dynamic dispatch" design note: downstream
// components accept either variant through this interface.
type Host interface {
	// Write sends bytes to the underlying process. Returns ErrClosed if
	// the host has already exited.
	Write(p []byte) (int, error)
	// Resize applies a viewport change. Returns ErrClosed if exited.
	Resize(cols, rows int) error
	// Kill sends SIGTERM, waits a grace period, then SIGKILL.
	Kill() error
	// OnBytes registers the single byte-stream callback, invoked from a
	// dedicated reader task. Must be called at most once.
	OnBytes(func(chunk []byte))
	// OnExit registers the exit callback, invoked exactly once with the
	// child's exit code and terminating signal name (empty if none).
	OnExit(func(exitCode int, signal string))
}

// WindowSpec describes a window to create, matching the external
// Create() shape in spec §6.
type WindowSpec struct {
	ProjectPath       string
	Cwd               string
	Cmd               []string
	Env               map[string]string
	Cols              int
	Rows              int
	PreferMultiplexed bool
	Label             string
}

// WindowSummary is the read-only view of a Window exposed to callers via
// List(), grounded in the teacher's SessionInfo/SessionMetadata shape.
type WindowSummary struct {
	ID             string
	Name           string
	ProjectPath    string
	CreatedAt      time.Time
	Cols           int
	Rows           int
	Source         Source
	State          State
	Subscribers    int
	FallbackReason string // set when PreferMultiplexed was requested but denied
}

// Window is a logical terminal. All fields after construction are
// accessed only through the accessor methods below, which take the
// Window's own lock — never the Registry lock — for the minimum
// interval required, per spec §5.
type Window struct {
	id          string
	name        string
	projectPath string
	createdAt   time.Time
	source      Source

	mu             sync.Mutex
	cols           int
	rows           int
	state          State
	host           Host
	subscriberIDs  map[string]struct{}
	fallbackReason string
}

// NewWindow constructs a Window in the Idle state. The coordinator's
// Create is the only caller outside tests; downstream components mutate
// it via the methods below.
func NewWindow(id, name, projectPath string, source Source, cols, rows int, host Host, createdAt time.Time) *Window {
	return &Window{
		id:            id,
		name:          name,
		projectPath:   projectPath,
		createdAt:     createdAt,
		source:        source,
		cols:          cols,
		rows:          rows,
		state:         Idle,
		host:          host,
		subscriberIDs: make(map[string]struct{}),
	}
}

func (w *Window) ID() string          { return w.id }
func (w *Window) Name() string        { return w.name }
func (w *Window) ProjectPath() string { return w.projectPath }
func (w *Window) Source() Source      { return w.source }
func (w *Window) CreatedAt() time.Time { return w.createdAt }

// Host returns the current host handle. Nil once Terminal.
func (w *Window) Host() Host {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.host
}

// ReplaceHost swaps the host handle during a controlled recovery
// transition (spec §3 invariant: "replaced only during a controlled
// recovery transition").
func (w *Window) ReplaceHost(h Host) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.host = h
}

func (w *Window) SetFallbackReason(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fallbackReason = reason
}

// Dims returns the current viewport.
func (w *Window) Dims() (cols, rows int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cols, w.rows
}

// SetDims records the last-resize-wins viewport (spec §4.5 resize policy).
func (w *Window) SetDims(cols, rows int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cols, w.rows = cols, rows
}

// State returns the current lifecycle state.
func (w *Window) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// AddSubscriber transitions Idle -> Active on the first subscriber.
// Returns ErrTerminal if the window has already exited.
func (w *Window) AddSubscriber(subID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Terminal {
		return ErrTerminal
	}
	w.subscriberIDs[subID] = struct{}{}
	w.state = Active
	return nil
}

// RemoveSubscriber transitions Active -> Idle once the last subscriber
// detaches. Idempotent. The coordinator can call it on a Terminal window
// (a Detach or eviction during the drain); the state then stays Terminal.
func (w *Window) RemoveSubscriber(subID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.subscriberIDs, subID)
	if w.state == Active && len(w.subscriberIDs) == 0 {
		w.state = Idle
	}
}

// SubscriberCount returns the number of attached subscribers.
func (w *Window) SubscriberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subscriberIDs)
}

// MarkTerminal releases the host and clears subscribers, satisfying the
// invariant "State = Terminal implies HostHandle released and
// Subscribers empty". Returns the Host that was released (or nil) and
// the set of subscriber IDs that were attached, so the caller can drain
// them.
func (w *Window) MarkTerminal() (released Host, subIDs []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Terminal {
		return nil, nil
	}

	released = w.host
	w.host = nil
	subIDs = make([]string, 0, len(w.subscriberIDs))
	for id := range w.subscriberIDs {
		subIDs = append(subIDs, id)
	}
	w.subscriberIDs = make(map[string]struct{})
	w.state = Terminal
	return released, subIDs
}

// Summary snapshots the Window into its external representation.
func (w *Window) Summary() WindowSummary {
	w.mu.Lock()
	defer w.mu.Unlock()

	return WindowSummary{
		ID:             w.id,
		Name:           w.name,
		ProjectPath:    w.projectPath,
		CreatedAt:      w.createdAt,
		Cols:           w.cols,
		Rows:           w.rows,
		Source:         w.source,
		State:          w.state,
		Subscribers:    len(w.subscriberIDs),
		FallbackReason: w.fallbackReason,
	}
}
