// Package coordinator implements the Attachment Coordinator (C5): the
// attach/detach/write/resize/kill protocol for clients, single-writer
// serialization per window, and the Idle/Active/Terminal state machine
// of spec §4.5. It is the facade spec §6 describes as the core's
// external interface.
//
// Grounded in the teacher's TerminalSession (AddClient/RemoveClient/
// Write/Resize/Close in terminal/session.go), generalized to make
// single-writer serialization explicit (the teacher relies on the PTY's
// own write semantics) and to route WindowExited/SlowConsumerEvicted
// through a typed Sink instead of raw bytes only.
package coordinator

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mobileforge/termbroker/internal/fanout"
	"github.com/mobileforge/termbroker/internal/muxadapter"
	"github.com/mobileforge/termbroker/internal/muxcore"
	"github.com/mobileforge/termbroker/internal/ptyhost"
)

// DefaultOpTimeout is T_op_max.
const DefaultOpTimeout = 1 * time.Second

// DefaultDrainGrace is T_drain.
const DefaultDrainGrace = 200 * time.Millisecond

// Config tunes the Coordinator's resource bounds and deadlines. Zero
// values fall back to the spec's defaults.
type Config struct {
	ScrollbackCap   int
	QueueCap        int
	EvictThreshold  int64
	OpTimeout       time.Duration
	DrainGrace      time.Duration
	Clock           muxcore.Clock
	ExternalAdapter *muxadapter.Adapter // nil disables the multiplexed backend
}

// Coordinator is the process-wide owner of the Registry, the per-window
// Fanouts, and the single-writer locks, per the design notes: "place it
// behind a single owner object, not module-level mutable globals".
type Coordinator struct {
	registry *muxcore.Registry
	adapter  *muxadapter.Adapter
	clock    muxcore.Clock

	scrollbackCap  int
	queueCap       int
	evictThreshold int64
	opTimeout      time.Duration
	drainGrace     time.Duration

	mu         sync.Mutex
	fanouts    map[string]*fanout.Fanout
	writeLocks map[string]*sync.Mutex
	subIndex   map[string]string // subID -> windowID

	nextSubID uint64
}

// New constructs a Coordinator with its own isolated Registry, so tests
// can run multiple instances without shared state.
func New(cfg Config) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = muxcore.RealClock{}
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	drainGrace := cfg.DrainGrace
	if drainGrace <= 0 {
		drainGrace = DefaultDrainGrace
	}

	return &Coordinator{
		registry:       muxcore.NewRegistry(),
		adapter:        cfg.ExternalAdapter,
		clock:          clock,
		scrollbackCap:  cfg.ScrollbackCap,
		queueCap:       cfg.QueueCap,
		evictThreshold: cfg.EvictThreshold,
		opTimeout:      opTimeout,
		drainGrace:     drainGrace,
		fanouts:        make(map[string]*fanout.Fanout),
		writeLocks:     make(map[string]*sync.Mutex),
		subIndex:       make(map[string]string),
	}
}

// Registry exposes the underlying registry for List-style read access by
// collaborators that need more than WindowSummary (e.g. a status page).
func (c *Coordinator) Registry() *muxcore.Registry { return c.registry }

// Create allocates a Host (direct PTY, or the external adapter's
// attach-PTY when spec.PreferMultiplexed is set and the adapter is
// available), wires a Fanout, and inserts the resulting Window into the
// Registry. "Create happens-before any Attach for that Window" (spec
// §5) holds because Insert runs only after the Host is fully wired.
func (c *Coordinator) Create(spec muxcore.WindowSpec) (string, error) {
	if spec.Cols < 1 || spec.Rows < 1 {
		return "", fmt.Errorf("%w: cols/rows must be >= 1", muxcore.ErrInvalid)
	}
	if len(spec.Cmd) == 0 {
		return "", fmt.Errorf("%w: empty command", muxcore.ErrInvalid)
	}

	var (
		host           muxcore.Host
		windowID       string
		source         muxcore.Source
		fallbackReason string
	)

	useMux := spec.PreferMultiplexed && c.adapter != nil && c.adapter.Available()
	if spec.PreferMultiplexed && !useMux {
		fallbackReason = "tmux_not_found"
	}

	if useMux {
		sessionName, err := c.adapter.EnsureSession(spec.ProjectPath, spec.Cwd, spec.Env)
		if err != nil {
			return "", err
		}
		index, err := c.adapter.CreateWindow(sessionName, spec.Label)
		if err != nil {
			return "", err
		}
		h, err := c.adapter.Attach(sessionName, index, spec.Cols, spec.Rows)
		if err != nil {
			return "", err
		}
		host = h
		windowID = muxcore.NewMuxID(sessionName, index)
		source = muxcore.SourceMultiplexed
	} else {
		h, err := ptyhost.Spawn(ptyhost.SpawnConfig{
			Command: spec.Cmd[0],
			Args:    spec.Cmd[1:],
			Dir:     spec.Cwd,
			Env:     spec.Env,
			Cols:    spec.Cols,
			Rows:    spec.Rows,
			Clock:   c.clock,
		})
		if err != nil {
			return "", err
		}
		host = h
		windowID = muxcore.NewPTYID()
		source = muxcore.SourceDirectPTY
	}

	name := spec.Label
	if name == "" {
		name = windowID
	}

	w := muxcore.NewWindow(windowID, name, spec.ProjectPath, source, spec.Cols, spec.Rows, host, c.clock.Now())
	if fallbackReason != "" {
		w.SetFallbackReason(fallbackReason)
	}

	f := fanout.New(windowID, c.scrollbackCap, c.makeEvictFunc(windowID))

	c.mu.Lock()
	c.fanouts[windowID] = f
	c.writeLocks[windowID] = &sync.Mutex{}
	c.mu.Unlock()

	f.Bind(host)
	host.OnExit(c.makeExitFunc(windowID))

	c.registry.Insert(w)

	log.Printf("coordinator: window %s created (source=%s, project=%s)", windowID, source, spec.ProjectPath)
	return windowID, nil
}

// Attach adds a Subscriber to winID, replaying scrollback before any
// live chunk. Returns ErrInvalid for a zero viewport, ErrNotFound for an
// unknown ID, and ErrTerminal if the window has already exited.
func (c *Coordinator) Attach(winID string, sink muxcore.Sink, cols, rows int) (string, error) {
	if cols < 1 || rows < 1 {
		return "", fmt.Errorf("%w: cols/rows must be >= 1", muxcore.ErrInvalid)
	}

	w, ok := c.registry.GetRaw(winID)
	if !ok {
		return "", muxcore.ErrNotFound
	}
	if w.State() == muxcore.Terminal {
		return "", muxcore.ErrTerminal
	}

	c.mu.Lock()
	c.nextSubID++
	subID := fmt.Sprintf("sub-%d", c.nextSubID)
	f := c.fanouts[winID]
	c.mu.Unlock()
	if f == nil {
		return "", muxcore.ErrNotFound
	}

	if err := w.AddSubscriber(subID); err != nil {
		return "", err
	}

	w.SetDims(cols, rows)
	if host := w.Host(); host != nil {
		_ = host.Resize(cols, rows) // best effort; a race with exit is not an error here
	}

	sub := muxcore.NewSubscriber(subID, winID, sink, c.queueCap, c.evictThreshold, c.clock.Now())
	if err := f.Attach(sub); err != nil {
		w.RemoveSubscriber(subID)
		return "", err
	}

	c.mu.Lock()
	c.subIndex[subID] = winID
	c.mu.Unlock()

	return subID, nil
}

// Detach removes a subscriber. Idempotent: detaching an unknown or
// already-detached subID returns ok.
func (c *Coordinator) Detach(subID string) error {
	c.mu.Lock()
	winID, ok := c.subIndex[subID]
	if ok {
		delete(c.subIndex, subID)
	}
	f := c.fanouts[winID]
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if f != nil {
		f.Detach(subID)
	}
	if w, ok := c.registry.GetRaw(winID); ok {
		w.RemoveSubscriber(subID)
	}
	return nil
}

// Write serializes input from every caller attached to winID into a
// single stream delivered to the Host in call order, enforcing the
// single-writer discipline of spec §4.5: one client's Write must
// complete before another's begins.
func (c *Coordinator) Write(winID string, p []byte) (int, error) {
	w, ok := c.registry.GetRaw(winID)
	if !ok {
		return 0, muxcore.ErrNotFound
	}
	if w.State() == muxcore.Terminal {
		return 0, muxcore.ErrTerminal
	}

	c.mu.Lock()
	lock := c.writeLocks[winID]
	c.mu.Unlock()
	if lock == nil {
		return 0, muxcore.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	host := w.Host()
	if host == nil {
		return 0, muxcore.ErrTerminal
	}

	return withTimeout(c.opTimeout, c.clock, func() (int, error) {
		return host.Write(p)
	})
}

// Resize applies the last-resize-wins policy of spec §4.5.
func (c *Coordinator) Resize(winID string, cols, rows int) error {
	if cols < 1 || rows < 1 {
		return fmt.Errorf("%w: cols/rows must be >= 1", muxcore.ErrInvalid)
	}

	w, ok := c.registry.GetRaw(winID)
	if !ok {
		return muxcore.ErrNotFound
	}
	if w.State() == muxcore.Terminal {
		return muxcore.ErrTerminal
	}

	w.SetDims(cols, rows)
	host := w.Host()
	if host == nil {
		return muxcore.ErrTerminal
	}

	_, err := withTimeout(c.opTimeout, c.clock, func() (struct{}, error) {
		return struct{}{}, host.Resize(cols, rows)
	})
	return err
}

// Kill terminates winID's Host (SIGTERM -> grace -> SIGKILL for a direct
// PTY; tmux kill-window plus local detach for a multiplexed one) and is
// idempotent: killing an unknown or already-terminal window succeeds
// without error, per spec §7.
func (c *Coordinator) Kill(winID string) error {
	w, ok := c.registry.GetRaw(winID)
	if !ok {
		return nil
	}
	if w.State() == muxcore.Terminal {
		return nil
	}
	host := w.Host()
	if host == nil {
		return nil
	}

	if w.Source() == muxcore.SourceMultiplexed && c.adapter != nil {
		if parsed, err := muxcore.ParseID(winID); err == nil {
			c.adapter.DetachLocal(parsed.Session, parsed.Index)
		}
	}

	_, err := withTimeout(c.opTimeout, c.clock, func() (struct{}, error) {
		return struct{}{}, host.Kill()
	})

	if w.Source() == muxcore.SourceMultiplexed && c.adapter != nil {
		if parsed, perr := muxcore.ParseID(winID); perr == nil {
			_ = c.adapter.KillWindow(parsed.Session, parsed.Index)
		}
	}

	return err
}

// List returns window summaries matching filter.
func (c *Coordinator) List(filter muxcore.Filter) []muxcore.WindowSummary {
	windows := c.registry.List(filter)
	out := make([]muxcore.WindowSummary, 0, len(windows))
	for _, w := range windows {
		out = append(out, w.Summary())
	}
	return out
}

// ReconcileExternal re-enumerates the external multiplexer's windows and
// tears down registry entries whose backing window is gone, per spec
// §4.3's ReconcileExternal and the ErrGone recovery policy in §7.
func (c *Coordinator) ReconcileExternal() {
	if c.adapter == nil {
		return
	}
	live, err := c.adapter.Enumerate(muxcore.MuxNamespace)
	if err != nil {
		log.Printf("coordinator: reconcile failed: %v", err)
		return
	}

	liveIDs := make(map[string]bool, len(live))
	for _, w := range live {
		liveIDs[muxcore.NewMuxID(w.Session, w.Index)] = true
	}

	mux := muxcore.SourceMultiplexed
	for _, w := range c.registry.List(muxcore.Filter{Source: &mux}) {
		if !liveIDs[w.ID()] {
			log.Printf("coordinator: external window %s no longer present, reconciling", w.ID())
			c.finishWindow(w.ID(), 0, "")
		}
	}
}

// Shutdown kills every live window in turn; each one is drained by the
// exit path (finishWindow). A window rejects new subscribers only once it
// is Terminal, after its Host has exited. No coordinator-wide flag is
// set: a window not yet killed still accepts Attach, and Create stays
// open, while Shutdown runs.
func (c *Coordinator) Shutdown() {
	for _, w := range c.registry.List(muxcore.Filter{}) {
		_ = c.Kill(w.ID())
	}
}

func (c *Coordinator) makeEvictFunc(windowID string) fanout.EvictFunc {
	return func(subID string, dropped int64) {
		c.mu.Lock()
		f := c.fanouts[windowID]
		c.mu.Unlock()
		if f == nil {
			return
		}
		_ = f.BroadcastControl(subID, muxcore.Chunk{Kind: muxcore.ChunkSlowConsumerEvicted, DroppedBytes: dropped})
		f.Detach(subID)

		if w, ok := c.registry.GetRaw(windowID); ok {
			w.RemoveSubscriber(subID)
		}
		c.mu.Lock()
		delete(c.subIndex, subID)
		c.mu.Unlock()
	}
}

func (c *Coordinator) makeExitFunc(windowID string) func(code int, signal string) {
	return func(code int, signal string) {
		c.finishWindow(windowID, code, signal)
	}
}

// finishWindow drives the failure-recovery sequence of spec §4.5: mark
// Terminal, deliver a final WindowExited to every subscriber, drain for
// T_drain, stop the fanout, and remove the window from the registry.
func (c *Coordinator) finishWindow(windowID string, code int, signal string) {
	w, ok := c.registry.GetRaw(windowID)
	if !ok {
		return
	}

	_, subIDs := w.MarkTerminal()

	c.mu.Lock()
	f := c.fanouts[windowID]
	c.mu.Unlock()

	if f != nil {
		for _, subID := range subIDs {
			_ = f.BroadcastControl(subID, muxcore.Chunk{Kind: muxcore.ChunkWindowExited, ExitCode: code, ExitSignal: signal})
		}

		timer := c.clock.NewTimer(c.drainGrace)
		<-timer.C()
		timer.Stop()

		f.Stop()
	}

	c.registry.Remove(windowID)

	c.mu.Lock()
	delete(c.fanouts, windowID)
	delete(c.writeLocks, windowID)
	for _, subID := range subIDs {
		delete(c.subIndex, subID)
	}
	c.mu.Unlock()

	log.Printf("coordinator: window %s reached terminal state (exit=%d signal=%q)", windowID, code, signal)
}
