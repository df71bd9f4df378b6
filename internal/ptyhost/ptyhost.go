// Package ptyhost implements the PTY Host (C1): it spawns a child
// process inside a pseudo-terminal, owns its file descriptors and
// process group, forwards bytes in both directions, and applies resize
// and kill.
//
// Grounded in the teacher's terminal/session.go (startSessionProcess,
// readPTY, Close) and terminal/session_unix.go / session_windows.go for
// the platform-specific signal delivery, generalized from SIGWINCH-only
// to the full SIGTERM -> grace -> SIGKILL sequence spec §4.1 requires.
package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/mobileforge/termbroker/internal/muxcore"
)

// DefaultKillGrace is T_kill_grace: the interval between SIGTERM and
// SIGKILL on Kill.
const DefaultKillGrace = 500 * time.Millisecond

// SpawnConfig configures a new Host.
type SpawnConfig struct {
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	Cols      int
	Rows      int
	KillGrace time.Duration // 0 uses DefaultKillGrace
	Clock     muxcore.Clock // nil uses muxcore.RealClock{}
}

// Host spawns and owns one child process under a PTY. It implements
// muxcore.Host.
type Host struct {
	ptmx *os.File
	cmd  *exec.Cmd
	clock muxcore.Clock
	killGrace time.Duration

	mu       sync.Mutex
	closed   bool
	onBytes  func([]byte)
	onExit   func(code int, signal string)
	exitOnce sync.Once
	readerWG sync.WaitGroup
}

// Spawn starts cfg.Command under a PTY in its own session/process group
// so signals never leak back to the broker. Returns muxcore.ErrSpawn
// wrapping the cause when the executable is missing, the cwd does not
// exist, or the PTY cannot be allocated.
func Spawn(cfg SpawnConfig) (*Host, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", muxcore.ErrInvalid)
	}
	if cfg.Cols < 1 || cfg.Rows < 1 {
		return nil, fmt.Errorf("%w: cols/rows must be >= 1", muxcore.ErrInvalid)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	setProcessGroup(cmd)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(cfg.Rows), Cols: uint16(cfg.Cols)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", muxcore.ErrSpawn, err)
	}

	killGrace := cfg.KillGrace
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = muxcore.RealClock{}
	}

	h := &Host{
		ptmx:      ptmx,
		cmd:       cmd,
		clock:     clock,
		killGrace: killGrace,
	}
	return h, nil
}

func buildEnv(env map[string]string) []string {
	out := os.Environ()
	termSet, colorSet := false, false
	for k, v := range env {
		out = append(out, k+"="+v)
		if k == "TERM" {
			termSet = true
		}
		if k == "COLORTERM" {
			colorSet = true
		}
	}
	if !termSet {
		out = append(out, "TERM=xterm-256color")
	}
	if !colorSet {
		out = append(out, "COLORTERM=truecolor")
	}
	return out
}

// OnBytes registers the byte callback and starts the dedicated reader
// task. Must be called at most once; a second call is a no-op.
func (h *Host) OnBytes(cb func([]byte)) {
	h.mu.Lock()
	if h.onBytes != nil {
		h.mu.Unlock()
		return
	}
	h.onBytes = cb
	h.mu.Unlock()

	h.readerWG.Add(1)
	go h.readLoop()
}

// OnExit registers the exit callback, invoked exactly once.
func (h *Host) OnExit(cb func(code int, signal string)) {
	h.mu.Lock()
	h.onExit = cb
	h.mu.Unlock()
}

// readLoop is the dedicated reader task. It exits exactly when the PTY
// master returns EOF or error, and fires OnExit exactly once via
// exitOnce, per spec §4.1.
func (h *Host) readLoop() {
	defer h.readerWG.Done()

	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.mu.Lock()
			cb := h.onBytes
			h.mu.Unlock()
			if cb != nil {
				cb(chunk)
			}
		}
		if err != nil {
			h.fireExit()
			return
		}
	}
}

func (h *Host) fireExit() {
	h.exitOnce.Do(func() {
		code, signal := exitStatus(h.cmd)
		h.mu.Lock()
		h.closed = true
		cb := h.onExit
		h.mu.Unlock()
		if cb != nil {
			cb(code, signal)
		}
	})
}

// Write sends input to the child. Returns muxcore.ErrClosed if the host
// has already exited, without partial effect.
func (h *Host) Write(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, muxcore.ErrClosed
	}
	return h.ptmx.Write(p)
}

// Resize applies a viewport change. Returns muxcore.ErrClosed if exited.
func (h *Host) Resize(cols, rows int) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return muxcore.ErrClosed
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill sends SIGTERM to the process group, waits T_kill_grace, then
// SIGKILL if the process is still alive. It waits for the reader task to
// finish so no file descriptor is leaked.
func (h *Host) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return muxcore.ErrNotFound
	}

	terminateProcessGroup(cmd)

	exited := make(chan struct{})
	go func() {
		h.readerWG.Wait()
		close(exited)
	}()

	timer := h.clock.NewTimer(h.killGrace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C():
		killProcessGroup(cmd)
		h.readerWG.Wait()
	}

	_ = h.ptmx.Close()
	return nil
}
