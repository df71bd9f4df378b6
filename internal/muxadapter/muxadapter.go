// Package muxadapter implements the External Session Adapter (C2): it
// maps logical windows onto tmux "session:window" identifiers in a
// detached tmux server, so windows survive the broker restarting.
//
// Grounded in the teacher's terminal/session.go tmux backend
// (startTmuxSession, sanitizeTmuxSessionName, the backend-fallback
// reporting in sessionStartResult), generalized from a single
// new-session-per-ID call into the full Ensure/Create/Attach/Kill/
// Enumerate operation set of spec §4.2.
package muxadapter

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mobileforge/termbroker/internal/muxcore"
	"github.com/mobileforge/termbroker/internal/ptyhost"
)

// Adapter wraps an external tmux binary. The zero value is not usable;
// construct with New.
type Adapter struct {
	binary  string
	timeout time.Duration
}

// New returns an Adapter using "tmux" on PATH.
func New() *Adapter {
	return &Adapter{binary: "tmux", timeout: 5 * time.Second}
}

// Available reports whether the tmux binary can be found. Per spec
// §4.2, callers should fall back to direct PTY mode when this is false.
func (a *Adapter) Available() bool {
	_, err := exec.LookPath(a.binary)
	return err == nil
}

func (a *Adapter) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, a.binary, args...).Output()
	return string(out), err
}

func (a *Adapter) hasSession(name string) bool {
	_, err := a.run("has-session", "-t", name)
	return err == nil
}

// EnsureSession computes the deterministic session name for projectPath
// and creates a detached session with an initial window if none exists.
// If two concurrent callers race to create the same session, the loser's
// "duplicate session" error is swallowed and it simply joins the
// session the winner created (spec §4.2 tie-break).
func (a *Adapter) EnsureSession(projectPath, cwd string, env map[string]string) (string, error) {
	name := muxcore.SessionNameFor(projectPath)

	if a.hasSession(name) {
		return name, nil
	}

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if _, err := a.run(args...); err != nil {
		if a.hasSession(name) {
			return name, nil // lost the race, joined the winner
		}
		return "", fmt.Errorf("%w: tmux new-session: %v", muxcore.ErrSpawn, err)
	}
	return name, nil
}

// CreateWindow creates a new window in sessionName and returns its
// tmux-assigned index. If label is non-empty the window is renamed.
func (a *Adapter) CreateWindow(sessionName, label string) (int, error) {
	out, err := a.run("new-window", "-t", sessionName, "-P", "-F", "#{window_index}")
	if err != nil {
		return 0, fmt.Errorf("%w: tmux new-window: %v", muxcore.ErrSpawn, err)
	}
	index, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected tmux output %q", muxcore.ErrSpawn, out)
	}

	if label != "" {
		target := fmt.Sprintf("%s:%d", sessionName, index)
		if _, err := a.run("rename-window", "-t", target, label); err != nil {
			return 0, fmt.Errorf("%w: tmux rename-window: %v", muxcore.ErrSpawn, err)
		}
	}
	return index, nil
}

// windowExists checks list-windows output for the given index.
func (a *Adapter) windowExists(sessionName string, index int) bool {
	out, err := a.run("list-windows", "-t", sessionName, "-F", "#{window_index}")
	if err != nil {
		return false
	}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if scanner.Text() == strconv.Itoa(index) {
			return true
		}
	}
	return false
}

// Attach spawns a local PTY running "tmux attach-session -t
// session:index"; the returned *ptyhost.Host satisfies muxcore.Host
// identically to a direct PTY, so the Output Fanout treats it the same
// way. Returns muxcore.ErrGone if the window disappeared since it was
// last enumerated.
func (a *Adapter) Attach(sessionName string, index, cols, rows int) (*ptyhost.Host, error) {
	target := fmt.Sprintf("%s:%d", sessionName, index)
	if !a.windowExists(sessionName, index) {
		return nil, fmt.Errorf("%w: %s", muxcore.ErrGone, target)
	}

	return ptyhost.Spawn(ptyhost.SpawnConfig{
		Command: a.binary,
		Args:    []string{"attach-session", "-t", target},
		Cols:    cols,
		Rows:    rows,
	})
}

// DetachLocal attempts a graceful tmux detach (sends the multiplexer's
// own detach command) before the caller kills the local attach PTY.
// Whether this is strictly necessary depends on the tmux version and
// terminal state; the source repo tried it defensively and this adapter
// keeps that choice rather than second-guessing it — see spec §9's open
// question on this exact point. Errors are ignored: DetachLocal is
// best-effort cleanup, and Kill (the caller's next step) always
// succeeds regardless.
func (a *Adapter) DetachLocal(sessionName string, index int) {
	target := fmt.Sprintf("%s:%d", sessionName, index)
	_, _ = a.run("detach-client", "-t", target)
}

// KillWindow kills one window within a session.
func (a *Adapter) KillWindow(sessionName string, index int) error {
	target := fmt.Sprintf("%s:%d", sessionName, index)
	if _, err := a.run("kill-window", "-t", target); err != nil {
		if !a.hasSession(sessionName) || !a.windowExists(sessionName, index) {
			return nil // already gone; Kill is idempotent
		}
		return fmt.Errorf("tmux kill-window: %w", err)
	}
	return nil
}

// KillSession kills an entire session.
func (a *Adapter) KillSession(sessionName string) error {
	if _, err := a.run("kill-session", "-t", sessionName); err != nil {
		if !a.hasSession(sessionName) {
			return nil
		}
		return fmt.Errorf("tmux kill-session: %w", err)
	}
	return nil
}

// ExternalWindow describes one live tmux window discovered by Enumerate.
type ExternalWindow struct {
	Session string
	Index   int
}

// Enumerate lists sessions whose name carries the broker's namespace
// prefix and their windows, for ReconcileExternal to diff against the
// registry.
func (a *Adapter) Enumerate(prefix string) ([]ExternalWindow, error) {
	out, err := a.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running at all is not an error condition here.
		if exitErr, ok := err.(*exec.ExitError); ok && strings.Contains(string(exitErr.Stderr), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}

	var result []ExternalWindow
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		session := strings.TrimSpace(scanner.Text())
		if session == "" || !strings.HasPrefix(session, prefix) {
			continue
		}
		windowsOut, err := a.run("list-windows", "-t", session, "-F", "#{window_index}")
		if err != nil {
			continue
		}
		ws := bufio.NewScanner(strings.NewReader(windowsOut))
		for ws.Scan() {
			idx, err := strconv.Atoi(strings.TrimSpace(ws.Text()))
			if err != nil {
				continue
			}
			result = append(result, ExternalWindow{Session: session, Index: idx})
		}
	}
	return result, nil
}
