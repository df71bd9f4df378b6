//go:build windows

package ptyhost

import "os/exec"

// setProcessGroup is a no-op on Windows; the PTY layer (conpty via
// creack/pty) manages its own job object.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup has no SIGTERM equivalent on Windows; Kill goes
// straight to process termination, matching the teacher's
// session_windows.go no-op for SIGWINCH.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitStatus(cmd *exec.Cmd) (code int, signal string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
