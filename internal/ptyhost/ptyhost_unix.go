//go:build !windows

package ptyhost

import (
	"os/exec"
	"syscall"
)

// setProcessGroup isolates the child in its own session/process group so
// signals delivered to the broker (or to its own group) never reach the
// child, and so Kill can reliably reach the whole group the child may
// have forked (e.g. a shell running a pipeline).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminateProcessGroup sends SIGTERM to the negative pid (process
// group), mirroring the teacher's sendSignalToProcess but generalized
// from SIGWINCH to the kill sequence of spec §4.1.
func terminateProcessGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// killProcessGroup escalates to SIGKILL after the grace period elapses.
func killProcessGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// exitStatus reaps the child with Wait and classifies its termination.
func exitStatus(cmd *exec.Cmd) (code int, signal string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, status.Signal().String()
			}
			return status.ExitStatus(), ""
		}
	}
	return -1, ""
}
