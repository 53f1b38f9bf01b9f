// SPDX-License-Identifier: MIT

// Package procgroup places external tool processes in their own process
// group so that a timeout or cancellation can reap the whole tree, not just
// the direct child.
package procgroup

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrKillFailed is returned when delivering SIGKILL to the process group
// fails after the graceful termination window expired.
var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group.
// Mandatory for Terminate to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate gracefully stops a process group: SIGTERM, wait up to grace via
// the provided wait channel, then SIGKILL. It consumes and returns the
// error from waitCh. Safe to call on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		if kerr := Kill(cmd, syscall.SIGKILL); kerr != nil {
			return fmt.Errorf("%w: %v", ErrKillFailed, kerr)
		}
		// SIGKILL frees a blocked process; always drain waitCh.
		return <-waitCh
	}
}
