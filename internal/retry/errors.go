// SPDX-License-Identifier: MIT

package retry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInputInvalid marks a malformed or unsupported source asset,
	// detected at probe time. Permanent, never retried.
	ErrInputInvalid = errors.New("invalid input asset")

	// ErrOutputMissing marks a tool that exited zero but did not produce
	// the expected output files.
	ErrOutputMissing = errors.New("expected output missing")

	// ErrStateConflict marks a concurrent-write detection on a stage
	// transition. Retried immediately and never counted against the
	// attempt cap.
	ErrStateConflict = errors.New("state transition conflict")
)

// ToolError carries the structured outcome of a failed tool invocation.
type ToolError struct {
	Tool     string
	ExitCode int
	TimedOut bool
	LogTail  []string
}

func (e *ToolError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out", e.Tool)
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if len(e.LogTail) > 0 {
		tail := e.LogTail
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		msg += ": " + strings.Join(tail, " | ")
	}
	return msg
}
