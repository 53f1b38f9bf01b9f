// SPDX-License-Identifier: MIT

// Package runner executes one external tool invocation with captured
// output, a hard wall-clock timeout and guaranteed process-group reaping on
// every exit path. It performs no retries; classification and retry policy
// live with the caller.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/procgroup"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renditiond",
		Name:      "runner_invocations_total",
		Help:      "Total external tool invocations",
	}, []string{"tool", "result"}) // result: ok|exit|timeout|cancel|spawn_error

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "renditiond",
		Name:      "runner_duration_seconds",
		Help:      "Wall-clock duration of external tool invocations",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
	}, []string{"tool"})
)

// Spec describes one tool invocation.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration

	// LogLines bounds the captured output tail. Zero means 256.
	LogLines int
}

// Result is the structured outcome of one invocation.
type Result struct {
	ExitCode int
	TimedOut bool
	Elapsed  time.Duration
	LogTail  []string
}

// Runner executes tool invocations. Implemented by Exec; stubbed in tests.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// Exec runs tools as real subprocesses in their own process group.
type Exec struct {
	// Grace is the SIGTERM-to-SIGKILL window on timeout or cancellation.
	Grace  time.Duration
	Logger zerolog.Logger
}

// NewExec returns an Exec runner with a 5s termination grace.
func NewExec(logger zerolog.Logger) *Exec {
	return &Exec{Grace: 5 * time.Second, Logger: logger}
}

// Run launches the tool and blocks until exit, timeout or cancellation.
// The returned error is non-nil only when the process could not be started
// or the context ended; a nonzero exit is reported via Result.ExitCode.
func (e *Exec) Run(ctx context.Context, spec Spec) (Result, error) {
	lines := spec.LogLines
	if lines == 0 {
		lines = 256
	}
	ring := NewLineRing(lines)

	cmd := exec.Command(spec.Command, spec.Args...) // #nosec G204 -- args built internally from validated specs
	cmd.Dir = spec.Dir
	cmd.Stdout = ring
	cmd.Stderr = ring
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	procgroup.Set(cmd)

	e.Logger.Debug().Str("command", cmd.String()).Dur("timeout", spec.Timeout).Msg("starting tool")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		runsTotal.WithLabelValues(spec.Command, "spawn_error").Inc()
		return Result{LogTail: ring.LastN(lines)}, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		t := time.NewTimer(spec.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var waitErr error
	res := Result{}

	select {
	case waitErr = <-waitCh:
	case <-timeout:
		res.TimedOut = true
		waitErr = procgroup.Terminate(cmd, waitCh, e.Grace)
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, e.Grace)
		res.Elapsed = time.Since(start)
		res.ExitCode = -1
		res.LogTail = ring.LastN(lines)
		runsTotal.WithLabelValues(spec.Command, "cancel").Inc()
		return res, ctx.Err()
	}

	res.Elapsed = time.Since(start)
	res.LogTail = ring.LastN(lines)
	runDuration.WithLabelValues(spec.Command).Observe(res.Elapsed.Seconds())

	if waitErr != nil {
		res.ExitCode = -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
	}

	switch {
	case res.TimedOut:
		runsTotal.WithLabelValues(spec.Command, "timeout").Inc()
		e.Logger.Warn().Str("command", spec.Command).Dur("elapsed", res.Elapsed).Msg("tool timed out, process group reaped")
	case res.ExitCode != 0:
		runsTotal.WithLabelValues(spec.Command, "exit").Inc()
		e.Logger.Warn().Str("command", spec.Command).Int("exit_code", res.ExitCode).Strs("log_tail", ring.LastN(20)).Msg("tool exited nonzero")
	default:
		runsTotal.WithLabelValues(spec.Command, "ok").Inc()
	}

	return res, nil
}
