// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestExec() *Exec {
	e := NewExec(zerolog.Nop())
	e.Grace = 500 * time.Millisecond
	return e
}

func TestExec_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	res, err := newTestExec().Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo frame=100; echo frame=200"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("result = %+v, want clean exit", res)
	}
	if len(res.LogTail) != 2 || res.LogTail[1] != "frame=200" {
		t.Errorf("log tail = %v", res.LogTail)
	}
}

func TestExec_NonzeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	res, err := newTestExec().Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo broken pipe >&2; exit 3"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if len(res.LogTail) == 0 {
		t.Error("stderr not captured")
	}
}

func TestExec_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	start := time.Now()
	res, err := newTestExec().Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("result not marked timed out")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("reaping took %s, process group not killed promptly", elapsed)
	}
}

func TestExec_ContextCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newTestExec().Run(ctx, Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: time.Minute,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestExec_SpawnError(t *testing.T) {
	_, err := newTestExec().Run(context.Background(), Spec{
		Command: "/nonexistent/tool-xyz",
		Timeout: time.Second,
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}
