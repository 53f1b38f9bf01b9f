// SPDX-License-Identifier: MIT

package model

import (
	"testing"
	"time"
)

func TestSuccessPolicy_Required(t *testing.T) {
	tests := []struct {
		name   string
		policy SuccessPolicy
		total  int
		want   int
	}{
		{"all", SuccessPolicy{Mode: PolicyAll}, 3, 3},
		{"at_least_2", SuccessPolicy{Mode: PolicyAtLeast, MinSuccess: 2}, 3, 2},
		{"at_least_clamped_high", SuccessPolicy{Mode: PolicyAtLeast, MinSuccess: 5}, 3, 3},
		{"at_least_clamped_low", SuccessPolicy{Mode: PolicyAtLeast, MinSuccess: 0}, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Required(tt.total); got != tt.want {
				t.Errorf("Required(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

func TestStage_Lifecycle(t *testing.T) {
	s := NewStage(StageEncode)
	if s.Status != StagePending || s.Attempts != 0 {
		t.Fatalf("new stage not pending: %+v", s)
	}

	now := time.Now()
	s.Begin(now)
	if s.Status != StageRunning || s.Attempts != 1 {
		t.Fatalf("after Begin: %+v", s)
	}

	s.Reset(RToolTimeout, "timed out")
	if s.Status != StagePending {
		t.Fatalf("after Reset: %+v", s)
	}
	if s.Attempts != 1 {
		t.Fatalf("Reset must preserve attempts, got %d", s.Attempts)
	}

	s.Begin(now)
	if s.Attempts != 2 {
		t.Fatalf("second Begin should increment attempts, got %d", s.Attempts)
	}

	s.Succeed(now)
	if s.Status != StageSucceeded || s.Reason != RNone {
		t.Fatalf("after Succeed: %+v", s)
	}
}

func TestJobRecord_PolicyMet(t *testing.T) {
	ladder := []RenditionSpec{
		{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1200},
	}
	job := NewJob("j1", Asset{ID: "j1", Path: "/in.mp4"},
		ladder, SuccessPolicy{Mode: PolicyAtLeast, MinSuccess: 2}, 0, time.Now())

	if job.PolicyMet() {
		t.Fatal("policy met with zero packaged renditions")
	}

	now := time.Now()
	markPackaged := func(r *Rendition) {
		for _, s := range r.Stages() {
			s.Begin(now)
			s.Succeed(now)
		}
	}
	markPackaged(job.Renditions[0])
	if job.PolicyMet() {
		t.Fatal("policy met with 1 of 2 required")
	}
	markPackaged(job.Renditions[2])
	if !job.PolicyMet() {
		t.Fatal("policy not met with 2 of 2 required")
	}
	if got := job.PackagedCount(); got != 2 {
		t.Fatalf("PackagedCount = %d, want 2", got)
	}
}

func TestRendition_Failed(t *testing.T) {
	r := NewRendition(RenditionSpec{Name: "720p"})
	if r.Failed() {
		t.Fatal("fresh rendition reports failed")
	}
	now := time.Now()
	r.Encode.Begin(now)
	r.Encode.Fail(now, RAttemptCap, "exhausted")
	if !r.Failed() {
		t.Fatal("rendition with failed encode not reported failed")
	}
	if r.Packaged() {
		t.Fatal("failed rendition reports packaged")
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobPublished, JobFailed, JobCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
