// SPDX-License-Identifier: MIT

package model

import "time"

// MediaInfo holds the probed metadata of a source asset. Populated once by
// the probe stage and immutable afterwards.
type MediaInfo struct {
	DurationSec float64 `json:"durationSec"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VideoCodec  string  `json:"videoCodec"`
	AudioCodec  string  `json:"audioCodec,omitempty"`
	Container   string  `json:"container"`
}

// Asset is one uploaded source file, owned by the job that references it.
type Asset struct {
	ID     string     `json:"id"`
	Path   string     `json:"path"`
	Probed *MediaInfo `json:"probed,omitempty"`
}

// RenditionSpec describes one target quality variant.
type RenditionSpec struct {
	Name        string `json:"name"` // e.g. "1080p", "720p"
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	BitrateKbps int    `json:"bitrateKbps"`
	Codec       string `json:"codec"` // h264, hevc

	// AllowSoftware permits a CPU fallback encode when no GPU slot is
	// available within the acquisition timeout.
	AllowSoftware bool `json:"allowSoftware"`
}

// Stage records one named pipeline step applied to a job or rendition.
type Stage struct {
	Name     StageName   `json:"name"`
	Status   StageStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Reason   ReasonCode  `json:"reason,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	LogTail  []string    `json:"logTail,omitempty"`

	StartedAtUnix int64 `json:"startedAtUnix,omitempty"`
	EndedAtUnix   int64 `json:"endedAtUnix,omitempty"`
}

// NewStage returns a pending stage with zero attempts.
func NewStage(name StageName) Stage {
	return Stage{Name: name, Status: StagePending}
}

// Begin marks the stage running and stamps the start time. Attempts count
// executions, so every Begin increments.
func (s *Stage) Begin(now time.Time) {
	s.Status = StageRunning
	s.Attempts++
	s.StartedAtUnix = now.Unix()
	s.EndedAtUnix = 0
	s.Reason = RNone
	s.Detail = ""
}

// Succeed marks the stage terminally succeeded.
func (s *Stage) Succeed(now time.Time) {
	s.Status = StageSucceeded
	s.EndedAtUnix = now.Unix()
	s.Reason = RNone
}

// Fail marks the stage terminally failed with the given reason.
func (s *Stage) Fail(now time.Time, reason ReasonCode, detail string) {
	s.Status = StageFailed
	s.EndedAtUnix = now.Unix()
	s.Reason = reason
	s.Detail = detail
}

// Reset returns the stage to pending for a retry. The attempt counter is
// preserved; Begin increments it on the next execution.
func (s *Stage) Reset(reason ReasonCode, detail string) {
	s.Status = StagePending
	s.Reason = reason
	s.Detail = detail
	s.StartedAtUnix = 0
	s.EndedAtUnix = 0
}

// Rendition is one target variant of a job. Renditions of one job fail
// independently; the publish join point applies the success policy.
type Rendition struct {
	Spec RenditionSpec `json:"spec"`

	Encode   Stage `json:"encode"`
	Fragment Stage `json:"fragment"`
	Package  Stage `json:"package"`

	// UsedGPU records whether the encode ran on a GPU slot.
	UsedGPU bool `json:"usedGpu,omitempty"`

	EncodedPath  string `json:"encodedPath,omitempty"`
	SegmentDir   string `json:"segmentDir,omitempty"`
	ManifestPath string `json:"manifestPath,omitempty"`
}

// NewRendition builds a rendition with all stages pending.
func NewRendition(spec RenditionSpec) *Rendition {
	return &Rendition{
		Spec:     spec,
		Encode:   NewStage(StageEncode),
		Fragment: NewStage(StageFragment),
		Package:  NewStage(StagePackage),
	}
}

// Stages returns the rendition's stages in pipeline order.
func (r *Rendition) Stages() []*Stage {
	return []*Stage{&r.Encode, &r.Fragment, &r.Package}
}

// Stage returns the stage with the given name, or nil.
func (r *Rendition) Stage(name StageName) *Stage {
	switch name {
	case StageEncode:
		return &r.Encode
	case StageFragment:
		return &r.Fragment
	case StagePackage:
		return &r.Package
	}
	return nil
}

// Packaged reports whether the rendition completed its full stage sequence.
func (r *Rendition) Packaged() bool {
	return r.Encode.Status == StageSucceeded &&
		r.Fragment.Status == StageSucceeded &&
		r.Package.Status == StageSucceeded
}

// Failed reports whether any stage of the rendition failed terminally.
func (r *Rendition) Failed() bool {
	for _, s := range r.Stages() {
		if s.Status == StageFailed {
			return true
		}
	}
	return false
}

// SuccessPolicy decides how many renditions must package successfully.
type SuccessPolicy struct {
	Mode PolicyMode `json:"mode"`
	// MinSuccess only applies to PolicyAtLeast.
	MinSuccess int `json:"minSuccess,omitempty"`
}

// Required returns the number of renditions that must succeed out of total.
func (p SuccessPolicy) Required(total int) int {
	switch p.Mode {
	case PolicyAtLeast:
		if p.MinSuccess < 1 {
			return 1
		}
		if p.MinSuccess > total {
			return total
		}
		return p.MinSuccess
	default:
		return total
	}
}

// JobRecord is the state-store source of truth for one conversion request.
type JobRecord struct {
	ID       string        `json:"id"`
	Asset    Asset         `json:"asset"`
	Status   JobStatus     `json:"status"`
	Priority int           `json:"priority"`
	Policy   SuccessPolicy `json:"policy"`

	// PartialPublish publishes the surviving renditions even when the
	// policy is unmet. The job still ends FAILED in that case.
	PartialPublish bool `json:"partialPublish,omitempty"`

	Probe   Stage `json:"probe"`
	Publish Stage `json:"publish"`

	Renditions []*Rendition `json:"renditions"`

	// CancelRequested is the cooperative cancellation flag, checked by the
	// worker at every stage boundary.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	ManifestMPD string `json:"manifestMpd,omitempty"`
	ManifestHLS string `json:"manifestHls,omitempty"`

	CreatedAtUnix   int64 `json:"createdAtUnix"`
	UpdatedAtUnix   int64 `json:"updatedAtUnix"`
	CompletedAtUnix int64 `json:"completedAtUnix,omitempty"`

	// Version guards stage transitions against concurrent writers.
	// Every store update increments it.
	Version uint64 `json:"version"`
}

// NewJob builds a pending job for the given asset and ladder.
func NewJob(id string, asset Asset, ladder []RenditionSpec, policy SuccessPolicy, priority int, now time.Time) *JobRecord {
	j := &JobRecord{
		ID:            id,
		Asset:         asset,
		Status:        JobPending,
		Priority:      priority,
		Policy:        policy,
		Probe:         NewStage(StageProbe),
		Publish:       NewStage(StagePublish),
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
	for _, spec := range ladder {
		j.Renditions = append(j.Renditions, NewRendition(spec))
	}
	return j
}

// Rendition returns the rendition with the given spec name, or nil.
func (j *JobRecord) Rendition(name string) *Rendition {
	for _, r := range j.Renditions {
		if r.Spec.Name == name {
			return r
		}
	}
	return nil
}

// PackagedCount returns the number of renditions that completed packaging.
func (j *JobRecord) PackagedCount() int {
	n := 0
	for _, r := range j.Renditions {
		if r.Packaged() {
			n++
		}
	}
	return n
}

// PolicyMet reports whether enough renditions packaged to publish.
func (j *JobRecord) PolicyMet() bool {
	return j.PackagedCount() >= j.Policy.Required(len(j.Renditions))
}
