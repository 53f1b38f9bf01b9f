// SPDX-License-Identifier: MIT

package model

// JobStatus is the client-visible lifecycle for a conversion job.
// It is intentionally coarse-grained; per-stage truth lives on the
// Rendition records.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobPublished JobStatus = "PUBLISHED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobPublished, JobFailed, JobCancelled:
		return true
	}
	return false
}

// StageName identifies one step of the pipeline.
type StageName string

const (
	StageProbe    StageName = "PROBE"
	StageEncode   StageName = "ENCODE"
	StageFragment StageName = "FRAGMENT"
	StagePackage  StageName = "PACKAGE"
	StagePublish  StageName = "PUBLISH"
)

// StageStatus is the per-stage state machine. A stage only moves forward,
// except a retry which resets it to Pending with an incremented attempt
// counter.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
)

// FailureClass partitions stage failures for the retry controller.
type FailureClass string

const (
	FailureNone      FailureClass = "NONE"
	FailureTransient FailureClass = "TRANSIENT"
	FailurePermanent FailureClass = "PERMANENT"
)

// ReasonCode is a compact, typed failure/decision signal.
// Keep these stable: metrics and the status API depend on them.
type ReasonCode string

const (
	RNone          ReasonCode = "R_NONE"
	RUnknown       ReasonCode = "R_UNKNOWN"
	RInputInvalid  ReasonCode = "R_INPUT_INVALID"
	RSlotTimeout   ReasonCode = "R_SLOT_TIMEOUT"
	RToolExit      ReasonCode = "R_TOOL_EXIT"
	RToolTimeout   ReasonCode = "R_TOOL_TIMEOUT"
	RAttemptCap    ReasonCode = "R_ATTEMPT_CAP"
	RCancelled     ReasonCode = "R_CANCELLED"
	RPolicyUnmet   ReasonCode = "R_POLICY_UNMET"
	RCrashRecovery ReasonCode = "R_CRASH_RECOVERY"
	ROutputMissing ReasonCode = "R_OUTPUT_MISSING"
)

// PolicyMode selects how many renditions must survive for a job to publish.
type PolicyMode string

const (
	PolicyAll     PolicyMode = "all"
	PolicyAtLeast PolicyMode = "at_least"
)
