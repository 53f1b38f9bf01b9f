// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/packager"
	"github.com/streamforge/renditiond/internal/resource"
	"github.com/streamforge/renditiond/internal/retry"
	"github.com/streamforge/renditiond/internal/runner"
	"github.com/streamforge/renditiond/internal/transcode"
)

// runRendition drives one rendition through encode, fragment and package.
// A terminal stage failure stops the sequence; siblings are unaffected.
func (w *Worker) runRendition(ctx context.Context, logger zerolog.Logger, jobID, rendName string) {
	for _, stage := range []model.StageName{model.StageEncode, model.StageFragment, model.StagePackage} {
		if !w.runRendStage(ctx, logger, jobID, rendName, stage) {
			return
		}
	}
}

// runRendStage executes one stage with bounded retry. It returns true when
// the stage is (or already was) succeeded.
func (w *Worker) runRendStage(ctx context.Context, logger zerolog.Logger, jobID, rendName string, stage model.StageName) bool {
	for {
		if cancelled, err := w.cancelRequested(ctx, jobID); err != nil || cancelled {
			return false
		}

		job, err := w.beginRendStage(ctx, jobID, rendName, stage)
		if errors.Is(err, retry.ErrStateConflict) {
			// Concurrent transition (recovery or a competing retry path).
			// Re-read and act on the durable state; not counted as an
			// attempt.
			cur, gerr := w.Store.GetJob(ctx, jobID)
			if gerr != nil {
				return false
			}
			switch cur.Rendition(rendName).Stage(stage).Status {
			case model.StageSucceeded:
				return true
			default:
				return false
			}
		}
		if err != nil {
			logger.Error().Err(err).Str("stage", string(stage)).Msg("stage transition failed")
			return false
		}

		rend := job.Rendition(rendName)
		apply, execErr := w.execStage(ctx, job, rend, stage)
		if execErr == nil {
			_, err = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
				r := j.Rendition(rendName)
				if apply != nil {
					apply(r)
				}
				r.Stage(stage).Succeed(time.Now())
				return nil
			})
			if err != nil {
				return false
			}
			stageTransitions.WithLabelValues(string(stage), string(model.StageSucceeded)).Inc()
			return true
		}
		if isCancel(execErr) {
			return false
		}

		d := w.Retry.Decide(execErr, rend.Stage(stage).Attempts)
		if !d.Retry {
			w.failRendStage(ctx, jobID, rendName, stage, d, execErr)
			logger.Warn().Err(execErr).Str("stage", string(stage)).Str("reason", string(d.Reason)).Msg("stage failed permanently")
			return false
		}

		logger.Warn().Err(execErr).Str("stage", string(stage)).
			Int("attempt", rend.Stage(stage).Attempts).Dur("backoff", d.Backoff).
			Msg("stage failed, retrying")
		if _, err := w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
			j.Rendition(rendName).Stage(stage).Reset(d.Reason, d.Detail)
			return nil
		}); err != nil {
			return false
		}
		if err := w.sleep(ctx, d.Backoff); err != nil {
			return false
		}
	}
}

// beginRendStage transitions a rendition stage Pending -> Running. The
// encode-before-package ordering invariant is enforced here against the
// durable record, not in-memory state.
func (w *Worker) beginRendStage(ctx context.Context, jobID, rendName string, stage model.StageName) (*model.JobRecord, error) {
	return w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		r := j.Rendition(rendName)
		if r == nil {
			return fmt.Errorf("unknown rendition %q", rendName)
		}
		s := r.Stage(stage)
		if s.Status != model.StagePending {
			return retry.ErrStateConflict
		}
		switch stage {
		case model.StageFragment:
			if r.Encode.Status != model.StageSucceeded {
				return fmt.Errorf("fragment before encode succeeded on %q", rendName)
			}
		case model.StagePackage:
			if r.Fragment.Status != model.StageSucceeded {
				return fmt.Errorf("package before fragment succeeded on %q", rendName)
			}
		}
		s.Begin(time.Now())
		stageTransitions.WithLabelValues(string(stage), string(model.StageRunning)).Inc()
		return nil
	})
}

func (w *Worker) failRendStage(ctx context.Context, jobID, rendName string, stage model.StageName, d retry.Decision, execErr error) {
	var toolErr *retry.ToolError
	_, _ = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		s := j.Rendition(rendName).Stage(stage)
		s.Fail(time.Now(), d.Reason, d.Detail)
		if errors.As(execErr, &toolErr) {
			s.LogTail = toolErr.LogTail
		}
		return nil
	})
	stageTransitions.WithLabelValues(string(stage), string(model.StageFailed)).Inc()
}

// execStage dispatches to the stage executor. The returned apply function
// records output artifacts on the rendition under the success transition.
func (w *Worker) execStage(ctx context.Context, job *model.JobRecord, rend *model.Rendition, stage model.StageName) (func(*model.Rendition), error) {
	switch stage {
	case model.StageEncode:
		return w.execEncode(ctx, job, rend.Spec)
	case model.StageFragment:
		return w.execFragment(ctx, job.ID, rend)
	case model.StagePackage:
		return w.execPackage(ctx, job.ID, rend)
	}
	return nil, fmt.Errorf("unknown stage %s", stage)
}

// acquireEncodeSlot prefers a GPU slot and falls back to CPU when the
// rendition permits software encoding.
func (w *Worker) acquireEncodeSlot(ctx context.Context, spec model.RenditionSpec) (*resource.Slot, bool, error) {
	slot, err := w.Pool.Acquire(ctx, resource.KindGPU, w.Cfg.SlotTimeout)
	if err == nil {
		return slot, true, nil
	}
	if !errors.Is(err, resource.ErrSlotTimeout) && !errors.Is(err, resource.ErrNoGPU) {
		return nil, false, err
	}
	if !spec.AllowSoftware {
		if errors.Is(err, resource.ErrNoGPU) {
			// Nothing will ever free up; hardware-only profiles cannot run.
			return nil, false, fmt.Errorf("%w: rendition %q requires gpu but none configured", retry.ErrInputInvalid, spec.Name)
		}
		return nil, false, err
	}

	slot, err = w.Pool.Acquire(ctx, resource.KindCPU, w.Cfg.SlotTimeout)
	if err != nil {
		return nil, false, err
	}
	return slot, false, nil
}

func (w *Worker) execEncode(ctx context.Context, job *model.JobRecord, spec model.RenditionSpec) (func(*model.Rendition), error) {
	workDir, _, err := w.ensureDirs(job.ID, spec.Name)
	if err != nil {
		return nil, err
	}

	slot, usedGPU, err := w.acquireEncodeSlot(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	device := -1
	if usedGPU {
		device = slot.Device()
	}

	outPath := filepath.Join(workDir, spec.Name+"-enc.mp4")
	args, err := transcode.BuildEncodeArgs(transcode.EncodeSpec{
		InputPath:  job.Asset.Path,
		OutputPath: outPath,
		Rendition:  spec,
		GPUDevice:  device,
	})
	if err != nil {
		// Unsupported profile; nothing transient about it.
		return nil, fmt.Errorf("%w: %v", retry.ErrInputInvalid, err)
	}

	res, err := w.Runner.Run(ctx, runner.Spec{
		Command: w.Cfg.FFmpegBin,
		Args:    args,
		Timeout: w.Cfg.EncodeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut || res.ExitCode != 0 {
		return nil, &retry.ToolError{Tool: "transcoder", ExitCode: res.ExitCode, TimedOut: res.TimedOut, LogTail: res.LogTail}
	}
	if err := verifyFile(outPath); err != nil {
		return nil, err
	}

	return func(r *model.Rendition) {
		r.EncodedPath = outPath
		r.UsedGPU = usedGPU
	}, nil
}

func (w *Worker) execFragment(ctx context.Context, jobID string, rend *model.Rendition) (func(*model.Rendition), error) {
	slot, err := w.Pool.Acquire(ctx, resource.KindCPU, w.Cfg.SlotTimeout)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	fragPath := filepath.Join(w.jobWorkDir(jobID), rend.Spec.Name+"-frag.mp4")
	args, err := packager.BuildFragmentArgs(rend.EncodedPath, fragPath)
	if err != nil {
		return nil, err
	}

	res, err := w.Runner.Run(ctx, runner.Spec{
		Command: w.Cfg.FragmentBin,
		Args:    args,
		Timeout: w.Cfg.PackageTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut || res.ExitCode != 0 {
		return nil, &retry.ToolError{Tool: "fragmenter", ExitCode: res.ExitCode, TimedOut: res.TimedOut, LogTail: res.LogTail}
	}
	if err := verifyFile(fragPath); err != nil {
		return nil, err
	}

	return nil, nil
}

func (w *Worker) execPackage(ctx context.Context, jobID string, rend *model.Rendition) (func(*model.Rendition), error) {
	slot, err := w.Pool.Acquire(ctx, resource.KindCPU, w.Cfg.SlotTimeout)
	if err != nil {
		return nil, err
	}
	defer slot.Release()

	_, segDir, err := w.ensureDirs(jobID, rend.Spec.Name)
	if err != nil {
		return nil, err
	}

	fragPath := filepath.Join(w.jobWorkDir(jobID), rend.Spec.Name+"-frag.mp4")
	args, err := packager.BuildPackageArgs(fragPath, segDir, w.Cfg.EnableHLS)
	if err != nil {
		return nil, err
	}

	res, err := w.Runner.Run(ctx, runner.Spec{
		Command: w.Cfg.PackagerBin,
		Args:    args,
		Timeout: w.Cfg.PackageTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut || res.ExitCode != 0 {
		return nil, &retry.ToolError{Tool: "packager", ExitCode: res.ExitCode, TimedOut: res.TimedOut, LogTail: res.LogTail}
	}
	if err := packager.VerifyPackageOutput(segDir); err != nil {
		return nil, fmt.Errorf("%w: %v", retry.ErrOutputMissing, err)
	}

	manifestPath := filepath.Join(segDir, packager.ManifestName)
	return func(r *model.Rendition) {
		r.SegmentDir = segDir
		r.ManifestPath = manifestPath
	}, nil
}

func verifyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", retry.ErrOutputMissing, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", retry.ErrOutputMissing, path)
	}
	return nil
}
