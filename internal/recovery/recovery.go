// SPDX-License-Identifier: MIT

// Package recovery converges jobs left mid-flight by a process crash. No
// subprocess survives a crash (process groups die with the daemon), so a
// stage still recorded Running cannot actually be running: its outputs are
// re-verified and the stage is either marked succeeded or reset to pending
// for a re-run.
package recovery

import (
	"context"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/packager"
	"github.com/streamforge/renditiond/internal/store"
)

var recovered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "renditiond",
	Name:      "recovery_actions_total",
	Help:      "Recovery actions applied to interrupted jobs",
}, []string{"action"}) // action: stage_verified|stage_reset|job_requeued|job_cancelled

// Enqueue re-submits a job to the dispatcher.
type Enqueue func(jobID string, priority int)

// RecoverOnStartup scans the store for jobs interrupted by a crash and
// re-enqueues them. Pending jobs are re-enqueued as-is (the dispatch queue
// is in-memory and did not survive); Running jobs have their Running
// stages converged first.
func RecoverOnStartup(ctx context.Context, st store.StateStore, storageRoot string, enqueue Enqueue, logger zerolog.Logger) error {
	pending, err := st.ListJobs(ctx, model.JobPending)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if job.CancelRequested {
			finalizeCancelled(ctx, st, job.ID, logger)
			continue
		}
		enqueue(job.ID, job.Priority)
		recovered.WithLabelValues("job_requeued").Inc()
	}

	running, err := st.ListJobs(ctx, model.JobRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		// A cancel that was requested but never finalized before the crash
		// completes here; re-enqueueing would leave the job parked.
		if job.CancelRequested {
			finalizeCancelled(ctx, st, job.ID, logger)
			continue
		}
		rec, err := st.UpdateJob(ctx, job.ID, func(j *model.JobRecord) error {
			convergeJob(j, storageRoot)
			j.Status = model.JobPending
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("recovery update failed")
			continue
		}
		logger.Info().Str("job_id", rec.ID).Msg("interrupted job re-enqueued")
		enqueue(rec.ID, rec.Priority)
		recovered.WithLabelValues("job_requeued").Inc()
	}

	return nil
}

func finalizeCancelled(ctx context.Context, st store.StateStore, jobID string, logger zerolog.Logger) {
	_, err := st.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = model.JobCancelled
		j.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("recovery cancel finalize failed")
		return
	}
	logger.Info().Str("job_id", jobID).Msg("interrupted cancellation finalized")
	recovered.WithLabelValues("job_cancelled").Inc()
}

// convergeJob re-derives every stage recorded Running. A stage whose
// expected outputs verify complete is marked succeeded so its work is not
// repeated; otherwise it is reset to pending with its attempt count
// preserved.
func convergeJob(j *model.JobRecord, storageRoot string) {
	now := time.Now()

	if j.Probe.Status == model.StageRunning {
		// Probe results live on the record itself.
		if j.Asset.Probed != nil {
			j.Probe.Succeed(now)
			recovered.WithLabelValues("stage_verified").Inc()
		} else {
			j.Probe.Reset(model.RCrashRecovery, "interrupted by restart")
			recovered.WithLabelValues("stage_reset").Inc()
		}
	}

	for _, r := range j.Renditions {
		// A half-written encode or fragment output is indistinguishable
		// from a complete one by size alone; those stages always re-run.
		neverVerified := func() bool { return false }
		convergeStage(&r.Encode, now, neverVerified)
		convergeStage(&r.Fragment, now, neverVerified)
		// The packager writes its manifest last; its presence proves the
		// stage finished even if the success transition never committed.
		convergeStage(&r.Package, now, func() bool {
			segDir := r.SegmentDir
			if segDir == "" {
				segDir = filepath.Join(storageRoot, j.ID, r.Spec.Name)
			}
			if packager.VerifyPackageOutput(segDir) != nil {
				return false
			}
			r.SegmentDir = segDir
			r.ManifestPath = filepath.Join(segDir, packager.ManifestName)
			return true
		})
	}

	if j.Publish.Status == model.StageRunning {
		// Publish is cheap and idempotent; always re-run it.
		j.Publish.Reset(model.RCrashRecovery, "interrupted by restart")
		recovered.WithLabelValues("stage_reset").Inc()
	}
}

func convergeStage(s *model.Stage, now time.Time, verified func() bool) {
	if s.Status != model.StageRunning {
		return
	}
	if verified() {
		s.Succeed(now)
		recovered.WithLabelValues("stage_verified").Inc()
		return
	}
	s.Reset(model.RCrashRecovery, "interrupted by restart")
	recovered.WithLabelValues("stage_reset").Inc()
}
