// SPDX-License-Identifier: MIT

// Package pipeline executes one job's stage sequence: a shared probe, a
// per-rendition encode/fragment/package fan-out bounded by the resource
// pool, and a publish join point that applies the success policy. Every
// stage transition is durably recorded before the pipeline proceeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/packager"
	"github.com/streamforge/renditiond/internal/resource"
	"github.com/streamforge/renditiond/internal/retry"
	"github.com/streamforge/renditiond/internal/runner"
	"github.com/streamforge/renditiond/internal/store"
)

var (
	stageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renditiond",
		Name:      "pipeline_stage_transitions_total",
		Help:      "Stage state transitions",
	}, []string{"stage", "to"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renditiond",
		Name:      "pipeline_jobs_finished_total",
		Help:      "Jobs finished by terminal status",
	}, []string{"status"})
)

// Prober abstracts the probe tool for tests.
type Prober interface {
	Probe(ctx context.Context, path string) (*model.MediaInfo, error)
}

// Config carries the pipeline's tool and timeout settings.
type Config struct {
	StorageRoot string
	EnableHLS   bool

	FFmpegBin   string
	FragmentBin string
	PackagerBin string

	ProbeTimeout   time.Duration
	EncodeTimeout  time.Duration
	PackageTimeout time.Duration
	SlotTimeout    time.Duration
}

// Worker drives one job at a time through the pipeline state machine.
type Worker struct {
	Store  store.StateStore
	Pool   *resource.Pool
	Runner runner.Runner
	Prober Prober
	Retry  *retry.Controller
	Cfg    Config
	Logger zerolog.Logger

	// sleep is replaced in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles a worker.
func New(st store.StateStore, pool *resource.Pool, run runner.Runner, prober Prober, rc *retry.Controller, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		Store:  st,
		Pool:   pool,
		Runner: run,
		Prober: prober,
		Retry:  rc,
		Cfg:    cfg,
		Logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs the full pipeline for one job and finalizes its status.
// It returns the terminal status, or an error only for store failures.
func (w *Worker) Process(ctx context.Context, jobID string) (model.JobStatus, error) {
	logger := w.Logger.With().Str("job_id", jobID).Logger()

	job, err := w.Store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() {
		return job.Status, nil
	}

	status, err := w.run(ctx, logger, job)
	if err != nil && !isCancel(err) {
		return "", err
	}

	final, ferr := w.Store.UpdateJob(context.Background(), jobID, func(j *model.JobRecord) error {
		if j.Status.IsTerminal() {
			status = j.Status
			return nil
		}
		j.Status = status
		j.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if ferr != nil {
		return "", ferr
	}

	jobsFinished.WithLabelValues(string(final.Status)).Inc()
	logger.Info().Str("status", string(final.Status)).Int("published", final.PackagedCount()).Msg("job finished")
	return final.Status, nil
}

// run executes the stage sequence and returns the terminal status the job
// should take. Cancellation surfaces as JobCancelled, not as an error.
func (w *Worker) run(ctx context.Context, logger zerolog.Logger, job *model.JobRecord) (model.JobStatus, error) {
	if cancelled, err := w.cancelRequested(ctx, job.ID); err != nil || cancelled {
		return model.JobCancelled, err
	}

	// Probe runs once per job; recovery resumes past a succeeded probe.
	if job.Probe.Status != model.StageSucceeded {
		if err := w.runProbe(ctx, logger, job.ID); err != nil {
			if isCancel(err) {
				return model.JobCancelled, nil
			}
			// The probe failure is already durably recorded; the job is
			// finalized FAILED without touching any rendition.
			return model.JobFailed, nil
		}
	}

	if cancelled, err := w.cancelRequested(ctx, job.ID); err != nil || cancelled {
		return model.JobCancelled, err
	}

	// Rendition fan-out. Siblings fail independently; the slot pool bounds
	// actual parallelism.
	var g errgroup.Group
	for _, rend := range job.Renditions {
		name := rend.Spec.Name
		g.Go(func() error {
			w.runRendition(ctx, logger.With().Str("rendition", name).Logger(), job.ID, name)
			return nil
		})
	}
	_ = g.Wait()

	if cancelled, err := w.cancelRequested(ctx, job.ID); err != nil || cancelled {
		return model.JobCancelled, err
	}
	if ctx.Err() != nil {
		return model.JobCancelled, nil
	}

	return w.runPublish(ctx, logger, job.ID)
}

// runProbe executes the shared probe stage with retry.
func (w *Worker) runProbe(ctx context.Context, logger zerolog.Logger, jobID string) error {
	for {
		job, err := w.beginStage(ctx, jobID, func(j *model.JobRecord) *model.Stage { return &j.Probe })
		if err != nil {
			if errors.Is(err, retry.ErrStateConflict) {
				// Another actor finished the stage; re-read and move on.
				cur, gerr := w.Store.GetJob(ctx, jobID)
				if gerr != nil {
					return gerr
				}
				if cur.Probe.Status == model.StageSucceeded {
					return nil
				}
				return fmt.Errorf("probe stage in unexpected state %s", cur.Probe.Status)
			}
			return err
		}

		info, perr := w.Prober.Probe(ctx, job.Asset.Path)
		if perr == nil {
			_, err = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
				j.Asset.Probed = info
				j.Probe.Succeed(time.Now())
				return nil
			})
			stageTransitions.WithLabelValues(string(model.StageProbe), string(model.StageSucceeded)).Inc()
			return err
		}
		if isCancel(perr) {
			return perr
		}

		d := w.Retry.Decide(perr, job.Probe.Attempts)
		if !d.Retry {
			_, uerr := w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
				j.Probe.Fail(time.Now(), d.Reason, d.Detail)
				return nil
			})
			if uerr != nil {
				return uerr
			}
			stageTransitions.WithLabelValues(string(model.StageProbe), string(model.StageFailed)).Inc()
			return perr
		}

		logger.Warn().Err(perr).Int("attempt", job.Probe.Attempts).Dur("backoff", d.Backoff).Msg("probe failed, retrying")
		if _, err := w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
			j.Probe.Reset(d.Reason, d.Detail)
			return nil
		}); err != nil {
			return err
		}
		if err := w.sleep(ctx, d.Backoff); err != nil {
			return err
		}
	}
}

// runPublish evaluates the success policy and aggregates manifests.
func (w *Worker) runPublish(ctx context.Context, logger zerolog.Logger, jobID string) (model.JobStatus, error) {
	job, err := w.beginStage(ctx, jobID, func(j *model.JobRecord) *model.Stage { return &j.Publish })
	if err != nil {
		if errors.Is(err, retry.ErrStateConflict) {
			cur, gerr := w.Store.GetJob(ctx, jobID)
			if gerr != nil {
				return "", gerr
			}
			if cur.Status.IsTerminal() {
				return cur.Status, nil
			}
			// A crash after the publish stage committed but before the job
			// status did leaves a finished publish on a non-terminal job.
			// The stage outcome already determines the terminal status.
			switch cur.Publish.Status {
			case model.StageSucceeded:
				return model.JobPublished, nil
			case model.StageFailed:
				return model.JobFailed, nil
			}
			return "", fmt.Errorf("publish stage busy on job %s", jobID)
		}
		return "", err
	}

	policyMet := job.PolicyMet()
	publish := policyMet || (job.PartialPublish && job.PackagedCount() > 0)

	var mpdPath, hlsPath string
	if publish {
		var rends []packager.PublishedRendition
		for _, r := range job.Renditions {
			if r.Packaged() {
				rends = append(rends, packager.PublishedRendition{Spec: r.Spec, Dir: r.Spec.Name})
			}
		}

		var dur float64
		if job.Asset.Probed != nil {
			dur = job.Asset.Probed.DurationSec
		}

		jobRoot := filepath.Join(w.Cfg.StorageRoot, job.ID)
		mpdPath = filepath.Join(jobRoot, "manifest.mpd")
		if err := packager.WriteMasterMPD(mpdPath, dur, rends); err != nil {
			_, _ = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
				j.Publish.Fail(time.Now(), model.RUnknown, err.Error())
				return nil
			})
			return model.JobFailed, err
		}
		if w.Cfg.EnableHLS {
			hlsPath = filepath.Join(jobRoot, "master.m3u8")
			if err := packager.WriteMasterHLS(hlsPath, rends); err != nil {
				_, _ = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
					j.Publish.Fail(time.Now(), model.RUnknown, err.Error())
					return nil
				})
				return model.JobFailed, err
			}
		}
	}

	status := model.JobPublished
	if !policyMet {
		status = model.JobFailed
	}

	_, err = w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		j.ManifestMPD = mpdPath
		j.ManifestHLS = hlsPath
		if policyMet {
			j.Publish.Succeed(time.Now())
		} else {
			j.Publish.Fail(time.Now(), model.RPolicyUnmet,
				fmt.Sprintf("%d of %d renditions packaged, %d required",
					j.PackagedCount(), len(j.Renditions), j.Policy.Required(len(j.Renditions))))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if !policyMet {
		logger.Warn().Int("packaged", job.PackagedCount()).Msg("success policy unmet")
	}
	return status, nil
}

// beginStage transitions a job-level stage from Pending to Running under
// the store's serialization guard. A non-pending stage yields
// retry.ErrStateConflict.
func (w *Worker) beginStage(ctx context.Context, jobID string, sel func(*model.JobRecord) *model.Stage) (*model.JobRecord, error) {
	job, err := w.Store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		s := sel(j)
		if s.Status != model.StagePending {
			return retry.ErrStateConflict
		}
		s.Begin(time.Now())
		stageTransitions.WithLabelValues(string(s.Name), string(model.StageRunning)).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// cancelRequested reads the cooperative cancellation flag at a stage
// boundary.
func (w *Worker) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	job, err := w.Store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// jobWorkDir returns the scratch directory for intermediate encode and
// fragment outputs.
func (w *Worker) jobWorkDir(jobID string) string {
	return filepath.Join(w.Cfg.StorageRoot, jobID, "work")
}

// ensureDirs creates the job's output layout.
func (w *Worker) ensureDirs(jobID, rendName string) (workDir, segDir string, err error) {
	workDir = w.jobWorkDir(jobID)
	segDir = filepath.Join(w.Cfg.StorageRoot, jobID, rendName)
	// 0755 so segments are servable by a plain file server.
	if err := os.MkdirAll(workDir, 0o755); err != nil { // #nosec G301
		return "", "", err
	}
	if err := os.MkdirAll(segDir, 0o755); err != nil { // #nosec G301
		return "", "", err
	}
	return workDir, segDir, nil
}
