// SPDX-License-Identifier: MIT

package recovery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/store"
)

// SweeperConfig bounds the retention sweep.
type SweeperConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Sweeper archives terminal jobs after the retention window: the record is
// deleted and the job's scratch directory removed. Published output stays
// on disk for the delivery layer.
type Sweeper struct {
	Store       store.StateStore
	StorageRoot string
	Conf        SweeperConfig
	Logger      zerolog.Logger
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Conf.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.Logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	retention := s.Conf.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := time.Now().Add(-retention).Unix()

	jobs, err := s.Store.ListJobs(ctx, "")
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if !job.Status.IsTerminal() || job.CompletedAtUnix == 0 || job.CompletedAtUnix > cutoff {
			continue
		}
		if err := s.Store.DeleteJob(ctx, job.ID); err != nil {
			s.Logger.Error().Err(err).Str("job_id", job.ID).Msg("archive delete failed")
			continue
		}
		workDir := filepath.Join(s.StorageRoot, job.ID, "work")
		if err := os.RemoveAll(workDir); err != nil {
			s.Logger.Warn().Err(err).Str("path", workDir).Msg("scratch cleanup failed")
		}
		s.Logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("job archived")
	}

	return nil
}
