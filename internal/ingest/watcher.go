// SPDX-License-Identifier: MIT

// Package ingest enqueues a job with the default rendition ladder for
// every media file dropped into the inbox directory. It complements the
// HTTP ingestion boundary for pipelines fed by rsync or FTP drops.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/store"
)

// DefaultLadder is the rendition set used for watch-folder submissions.
func DefaultLadder() []model.RenditionSpec {
	return []model.RenditionSpec{
		{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000, Codec: "h264", AllowSoftware: true},
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800, Codec: "h264", AllowSoftware: true},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1200, Codec: "h264", AllowSoftware: true},
	}
}

var mediaExts = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".ts": true,
	".m2ts": true, ".avi": true, ".webm": true,
}

// Watcher submits jobs for files appearing in Dir.
type Watcher struct {
	Dir     string
	Ladder  []model.RenditionSpec
	Policy  model.SuccessPolicy
	Store   store.StateStore
	Enqueue func(jobID string, priority int)
	Logger  zerolog.Logger

	// PartialPublish lets a policy-unmet job still publish the renditions
	// that did package.
	PartialPublish bool

	// SettleDelay is how long a file's size must stay unchanged before it
	// counts as fully uploaded.
	SettleDelay time.Duration
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if w.SettleDelay <= 0 {
		w.SettleDelay = 2 * time.Second
	}
	if len(w.Ladder) == 0 {
		w.Ladder = DefaultLadder()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.Dir); err != nil {
		return err
	}
	w.Logger.Info().Str("dir", w.Dir).Msg("inbox watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			if !mediaExts[strings.ToLower(filepath.Ext(event.Name))] {
				continue
			}
			go w.settleAndSubmit(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("inbox watch error")
		}
	}
}

// settleAndSubmit waits until the file size is stable, then creates and
// enqueues a job for it.
func (w *Watcher) settleAndSubmit(ctx context.Context, path string) {
	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.SettleDelay):
		}

		info, err := os.Stat(path)
		if err != nil {
			w.Logger.Warn().Err(err).Str("path", path).Msg("inbox file vanished before submission")
			return
		}
		if info.Size() > 0 && info.Size() == lastSize {
			break
		}
		lastSize = info.Size()
	}

	id := uuid.New().String()
	job := model.NewJob(id, model.Asset{ID: id, Path: path}, w.Ladder, w.Policy, 0, time.Now())
	job.PartialPublish = w.PartialPublish
	if err := w.Store.PutJob(ctx, job); err != nil {
		w.Logger.Error().Err(err).Str("path", path).Msg("inbox job create failed")
		return
	}
	w.Enqueue(id, 0)
	w.Logger.Info().Str("job_id", id).Str("path", path).Msg("inbox file submitted")
}
