// SPDX-License-Identifier: MIT

// renditiond turns one source asset into a multi-rendition adaptive
// streaming package by coordinating encode, fragmentation and packaging
// across a bounded pool of GPU and CPU slots.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamforge/renditiond/internal/api"
	"github.com/streamforge/renditiond/internal/config"
	"github.com/streamforge/renditiond/internal/ingest"
	"github.com/streamforge/renditiond/internal/log"
	"github.com/streamforge/renditiond/internal/pipeline"
	"github.com/streamforge/renditiond/internal/probe"
	"github.com/streamforge/renditiond/internal/recovery"
	"github.com/streamforge/renditiond/internal/resource"
	"github.com/streamforge/renditiond/internal/retry"
	"github.com/streamforge/renditiond/internal/runner"
	"github.com/streamforge/renditiond/internal/scheduler"
	"github.com/streamforge/renditiond/internal/store"
)

func main() {
	log.Configure(log.Config{Service: "renditiond"})
	logger := log.WithComponent("main")

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil { // #nosec G301 -- output is served by a file server
		logger.Fatal().Err(err).Str("path", cfg.StorageRoot).Msg("storage root unavailable")
	}

	st, err := store.Open(cfg.StoreBackend, cfg.StorePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("state store open failed")
	}
	defer func() { _ = st.Close() }()

	pool := resource.NewPool(cfg.GPUDevices, cfg.CPUSlots, log.WithComponent("resource"))

	prober := probe.New(cfg.FFprobeBin)
	prober.Timeout = cfg.ProbeTimeout

	worker := pipeline.New(
		st,
		pool,
		runner.NewExec(log.WithComponent("runner")),
		prober,
		&retry.Controller{AttemptCap: cfg.AttemptCap, BackoffBase: cfg.BackoffBase},
		pipeline.Config{
			StorageRoot:    cfg.StorageRoot,
			EnableHLS:      cfg.EnableHLS,
			FFmpegBin:      cfg.FFmpegBin,
			FragmentBin:    cfg.FragmentBin,
			PackagerBin:    cfg.PackagerBin,
			ProbeTimeout:   cfg.ProbeTimeout,
			EncodeTimeout:  cfg.EncodeTimeout,
			PackageTimeout: cfg.PackageTimeout,
			SlotTimeout:    cfg.SlotTimeout,
		},
		log.WithComponent("pipeline"),
	)

	sched := scheduler.New(st, worker, cfg.Workers, log.WithComponent("scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Jobs interrupted by the previous run must converge before new work
	// starts competing for slots.
	if err := recovery.RecoverOnStartup(ctx, st, cfg.StorageRoot, sched.Enqueue, log.WithComponent("recovery")); err != nil {
		logger.Fatal().Err(err).Msg("startup recovery failed")
	}

	sweeper := &recovery.Sweeper{
		Store:       st,
		StorageRoot: cfg.StorageRoot,
		Conf:        recovery.SweeperConfig{Interval: cfg.SweepInterval, Retention: cfg.Retention},
		Logger:      log.WithComponent("sweeper"),
	}
	go sweeper.Run(ctx)

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()

	if cfg.InboxDir != "" {
		watcher := &ingest.Watcher{
			Dir:            cfg.InboxDir,
			Policy:         cfg.Policy,
			Store:          st,
			Enqueue:        sched.Enqueue,
			Logger:         log.WithComponent("ingest"),
			PartialPublish: cfg.PartialPublish,
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("inbox watcher stopped")
			}
		}()
	}

	apiServer := api.New(st, sched, cfg.RateLimitRPM, log.WithComponent("api"))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
}
