// SPDX-License-Identifier: MIT

// Package scheduler pulls pending jobs in (priority desc, insertion asc)
// order and assigns each to a bounded pool of pipeline workers. Cancelling
// a pending job removes it before dispatch; cancelling a running job
// signals its worker's context.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/store"
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "renditiond",
		Name:      "scheduler_queue_depth",
		Help:      "Jobs waiting for dispatch",
	})

	dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renditiond",
		Name:      "scheduler_dispatched_total",
		Help:      "Dispatch outcomes",
	}, []string{"outcome"}) // outcome: started|skipped_terminal|skipped_cancelled
)

// errSkipDispatch aborts the dispatch transition for jobs that left the
// Pending state while queued.
var errSkipDispatch = errors.New("job not dispatchable")

// Processor runs one job's pipeline to a terminal status.
type Processor interface {
	Process(ctx context.Context, jobID string) (model.JobStatus, error)
}

// Scheduler owns the pending queue and the worker pool.
type Scheduler struct {
	store   store.StateStore
	proc    Processor
	workers int
	logger  zerolog.Logger

	mu     sync.Mutex
	queue  jobHeap
	seq    uint64
	active map[string]context.CancelFunc

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup
}

// New builds a scheduler with the given worker pool size.
func New(st store.StateStore, proc Processor, workers int, logger zerolog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		store:   st,
		proc:    proc,
		workers: workers,
		logger:  logger,
		active:  make(map[string]context.CancelFunc),
		wake:    make(chan struct{}, 1),
		sem:     make(chan struct{}, workers),
	}
}

// Enqueue adds a pending job to the dispatch queue.
func (s *Scheduler) Enqueue(jobID string, priority int) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.queue, &item{jobID: jobID, priority: priority, seq: s.seq})
	queueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pop() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return nil
	}
	it := heap.Pop(&s.queue).(*item)
	queueDepth.Set(float64(s.queue.Len()))
	return it
}

// Run dispatches until ctx ends, then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Int("workers", s.workers).Msg("scheduler started")
	defer s.wg.Wait()

	for {
		it := s.pop()
		if it == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		// One worker slot per job; released by the worker goroutine.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.wg.Add(1)
		go s.dispatch(ctx, it.jobID)
	}
}

// dispatch transitions the job Pending -> Running and runs its pipeline.
// Jobs cancelled or finished while queued are skipped without side effects.
func (s *Scheduler) dispatch(ctx context.Context, jobID string) {
	defer s.wg.Done()
	defer func() {
		<-s.sem
		s.signal()
	}()

	job, err := s.store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		if j.Status != model.JobPending {
			return errSkipDispatch
		}
		// Finalizing a cancellation must commit, so return nil here and
		// branch on the resulting status below.
		if j.CancelRequested {
			j.Status = model.JobCancelled
			j.CompletedAtUnix = time.Now().Unix()
			return nil
		}
		j.Status = model.JobRunning
		return nil
	})
	if err != nil {
		dispatched.WithLabelValues("skipped_terminal").Inc()
		return
	}
	if job.Status == model.JobCancelled {
		dispatched.WithLabelValues("skipped_cancelled").Inc()
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registerActive(jobID, cancel)
	defer s.unregisterActive(jobID)

	dispatched.WithLabelValues("started").Inc()
	if _, err := s.proc.Process(jobCtx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline failed")
	}
}

// Cancel marks a job cancelled. Pending jobs are finalized immediately and
// never dispatched; running jobs get their worker context cancelled and
// finish at the next stage boundary.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	job, err := s.store.UpdateJob(ctx, jobID, func(j *model.JobRecord) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.CancelRequested = true
		if j.Status == model.JobPending {
			j.Status = model.JobCancelled
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch job.Status {
	case model.JobRunning:
		s.mu.Lock()
		cancel, ok := s.active[jobID]
		s.mu.Unlock()
		if ok {
			cancel()
		}
	case model.JobCancelled:
		dispatched.WithLabelValues("skipped_cancelled").Inc()
	}
	return nil
}

func (s *Scheduler) registerActive(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = cancel
}

func (s *Scheduler) unregisterActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
