// SPDX-License-Identifier: MIT

// Package resource tracks the fixed pools of GPU and CPU execution slots.
// A slot is owned by exactly one in-flight stage execution and is released
// exactly once, on every exit path.
package resource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	slotsInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "renditiond",
		Name:      "resource_slots_in_use",
		Help:      "Currently held execution slots",
	}, []string{"kind"})

	acquireTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "renditiond",
		Name:      "resource_acquire_timeouts_total",
		Help:      "Slot acquisitions that timed out",
	}, []string{"kind"})

	acquireWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "renditiond",
		Name:      "resource_acquire_wait_seconds",
		Help:      "Time spent waiting for a slot",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
	}, []string{"kind"})
)

// Kind selects the slot pool.
type Kind string

const (
	KindGPU Kind = "gpu"
	KindCPU Kind = "cpu"
)

// ErrSlotTimeout is returned when no slot became available within the
// acquisition timeout. Callers treat it as a transient stage failure.
var ErrSlotTimeout = errors.New("no slot available within timeout")

// ErrNoGPU is returned immediately when the GPU pool is empty by
// configuration. Oversubscription is rejected, not queued indefinitely.
var ErrNoGPU = errors.New("no gpu slots configured")

// Slot is an exclusively held unit of execution capacity. Release is
// idempotent.
type Slot struct {
	kind    Kind
	device  int // GPU device index; -1 for CPU slots
	release func()
	once    sync.Once
}

// Kind returns the pool the slot belongs to.
func (s *Slot) Kind() Kind { return s.kind }

// Device returns the GPU device index, or -1 for a CPU slot.
func (s *Slot) Device() int { return s.device }

// Release returns the slot to its pool. Safe to call more than once.
func (s *Slot) Release() {
	s.once.Do(s.release)
}

// Pool is the fixed set of GPU and CPU slots.
type Pool struct {
	gpu    chan int // carries device indexes
	cpu    chan struct{}
	logger zerolog.Logger
}

// NewPool builds a pool with one GPU slot per device index and the given
// CPU slot count.
func NewPool(gpuDevices []int, cpuSlots int, logger zerolog.Logger) *Pool {
	p := &Pool{
		gpu:    make(chan int, len(gpuDevices)),
		cpu:    make(chan struct{}, cpuSlots),
		logger: logger,
	}
	for _, d := range gpuDevices {
		p.gpu <- d
	}
	for i := 0; i < cpuSlots; i++ {
		p.cpu <- struct{}{}
	}
	return p
}

// Acquire blocks until a slot of the requested kind is available, the
// timeout elapses (ErrSlotTimeout) or ctx ends. The returned slot must be
// released by the caller; defer slot.Release() immediately.
func (p *Pool) Acquire(ctx context.Context, kind Kind, timeout time.Duration) (*Slot, error) {
	if kind == KindGPU && cap(p.gpu) == 0 {
		return nil, ErrNoGPU
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	start := time.Now()
	switch kind {
	case KindGPU:
		select {
		case device := <-p.gpu:
			return p.grant(kind, device, start), nil
		case <-timer:
			acquireTimeouts.WithLabelValues(string(kind)).Inc()
			return nil, ErrSlotTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case KindCPU:
		select {
		case <-p.cpu:
			return p.grant(kind, -1, start), nil
		case <-timer:
			acquireTimeouts.WithLabelValues(string(kind)).Inc()
			return nil, ErrSlotTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.New("unknown slot kind")
}

func (p *Pool) grant(kind Kind, device int, start time.Time) *Slot {
	acquireWait.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	slotsInUse.WithLabelValues(string(kind)).Inc()
	return &Slot{
		kind:   kind,
		device: device,
		release: func() {
			slotsInUse.WithLabelValues(string(kind)).Dec()
			switch kind {
			case KindGPU:
				p.gpu <- device
			case KindCPU:
				p.cpu <- struct{}{}
			}
		},
	}
}

// InUse returns the number of currently held slots of the given kind.
func (p *Pool) InUse(kind Kind) int {
	switch kind {
	case KindGPU:
		return cap(p.gpu) - len(p.gpu)
	case KindCPU:
		return cap(p.cpu) - len(p.cpu)
	}
	return 0
}

// Size returns the configured pool size of the given kind.
func (p *Pool) Size(kind Kind) int {
	switch kind {
	case KindGPU:
		return cap(p.gpu)
	case KindCPU:
		return cap(p.cpu)
	}
	return 0
}
