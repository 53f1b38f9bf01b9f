// SPDX-License-Identifier: MIT

// Package retry classifies stage failures as transient or permanent and
// applies bounded exponential backoff. It owns the attempt-cap invariant:
// exceeding the cap always converts a transient classification to
// permanent.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamforge/renditiond/internal/model"
	"github.com/streamforge/renditiond/internal/resource"
)

var classifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "renditiond",
	Name:      "retry_classifications_total",
	Help:      "Stage failure classifications",
}, []string{"class", "reason"})

// Decision is the controller's verdict on one failed stage execution.
type Decision struct {
	Class   model.FailureClass
	Reason  model.ReasonCode
	Detail  string
	Retry   bool
	Backoff time.Duration
}

// Controller applies the configured retry policy.
type Controller struct {
	AttemptCap  int
	BackoffBase time.Duration
}

// Classify maps a stage error to failure class and reason, independent of
// attempt counts.
func Classify(err error) (model.FailureClass, model.ReasonCode) {
	switch {
	case err == nil:
		return model.FailureNone, model.RNone
	case errors.Is(err, context.Canceled):
		return model.FailurePermanent, model.RCancelled
	case errors.Is(err, ErrInputInvalid):
		return model.FailurePermanent, model.RInputInvalid
	case errors.Is(err, resource.ErrSlotTimeout):
		return model.FailureTransient, model.RSlotTimeout
	case errors.Is(err, ErrOutputMissing):
		return model.FailureTransient, model.ROutputMissing
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		if toolErr.TimedOut {
			return model.FailureTransient, model.RToolTimeout
		}
		return model.FailureTransient, model.RToolExit
	}

	return model.FailureTransient, model.RUnknown
}

// Decide classifies err against the attempt count already recorded on the
// stage. A transient failure at or past the cap becomes permanent.
func (c *Controller) Decide(err error, attempts int) Decision {
	class, reason := Classify(err)
	d := Decision{Class: class, Reason: reason, Detail: err.Error()}

	if class == model.FailureTransient {
		if attempts >= c.AttemptCap {
			d.Class = model.FailurePermanent
			d.Reason = model.RAttemptCap
		} else {
			d.Retry = true
			d.Backoff = c.backoff(attempts)
		}
	}

	classifications.WithLabelValues(string(d.Class), string(d.Reason)).Inc()
	return d
}

// backoff returns base * 2^(attempt-1), e.g. 2s, 4s, 8s for base 2s.
func (c *Controller) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := c.BackoffBase
	for i := 1; i < attempt; i++ {
		b *= 2
	}
	return b
}
