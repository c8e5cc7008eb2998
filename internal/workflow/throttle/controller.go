// Package throttle paces submissions so a slow test endpoint is not
// flooded while a batch runs.
package throttle

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/workflow/metrics"
)

// AdaptiveController computes the gap between patients from the observed
// submission latency.
type AdaptiveController struct {
	config AdaptiveConfig

	mu              sync.Mutex
	avgLatency      time.Duration
	samples         int
	currentInterval time.Duration
}

// NewAdaptiveController creates a new adaptive controller.
func NewAdaptiveController(config AdaptiveConfig) *AdaptiveController {
	config = config.WithDefaults()
	return &AdaptiveController{
		config:          config,
		currentInterval: config.MinInterval,
	}
}

// Observe folds one submission latency into the moving average.
func (c *AdaptiveController) Observe(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		c.avgLatency = latency
	} else {
		a := c.config.Smoothing
		c.avgLatency = time.Duration(a*float64(latency) + (1-a)*float64(c.avgLatency))
	}
	c.samples++
}

// ComputeInterval calculates the gap before the next patient.
//
// Algorithm:
//   - no samples or avg ≤ low: min interval
//   - avg ≥ high: max interval
//   - in between: linear between min and max
func (c *AdaptiveController) ComputeInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.config.Enabled {
		return 0
	}

	var interval time.Duration
	low, high := c.config.LowLatencyThreshold, c.config.HighLatencyThreshold

	switch {
	case c.samples == 0 || c.avgLatency <= low:
		interval = c.config.MinInterval

	case c.avgLatency >= high || high <= low:
		interval = c.config.MaxInterval

	default:
		frac := float64(c.avgLatency-low) / float64(high-low)
		span := float64(c.config.MaxInterval - c.config.MinInterval)
		interval = c.config.MinInterval + time.Duration(frac*span)
	}

	c.currentInterval = interval
	metrics.PacingInterval.Set(interval.Seconds())
	return interval
}

// GetCurrentInterval returns the last computed interval (for metrics).
func (c *AdaptiveController) GetCurrentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentInterval
}

// GetAverageLatency returns the smoothed submission latency.
func (c *AdaptiveController) GetAverageLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgLatency
}

// Runner processes one patient.
type Runner interface {
	Run(ctx context.Context, row domain.PatientRow) domain.PatientWorkflowResult
}

// PacedRunner waits the computed gap after each patient that reached the
// endpoint. A critical result returns at once since the batch halts.
type PacedRunner struct {
	next       Runner
	controller *AdaptiveController
	sleep      func(ctx context.Context, d time.Duration)
}

// NewPacedRunner wraps next with adaptive pacing.
func NewPacedRunner(next Runner, controller *AdaptiveController) *PacedRunner {
	return &PacedRunner{next: next, controller: controller, sleep: sleep}
}

// Run runs the wrapped runner and then paces.
func (p *PacedRunner) Run(ctx context.Context, row domain.PatientRow) domain.PatientWorkflowResult {
	result := p.next.Run(ctx, row)
	if result.SubmitDuration <= 0 || result.IsCritical() {
		return result
	}
	p.controller.Observe(result.SubmitDuration / time.Duration(max(result.Attempts, 1)))
	if d := p.controller.ComputeInterval(); d > 0 {
		p.sleep(ctx, d)
	}
	return result
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
