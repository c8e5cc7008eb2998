// Package retention removes stored batches and settled retry entries once
// they fall outside the retention period.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/ihebatch/internal/infra/storage"
	"github.com/vietddude/ihebatch/internal/workflow/metrics"
)

// Result counts what one pass removed.
type Result struct {
	Cutoff  time.Time
	Batches int
	Entries int
}

// Pruner deletes old data based on retention policy.
type Pruner struct {
	retention  time.Duration
	batchRepo  storage.BatchRepository
	failedRepo storage.FailedPatientRepository
	now        func() time.Time
	log        *slog.Logger
}

// NewPruner creates a new Pruner.
func NewPruner(
	retention time.Duration,
	batchRepo storage.BatchRepository,
	failedRepo storage.FailedPatientRepository,
) *Pruner {
	return &Pruner{
		retention:  retention,
		batchRepo:  batchRepo,
		failedRepo: failedRepo,
		now:        time.Now,
		log:        slog.Default(),
	}
}

// SetClock replaces the clock.
func (p *Pruner) SetClock(now func() time.Time) {
	p.now = now
}

// Enabled reports whether a retention period is configured.
func (p *Pruner) Enabled() bool {
	return p.retention > 0
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	// A tenth of the retention period, clamped to [1m, 1h]
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logPrune(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logPrune(ctx)
		}
	}
}

func (p *Pruner) logPrune(ctx context.Context) {
	if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
		p.log.Error("Prune failed", "error", err)
	}
}

// Prune runs one pass. Both repositories are pruned even if one fails.
func (p *Pruner) Prune(ctx context.Context) (Result, error) {
	res := Result{}
	if !p.Enabled() {
		return res, nil
	}
	res.Cutoff = p.now().Add(-p.retention)

	var errs []error
	n, err := p.batchRepo.DeleteOlderThan(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Batches = n
	metrics.PrunedTotal.WithLabelValues("batch").Add(float64(n))

	n, err = p.failedRepo.DeleteOlderThan(ctx, res.Cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	res.Entries = n
	metrics.PrunedTotal.WithLabelValues("failed_patient").Add(float64(n))

	if res.Batches > 0 || res.Entries > 0 {
		p.log.Info("Pruned old records",
			"cutoff", res.Cutoff.Format(time.RFC3339),
			"batches", res.Batches,
			"failed_patients", res.Entries,
		)
	}
	return res, errors.Join(errs...)
}
