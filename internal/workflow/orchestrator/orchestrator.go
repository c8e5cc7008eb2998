// Package orchestrator drives a batch of patients through the pipeline in
// input order and applies the category policy: transient and permanent
// failures continue, critical failures halt the batch.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/workflow/metrics"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
	"github.com/vietddude/ihebatch/internal/workflow/summary"
)

// Runner processes one patient. Implementations must not panic or return
// without a result.
type Runner interface {
	Run(ctx context.Context, row domain.PatientRow) domain.PatientWorkflowResult
}

// IDReset clears the batch-scoped identifier registry and reseeds it.
type IDReset interface {
	Reset(seed *int64)
}

// Config holds orchestrator settings.
type Config struct {
	NewBatchID func() string
	Now        func() time.Time
}

// Orchestrator runs batches sequentially.
type Orchestrator struct {
	cfg            Config
	runner         Runner
	ids            IDReset
	startCallback  func(batchID string, total int)
	stateCallback  func(batchID string, t domain.Transition)
	resultCallback func(batchID string, row domain.PatientRow, r domain.PatientWorkflowResult)
}

// New creates an orchestrator.
func New(runner Runner, ids IDReset, cfg Config) *Orchestrator {
	if cfg.NewBatchID == nil {
		cfg.NewBatchID = func() string { return uuid.New().String() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, runner: runner, ids: ids}
}

// SetStartCallback registers callback invoked once the batch ID is allocated.
func (o *Orchestrator) SetStartCallback(fn func(batchID string, total int)) {
	o.startCallback = fn
}

// SetStateChangeCallback registers callback for state changes.
func (o *Orchestrator) SetStateChangeCallback(fn func(batchID string, t domain.Transition)) {
	o.stateCallback = fn
}

// SetResultCallback registers callback invoked after each patient result
// is recorded.
func (o *Orchestrator) SetResultCallback(fn func(batchID string, row domain.PatientRow, r domain.PatientWorkflowResult)) {
	o.resultCallback = fn
}

// ProcessBatch runs every row in order and returns the finalized result.
// Context cancellation is observed between patients; the patient in flight
// always finishes.
func (o *Orchestrator) ProcessBatch(
	ctx context.Context,
	rows []domain.PatientRow,
	seed *int64,
) *domain.BatchWorkflowResult {
	batch := domain.NewBatchWorkflowResult(o.cfg.NewBatchID(), len(rows), seed, o.cfg.Now())
	if o.ids != nil {
		o.ids.Reset(seed)
	}
	log := slog.With("batch", batch.BatchID)
	log.Info("Batch started", "patients", len(rows), "seed", seedAttr(seed))
	if o.startCallback != nil {
		o.startCallback(batch.BatchID, len(rows))
	}

	if len(rows) == 0 {
		o.transition(batch, domain.BatchStateCompleted, "no patients")
		return o.finalize(batch)
	}
	o.transition(batch, domain.BatchStateRunning, fmt.Sprintf("processing %d patients", len(rows)))

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			info := recovery.Describe(err, "", domain.StageBatch)
			info.ErrorType = recovery.TypeBatchInterrupted
			info.Category = domain.CategoryCritical
			info.Retryable = false
			info.Remediation = recovery.Remediation(recovery.TypeBatchInterrupted)
			info.Message = fmt.Sprintf("batch interrupted before patient %d: %v", i+1, err)
			info.Timestamp = o.cfg.Now()
			batch.Errors = append(batch.Errors, info)
			batch.HaltError = &info
			log.Warn("Batch interrupted", "processed", i, "error", err)
			o.transition(batch, domain.BatchStateHalted, info.Message)
			return o.finalize(batch)
		}

		result := o.runner.Run(ctx, row)
		batch.Append(result)
		if o.resultCallback != nil {
			o.resultCallback(batch.BatchID, row, result)
		}

		if result.Success {
			log.Debug("Patient succeeded", "index", i+1, "patient", result.PatientID, "eid", result.EnterpriseID)
			continue
		}

		log.Info("Patient failed",
			"index", i+1,
			"patient", result.PatientID,
			"category", result.Category(),
			"type", result.Error.ErrorType,
			"error", result.Message,
		)
		if result.IsCritical() {
			halt := *result.Error
			batch.HaltError = &halt
			log.Error("Critical error, halting batch",
				"patient", result.PatientID,
				"type", halt.ErrorType,
				"remaining", len(rows)-i-1,
			)
			o.transition(batch, domain.BatchStateHalted,
				fmt.Sprintf("critical %s at patient %d", halt.ErrorType, i+1))
			return o.finalize(batch)
		}
	}

	o.transition(batch, domain.BatchStateCompleted, "all patients processed")
	return o.finalize(batch)
}

func (o *Orchestrator) transition(batch *domain.BatchWorkflowResult, to domain.BatchState, reason string) {
	if err := batch.Transition(to, reason, o.cfg.Now()); err != nil {
		slog.Error("Rejected batch transition", "batch", batch.BatchID, "from", batch.State, "to", to)
		return
	}
	if o.stateCallback != nil {
		o.stateCallback(batch.BatchID, batch.Transitions[len(batch.Transitions)-1])
	}
}

func (o *Orchestrator) finalize(batch *domain.BatchWorkflowResult) *domain.BatchWorkflowResult {
	batch.FinishedAt = o.cfg.Now()
	batch.Duration = batch.FinishedAt.Sub(batch.StartedAt)
	batch.Unprocessed = batch.TotalPatients - batch.Processed()
	batch.Summary = summary.Summarize(batch.Errors, batch.TotalPatients)

	metrics.BatchesTotal.WithLabelValues(string(batch.State)).Inc()
	slog.Info("Batch finished",
		"batch", batch.BatchID,
		"state", batch.State,
		"successful", batch.Successful,
		"failed", batch.Failed,
		"unprocessed", batch.Unprocessed,
		"duration", batch.Duration,
	)
	return batch
}

func seedAttr(seed *int64) any {
	if seed == nil {
		return "none"
	}
	return *seed
}
