package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
)

// DefaultQueueRetries bounds how often a queued patient is re-driven.
const DefaultQueueRetries = 5

// ErrDrainHalted is returned by Drain when a retry hit a critical failure.
var ErrDrainHalted = errors.New("retry halted by critical failure")

// Resubmitter re-runs the pipeline for a queued patient.
type Resubmitter func(ctx context.Context, fp *domain.FailedPatient) domain.PatientWorkflowResult

// Outcome is the result of one ProcessNext call.
type Outcome int

const (
	// OutcomeEmpty means no pending entry exists.
	OutcomeEmpty Outcome = iota
	// OutcomeWaiting means the next entry is still inside its backoff window.
	OutcomeWaiting
	// OutcomeResolved means the retry succeeded.
	OutcomeResolved
	// OutcomeFailed means the retry failed and the entry stays pending.
	OutcomeFailed
	// OutcomeGaveUp means the entry was taken out of rotation.
	OutcomeGaveUp
	// OutcomeHalted means the retry hit a critical failure. The entry stays
	// pending with its retry count unchanged.
	OutcomeHalted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeResolved:
		return "resolved"
	case OutcomeFailed:
		return "failed"
	case OutcomeGaveUp:
		return "gave_up"
	case OutcomeHalted:
		return "halted"
	}
	return "unknown"
}

// Attempt describes what ProcessNext did.
type Attempt struct {
	Outcome Outcome
	Entry   *domain.FailedPatient
	Result  *domain.PatientWorkflowResult
	RetryAt time.Time
}

// Handler processes the failed patient queue.
type Handler struct {
	repo       storage.FailedPatientRepository
	resubmit   Resubmitter
	strategy   RetryStrategy
	maxRetries int
	now        func() time.Time
}

// NewHandler creates a new failed patient handler.
func NewHandler(
	repo storage.FailedPatientRepository,
	resubmit Resubmitter,
	strategy RetryStrategy,
) *Handler {
	if strategy == nil {
		strategy = DefaultBackoff(nil)
	}
	return &Handler{
		repo:       repo,
		resubmit:   resubmit,
		strategy:   strategy,
		maxRetries: DefaultQueueRetries,
		now:        time.Now,
	}
}

// SetMaxRetries overrides how many queue retries an entry gets.
func (h *Handler) SetMaxRetries(n int) {
	if n > 0 {
		h.maxRetries = n
	}
}

// SetClock overrides the time source.
func (h *Handler) SetClock(now func() time.Time) {
	if now != nil {
		h.now = now
	}
}

// HandleFailure records a failed patient. Transient failures are queued as
// pending; everything else is stored as ignored for audit.
func (h *Handler) HandleFailure(
	ctx context.Context,
	batchID string,
	row domain.PatientRow,
	result domain.PatientWorkflowResult,
) error {
	if result.Success || result.Error == nil {
		return nil
	}

	status := domain.FailedPatientStatusIgnored
	if result.Error.Category.Retryable() {
		status = domain.FailedPatientStatusPending
	}

	now := h.now()
	fields := row.Fields()
	fields[domain.FieldPatientID] = result.PatientID
	fp := &domain.FailedPatient{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		PatientID:   result.PatientID,
		RowIndex:    row.Index,
		Row:         fields,
		Category:    result.Error.Category,
		ErrorType:   result.Error.ErrorType,
		Error:       result.Error.Message,
		RetryCount:  0,
		Status:      status,
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := h.repo.Add(ctx, fp); err != nil {
		return fmt.Errorf("failed to add failed patient: %w", err)
	}
	return nil
}

// ProcessNext picks the next failed patient and retries it if backoff allows.
func (h *Handler) ProcessNext(ctx context.Context, batchID string) (Attempt, error) {
	fp, err := h.repo.GetNext(ctx, batchID)
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to get next failed patient: %w", err)
	}
	if fp == nil {
		return Attempt{Outcome: OutcomeEmpty}, nil
	}

	retryAt := fp.LastAttempt.Add(h.strategy.GetDelay(fp.RetryCount))
	if h.now().Before(retryAt) {
		return Attempt{Outcome: OutcomeWaiting, Entry: fp, RetryAt: retryAt}, nil
	}

	result := h.resubmit(ctx, fp)
	attempt := Attempt{Entry: fp, Result: &result}

	if result.Success {
		if err := h.repo.MarkResolved(ctx, fp.ID); err != nil {
			return attempt, fmt.Errorf("failed to resolve patient %s: %w", fp.PatientID, err)
		}
		attempt.Outcome = OutcomeResolved
		return attempt, nil
	}

	if result.IsCritical() {
		attempt.Outcome = OutcomeHalted
		return attempt, nil
	}

	if !result.Category().Retryable() || fp.RetryCount+1 >= h.maxRetries {
		reason := "retries exhausted"
		if result.Error != nil && !result.Error.Retryable {
			reason = result.Error.ErrorType
		}
		if err := h.repo.MarkIgnored(ctx, fp.ID, reason); err != nil {
			return attempt, fmt.Errorf("failed to ignore patient %s: %w", fp.PatientID, err)
		}
		attempt.Outcome = OutcomeGaveUp
		return attempt, nil
	}

	if err := h.repo.IncrementRetry(ctx, fp.ID); err != nil {
		return attempt, fmt.Errorf("failed to increment retry: %w", err)
	}
	attempt.Outcome = OutcomeFailed
	return attempt, nil
}

// Drain processes the queue until it is empty, waiting out backoff windows.
// It returns every attempt that reached the resubmitter. A critical failure
// stops the drain with ErrDrainHalted and leaves the rest of the queue
// pending.
func (h *Handler) Drain(ctx context.Context, batchID string) ([]Attempt, error) {
	var attempts []Attempt
	for {
		a, err := h.ProcessNext(ctx, batchID)
		if err != nil {
			return attempts, err
		}

		switch a.Outcome {
		case OutcomeEmpty:
			return attempts, nil
		case OutcomeHalted:
			attempts = append(attempts, a)
			msg := ""
			if a.Result.Error != nil {
				msg = a.Result.Error.Message
			}
			slog.Error("Retry halted", "patient", a.Entry.PatientID, "error", msg)
			return attempts, fmt.Errorf("%w: %s", ErrDrainHalted, msg)
		case OutcomeWaiting:
			wait := a.RetryAt.Sub(h.now())
			slog.Debug("Waiting for backoff", "patient", a.Entry.PatientID, "delay", wait)
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(wait):
			}
		default:
			slog.Info("Retried failed patient",
				"patient", a.Entry.PatientID,
				"outcome", a.Outcome,
				"retry", a.Entry.RetryCount+1,
			)
			attempts = append(attempts, a)
		}
	}
}
