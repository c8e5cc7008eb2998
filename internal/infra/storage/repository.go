package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

var (
	// ErrBatchNotFound is returned when a batch doesn't exist
	ErrBatchNotFound = errors.New("batch not found")

	// ErrFailedPatientNotFound is returned when a retry-queue entry doesn't exist
	ErrFailedPatientNotFound = errors.New("failed patient not found")
)

// BatchRepository handles finalized batch results
type BatchRepository interface {
	// Save inserts or replaces a batch result
	Save(ctx context.Context, batch *domain.BatchWorkflowResult) error

	// Get retrieves a batch by ID
	Get(ctx context.Context, batchID string) (*domain.BatchWorkflowResult, error)

	// List returns the most recent batches, newest first
	List(ctx context.Context, limit int) ([]*domain.BatchWorkflowResult, error)

	// DeleteOlderThan removes batches started before the cutoff
	DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
}

// FailedPatientRepository handles the failed patient retry queue.
// An empty batchID matches every batch.
type FailedPatientRepository interface {
	// Add adds a failed patient
	Add(ctx context.Context, fp *domain.FailedPatient) error

	// GetNext retrieves the pending entry with the oldest last attempt
	GetNext(ctx context.Context, batchID string) (*domain.FailedPatient, error)

	// IncrementRetry increments retry count and updates last attempt
	IncrementRetry(ctx context.Context, id string) error

	// MarkResolved marks an entry as successfully retried
	MarkResolved(ctx context.Context, id string) error

	// MarkIgnored takes an entry out of the retry rotation
	MarkIgnored(ctx context.Context, id string, reason string) error

	// GetAll retrieves every entry of a batch regardless of status
	GetAll(ctx context.Context, batchID string) ([]*domain.FailedPatient, error)

	// Count returns the number of pending entries
	Count(ctx context.Context, batchID string) (int, error)

	// DeleteOlderThan removes resolved and ignored entries last attempted
	// before the cutoff. Pending entries are kept.
	DeleteOlderThan(ctx context.Context, before time.Time) (int, error)
}
