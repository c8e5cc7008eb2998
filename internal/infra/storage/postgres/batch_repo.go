package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
)

// BatchRepo implements storage.BatchRepository using PostgreSQL. The full
// result is kept as a JSONB payload; per-patient rows are written alongside
// for ad hoc queries.
type BatchRepo struct {
	db *DB
}

// NewBatchRepo creates a new PostgreSQL batch repository.
func NewBatchRepo(db *DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// Save upserts the batch and replaces its patient rows in one transaction.
func (r *BatchRepo) Save(ctx context.Context, b *domain.BatchWorkflowResult) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var haltType sql.NullString
	if b.HaltError != nil {
		haltType = sql.NullString{String: b.HaltError.ErrorType, Valid: true}
	}
	var finished sql.NullTime
	if !b.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: b.FinishedAt, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, state, seed, total_patients, successful, failed, unprocessed,
			patient_ids, halt_error_type, started_at, finished_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (batch_id) DO UPDATE SET
			state = EXCLUDED.state,
			successful = EXCLUDED.successful,
			failed = EXCLUDED.failed,
			unprocessed = EXCLUDED.unprocessed,
			patient_ids = EXCLUDED.patient_ids,
			halt_error_type = EXCLUDED.halt_error_type,
			finished_at = EXCLUDED.finished_at,
			payload = EXCLUDED.payload
	`,
		b.BatchID,
		string(b.State),
		b.Seed,
		b.TotalPatients,
		b.Successful,
		b.Failed,
		b.Unprocessed,
		pq.Array(b.PatientIDs()),
		haltType,
		b.StartedAt,
		finished,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM patient_results WHERE batch_id = $1`, b.BatchID); err != nil {
		return fmt.Errorf("failed to clear patient results: %w", err)
	}
	for _, pr := range b.PatientResults {
		var category, errType sql.NullString
		if pr.Error != nil {
			category = sql.NullString{String: string(pr.Error.Category), Valid: true}
			errType = sql.NullString{String: pr.Error.ErrorType, Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO patient_results (batch_id, row_index, patient_id, success, enterprise_id,
				category, error_type, message, attempts, completed_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		`,
			b.BatchID,
			pr.RowIndex,
			pr.PatientID,
			pr.Success,
			pr.EnterpriseID,
			category,
			errType,
			pr.Message,
			pr.Attempts,
			pr.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save patient result %d: %w", pr.RowIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Get retrieves a batch by ID.
func (r *BatchRepo) Get(ctx context.Context, batchID string) (*domain.BatchWorkflowResult, error) {
	var payload []byte
	err := r.db.GetContext(ctx, &payload, `SELECT payload FROM batches WHERE batch_id = $1`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return decodeBatch(payload)
}

// List returns the most recent batches, newest first.
func (r *BatchRepo) List(ctx context.Context, limit int) ([]*domain.BatchWorkflowResult, error) {
	if limit <= 0 {
		limit = 50
	}
	var payloads [][]byte
	err := r.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM batches
		ORDER BY started_at DESC, batch_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	out := make([]*domain.BatchWorkflowResult, 0, len(payloads))
	for _, p := range payloads {
		b, err := decodeBatch(p)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// DeleteOlderThan removes batches started before the cutoff. Patient rows
// go with them through the cascade.
func (r *BatchRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM batches WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old batches: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func decodeBatch(payload []byte) (*domain.BatchWorkflowResult, error) {
	var b domain.BatchWorkflowResult
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &b, nil
}
