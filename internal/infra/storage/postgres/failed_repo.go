package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
)

// FailedPatientRepo implements storage.FailedPatientRepository using PostgreSQL.
type FailedPatientRepo struct {
	db *DB
}

// NewFailedPatientRepo creates a new PostgreSQL failed patient repository.
func NewFailedPatientRepo(db *DB) *FailedPatientRepo {
	return &FailedPatientRepo{db: db}
}

type failedRow struct {
	ID          string    `db:"id"`
	BatchID     string    `db:"batch_id"`
	PatientID   string    `db:"patient_id"`
	RowIndex    int       `db:"row_index"`
	RowData     []byte    `db:"row_data"`
	Category    string    `db:"category"`
	ErrorType   string    `db:"error_type"`
	ErrorMsg    string    `db:"error_msg"`
	RetryCount  int       `db:"retry_count"`
	Status      string    `db:"status"`
	LastAttempt time.Time `db:"last_attempt"`
	CreatedAt   time.Time `db:"created_at"`
}

const failedColumns = `id, batch_id, patient_id, row_index, row_data, category, error_type,
	error_msg, retry_count, status, last_attempt, created_at`

func (row failedRow) toDomain() (*domain.FailedPatient, error) {
	fields := map[string]string{}
	if len(row.RowData) > 0 {
		if err := json.Unmarshal(row.RowData, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row data: %w", err)
		}
	}
	return &domain.FailedPatient{
		ID:          row.ID,
		BatchID:     row.BatchID,
		PatientID:   row.PatientID,
		RowIndex:    row.RowIndex,
		Row:         fields,
		Category:    domain.Category(row.Category),
		ErrorType:   row.ErrorType,
		Error:       row.ErrorMsg,
		RetryCount:  row.RetryCount,
		Status:      domain.FailedPatientStatus(row.Status),
		LastAttempt: row.LastAttempt,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// Add adds a failed patient.
func (r *FailedPatientRepo) Add(ctx context.Context, fp *domain.FailedPatient) error {
	query := `
		INSERT INTO failed_patients (id, batch_id, patient_id, row_index, row_data, category,
			error_type, error_msg, retry_count, status, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()), COALESCE($12, NOW()))
	`
	status := string(fp.Status)
	if status == "" {
		status = string(domain.FailedPatientStatusPending)
	}
	data, err := json.Marshal(fp.Row)
	if err != nil {
		return fmt.Errorf("failed to marshal row data: %w", err)
	}

	_, err = r.db.ExecContext(
		ctx,
		query,
		fp.ID,
		fp.BatchID,
		fp.PatientID,
		fp.RowIndex,
		string(data),
		string(fp.Category),
		fp.ErrorType,
		fp.Error,
		fp.RetryCount,
		status,
		nullTime(fp.LastAttempt),
		nullTime(fp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to add failed patient: %w", err)
	}
	return nil
}

// GetNext returns the pending entry with the oldest last attempt.
func (r *FailedPatientRepo) GetNext(ctx context.Context, batchID string) (*domain.FailedPatient, error) {
	query := `
		SELECT ` + failedColumns + `
		FROM failed_patients
		WHERE status = 'pending' AND ($1 = '' OR batch_id = $1)
		ORDER BY last_attempt ASC, created_at ASC
		LIMIT 1
	`
	var dest failedRow
	err := r.db.GetContext(ctx, &dest, query, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No pending failed patients
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed patient: %w", err)
	}
	return dest.toDomain()
}

// IncrementRetry increments retry count and updates timestamp.
func (r *FailedPatientRepo) IncrementRetry(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE failed_patients
		SET retry_count = retry_count + 1, last_attempt = NOW()
		WHERE id = $1
	`, id)
}

// MarkResolved marks a failed patient as resolved.
func (r *FailedPatientRepo) MarkResolved(ctx context.Context, id string) error {
	return r.exec(ctx, `
		UPDATE failed_patients
		SET status = 'resolved', last_attempt = NOW()
		WHERE id = $1
	`, id)
}

// MarkIgnored takes a failed patient out of rotation.
func (r *FailedPatientRepo) MarkIgnored(ctx context.Context, id, reason string) error {
	return r.exec(ctx, `
		UPDATE failed_patients
		SET status = 'ignored', error_msg = COALESCE(NULLIF($2, ''), error_msg)
		WHERE id = $1
	`, id, reason)
}

func (r *FailedPatientRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update failed patient: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrFailedPatientNotFound
	}
	return nil
}

// GetAll returns every entry of a batch regardless of status.
func (r *FailedPatientRepo) GetAll(ctx context.Context, batchID string) ([]*domain.FailedPatient, error) {
	query := `
		SELECT ` + failedColumns + `
		FROM failed_patients
		WHERE ($1 = '' OR batch_id = $1)
		ORDER BY created_at ASC, row_index ASC
	`
	var rows []failedRow
	if err := r.db.SelectContext(ctx, &rows, query, batchID); err != nil {
		return nil, fmt.Errorf("failed to get all failed patients: %w", err)
	}

	out := make([]*domain.FailedPatient, 0, len(rows))
	for _, row := range rows {
		fp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, nil
}

// Count returns the number of pending entries.
func (r *FailedPatientRepo) Count(ctx context.Context, batchID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM failed_patients
		WHERE status = 'pending' AND ($1 = '' OR batch_id = $1)
	`
	var count int
	if err := r.db.GetContext(ctx, &count, query, batchID); err != nil {
		return 0, fmt.Errorf("failed to count failed patients: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes settled entries last attempted before the cutoff.
func (r *FailedPatientRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM failed_patients
		WHERE status <> 'pending' AND last_attempt < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old failed patients: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
