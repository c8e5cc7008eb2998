package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
)

const entryTTL = 24 * time.Hour

// FailedPatientRepo implements storage.FailedPatientRepository using Redis.
// Pending entry IDs live in a sorted set scored by last attempt; every
// entry, whatever its status, is also indexed by creation time.
type FailedPatientRepo struct {
	rdb       *redis.Client
	namespace string
	now       func() time.Time
}

// NewFailedPatientRepo creates a new Redis-backed failed patient repository.
func NewFailedPatientRepo(client *Client, namespace string) *FailedPatientRepo {
	if namespace == "" {
		namespace = "ihebatch"
	}
	return &FailedPatientRepo{
		rdb:       client.rdb,
		namespace: namespace,
		now:       time.Now,
	}
}

// Key helpers
func (r *FailedPatientRepo) queueKey() string {
	return fmt.Sprintf("%s:failed_patients:pending", r.namespace)
}

func (r *FailedPatientRepo) indexKey() string {
	return fmt.Sprintf("%s:failed_patients:all", r.namespace)
}

func (r *FailedPatientRepo) entryKey(id string) string {
	return fmt.Sprintf("%s:failed_patient:%s", r.namespace, id)
}

func score(t time.Time) float64 {
	return float64(t.UnixNano())
}

// Add adds a failed patient to the queue.
func (r *FailedPatientRepo) Add(ctx context.Context, fp *domain.FailedPatient) error {
	entry := *fp
	now := r.now()
	if entry.Status == "" {
		entry.Status = domain.FailedPatientStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAttempt.IsZero() {
		entry.LastAttempt = now
	}

	if err := r.save(ctx, &entry); err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: score(entry.CreatedAt), Member: entry.ID})
	if entry.Status == domain.FailedPatientStatusPending {
		pipe.ZAdd(ctx, r.queueKey(), redis.Z{Score: score(entry.LastAttempt), Member: entry.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}
	return nil
}

// GetNext retrieves the pending entry with the oldest last attempt.
func (r *FailedPatientRepo) GetNext(ctx context.Context, batchID string) (*domain.FailedPatient, error) {
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	for _, id := range ids {
		fp, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if fp == nil {
			// Data expired but ID still in queue, remove it
			r.rdb.ZRem(ctx, r.queueKey(), id)
			continue
		}
		if batchID == "" || fp.BatchID == batchID {
			return fp, nil
		}
	}
	return nil, nil
}

// IncrementRetry increments retry count and moves the entry to the back.
func (r *FailedPatientRepo) IncrementRetry(ctx context.Context, id string) error {
	return r.update(ctx, id, func(fp *domain.FailedPatient) {
		fp.RetryCount++
		fp.LastAttempt = r.now()
	})
}

// MarkResolved takes a successfully retried entry out of the queue.
func (r *FailedPatientRepo) MarkResolved(ctx context.Context, id string) error {
	return r.update(ctx, id, func(fp *domain.FailedPatient) {
		fp.Status = domain.FailedPatientStatusResolved
		fp.LastAttempt = r.now()
	})
}

// MarkIgnored takes an entry out of the queue without resolving it.
func (r *FailedPatientRepo) MarkIgnored(ctx context.Context, id, reason string) error {
	return r.update(ctx, id, func(fp *domain.FailedPatient) {
		fp.Status = domain.FailedPatientStatusIgnored
		if reason != "" {
			fp.Error = reason
		}
	})
}

func (r *FailedPatientRepo) update(ctx context.Context, id string, fn func(*domain.FailedPatient)) error {
	fp, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if fp == nil {
		return storage.ErrFailedPatientNotFound
	}

	fn(fp)
	if err := r.save(ctx, fp); err != nil {
		return err
	}

	if fp.Status == domain.FailedPatientStatusPending {
		err = r.rdb.ZAdd(ctx, r.queueKey(), redis.Z{Score: score(fp.LastAttempt), Member: id}).Err()
	} else {
		err = r.rdb.ZRem(ctx, r.queueKey(), id).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update queue: %w", err)
	}
	return nil
}

// GetAll retrieves every entry of a batch in creation order.
func (r *FailedPatientRepo) GetAll(ctx context.Context, batchID string) ([]*domain.FailedPatient, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]*domain.FailedPatient, 0, len(ids))
	for _, id := range ids {
		fp, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if fp == nil {
			r.rdb.ZRem(ctx, r.indexKey(), id)
			continue
		}
		if batchID == "" || fp.BatchID == batchID {
			out = append(out, fp)
		}
	}
	return out, nil
}

// Count returns the number of pending entries.
func (r *FailedPatientRepo) Count(ctx context.Context, batchID string) (int, error) {
	if batchID == "" {
		count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("zcard failed: %w", err)
		}
		return int(count), nil
	}

	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange failed: %w", err)
	}
	count := 0
	for _, id := range ids {
		fp, err := r.load(ctx, id)
		if err != nil {
			return 0, err
		}
		if fp != nil && fp.BatchID == batchID {
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan removes settled entries last attempted before the cutoff.
// Entries that already expired are dropped from the index as well.
func (r *FailedPatientRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange failed: %w", err)
	}

	n := 0
	for _, id := range ids {
		fp, err := r.load(ctx, id)
		if err != nil {
			return n, err
		}
		if fp != nil && (fp.Status == domain.FailedPatientStatusPending || !fp.LastAttempt.Before(before)) {
			continue
		}

		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, r.entryKey(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		pipe.ZRem(ctx, r.queueKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("failed to delete failed patient: %w", err)
		}
		if fp != nil {
			n++
		}
	}
	return n, nil
}

func (r *FailedPatientRepo) load(ctx context.Context, id string) (*domain.FailedPatient, error) {
	data, err := r.rdb.Get(ctx, r.entryKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed patient: %w", err)
	}

	var fp domain.FailedPatient
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed patient: %w", err)
	}
	return &fp, nil
}

func (r *FailedPatientRepo) save(ctx context.Context, fp *domain.FailedPatient) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("failed to marshal failed patient: %w", err)
	}
	if err := r.rdb.Set(ctx, r.entryKey(fp.ID), data, entryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set failed patient: %w", err)
	}
	return nil
}
