package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
)

type MemoryStorage struct {
	batches map[string]*domain.BatchWorkflowResult
	failed  map[string]*domain.FailedPatient
	// order keeps insertion order of failed entries.
	order []string
	mu    sync.RWMutex
	now   func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		batches: make(map[string]*domain.BatchWorkflowResult),
		failed:  make(map[string]*domain.FailedPatient),
		now:     time.Now,
	}
}

// -----------------------------------------------------------------------------
// Batch Repository
// -----------------------------------------------------------------------------

type BatchRepo struct {
	store *MemoryStorage
}

func NewBatchRepo(store *MemoryStorage) *BatchRepo {
	return &BatchRepo{store: store}
}

func (r *BatchRepo) Save(ctx context.Context, batch *domain.BatchWorkflowResult) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.batches[batch.BatchID] = batch
	return nil
}

func (r *BatchRepo) Get(ctx context.Context, batchID string) (*domain.BatchWorkflowResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if b, ok := r.store.batches[batchID]; ok {
		return b, nil
	}
	return nil, storage.ErrBatchNotFound
}

func (r *BatchRepo) List(ctx context.Context, limit int) ([]*domain.BatchWorkflowResult, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.BatchWorkflowResult, 0, len(r.store.batches))
	for _, b := range r.store.batches {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *domain.BatchWorkflowResult) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.BatchID, b.BatchID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BatchRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, b := range r.store.batches {
		if b.StartedAt.Before(before) {
			delete(r.store.batches, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Failed Patient Repository
// -----------------------------------------------------------------------------

type FailedRepo struct{ store *MemoryStorage }

func NewFailedRepo(s *MemoryStorage) *FailedRepo { return &FailedRepo{store: s} }

func (r *FailedRepo) Add(ctx context.Context, f *domain.FailedPatient) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *f
	if cp.Status == "" {
		cp.Status = domain.FailedPatientStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.store.now()
	}
	if cp.LastAttempt.IsZero() {
		cp.LastAttempt = cp.CreatedAt
	}
	if _, exists := r.store.failed[cp.ID]; !exists {
		r.store.order = append(r.store.order, cp.ID)
	}
	r.store.failed[cp.ID] = &cp
	return nil
}

func (r *FailedRepo) GetNext(ctx context.Context, batchID string) (*domain.FailedPatient, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var next *domain.FailedPatient
	for _, id := range r.store.order {
		f := r.store.failed[id]
		if f.Status != domain.FailedPatientStatusPending || !matches(f, batchID) {
			continue
		}
		if next == nil || f.LastAttempt.Before(next.LastAttempt) {
			next = f
		}
	}
	if next == nil {
		return nil, nil
	}
	cp := *next
	return &cp, nil
}

func (r *FailedRepo) IncrementRetry(ctx context.Context, id string) error {
	return r.update(id, func(f *domain.FailedPatient) {
		f.RetryCount++
		f.LastAttempt = r.store.now()
	})
}

func (r *FailedRepo) MarkResolved(ctx context.Context, id string) error {
	return r.update(id, func(f *domain.FailedPatient) {
		f.Status = domain.FailedPatientStatusResolved
		f.LastAttempt = r.store.now()
	})
}

func (r *FailedRepo) MarkIgnored(ctx context.Context, id, reason string) error {
	return r.update(id, func(f *domain.FailedPatient) {
		f.Status = domain.FailedPatientStatusIgnored
		if reason != "" {
			f.Error = reason
		}
	})
}

func (r *FailedRepo) GetAll(ctx context.Context, batchID string) ([]*domain.FailedPatient, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.FailedPatient
	for _, id := range r.store.order {
		f := r.store.failed[id]
		if matches(f, batchID) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *FailedRepo) Count(ctx context.Context, batchID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, f := range r.store.failed {
		if f.Status == domain.FailedPatientStatusPending && matches(f, batchID) {
			n++
		}
	}
	return n, nil
}

func (r *FailedRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	kept := r.store.order[:0]
	n := 0
	for _, id := range r.store.order {
		f := r.store.failed[id]
		if f.Status != domain.FailedPatientStatusPending && f.LastAttempt.Before(before) {
			delete(r.store.failed, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	r.store.order = kept
	return n, nil
}

func (r *FailedRepo) update(id string, fn func(*domain.FailedPatient)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	f, ok := r.store.failed[id]
	if !ok {
		return storage.ErrFailedPatientNotFound
	}
	fn(f)
	return nil
}

func matches(f *domain.FailedPatient, batchID string) bool {
	return batchID == "" || f.BatchID == batchID
}
