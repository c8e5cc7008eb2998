package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
	"github.com/vietddude/ihebatch/internal/workflow/metrics"
)

// Checker is a backing service that can be pinged.
type Checker interface {
	Health(ctx context.Context) error
}

// Monitor aggregates batch progress, retry queue depth and dependency
// status. Progress is fed by the orchestrator callbacks.
type Monitor struct {
	failedRepo   storage.FailedPatientRepository
	dependencies map[string]Checker
	interval     time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	batch      *BatchProgress
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. failedRepo may be nil.
func NewMonitor(failedRepo storage.FailedPatientRepository, dependencies map[string]Checker) *Monitor {
	if dependencies == nil {
		dependencies = map[string]Checker{}
	}
	return &Monitor{
		failedRepo:   failedRepo,
		dependencies: dependencies,
		interval:     10 * time.Second,
		now:          time.Now,
	}
}

// SetInterval overrides how long a report is cached.
func (m *Monitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// BatchStarted resets progress for a new batch.
func (m *Monitor) BatchStarted(batchID string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batch = &BatchProgress{
		BatchID:    batchID,
		State:      string(domain.BatchStateInit),
		Total:      total,
		ByCategory: map[string]int{},
	}
	m.lastReport = nil
}

// OnTransition records a batch state change.
func (m *Monitor) OnTransition(batchID string, t domain.Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batch == nil || m.batch.BatchID != batchID {
		m.batch = &BatchProgress{BatchID: batchID, ByCategory: map[string]int{}}
	}
	m.batch.State = string(t.To)
	if t.To == domain.BatchStateHalted {
		m.batch.HaltError = t.Reason
	}
	m.lastReport = nil
}

// OnResult records one patient result.
func (m *Monitor) OnResult(batchID string, _ domain.PatientRow, r domain.PatientWorkflowResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batch == nil || m.batch.BatchID != batchID {
		return
	}
	m.batch.Processed++
	if r.Success {
		m.batch.Successful++
	} else {
		m.batch.Failed++
		if c := r.Category(); c != "" {
			m.batch.ByCategory[string(c)]++
		}
	}
	m.lastReport = nil
}

// Progress returns a copy of the current batch progress, or nil.
func (m *Monitor) Progress() *BatchProgress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.batch == nil {
		return nil
	}
	return m.batch.clone()
}

func (p *BatchProgress) clone() *BatchProgress {
	c := *p
	c.ByCategory = make(map[string]int, len(p.ByCategory))
	for k, v := range p.ByCategory {
		c.ByCategory[k] = v
	}
	return &c
}

// CheckHealth builds a health report.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering the backing stores
	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.interval {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Dependencies: make(map[string]DependencyHealth, len(m.dependencies)),
	}

	// 1. Batch progress
	if m.batch != nil {
		progress := m.batch.clone()
		progress.Status = batchStatus(progress)
		report.Batch = progress
		report.SystemStatus = worst(report.SystemStatus, progress.Status)
	}

	// 2. Retry queue
	if m.failedRepo != nil {
		if count, err := m.failedRepo.Count(ctx, ""); err == nil {
			report.RetryQueue = count
			metrics.RetryQueueDepth.Set(float64(count))
			if count > 0 {
				report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
			}
		}
	}

	// 3. Dependencies
	for name, checker := range m.dependencies {
		dep := DependencyHealth{Name: name, Status: StatusHealthy}
		if err := checker.Health(ctx); err != nil {
			dep.Status = StatusCritical
			dep.Error = err.Error()
		}
		report.Dependencies[name] = dep
		report.SystemStatus = worst(report.SystemStatus, dep.Status)
	}

	m.lastCheck = m.now()
	m.lastReport = report
	return report
}

func batchStatus(p *BatchProgress) SystemStatus {
	switch {
	case p.State == string(domain.BatchStateHalted) || p.ByCategory[string(domain.CategoryCritical)] > 0:
		return StatusCritical
	case p.Failed > 0:
		return StatusDegraded
	}
	return StatusHealthy
}
