package domain

import (
	"errors"
	"time"
)

// BatchState is the lifecycle state of a batch run.
type BatchState string

const (
	BatchStateInit      BatchState = "INIT"
	BatchStateRunning   BatchState = "RUNNING"
	BatchStateCompleted BatchState = "COMPLETED"
	BatchStateHalted    BatchState = "HALTED"
)

func (s BatchState) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s BatchState) IsTerminal() bool {
	return s == BatchStateCompleted || s == BatchStateHalted
}

// ErrInvalidTransition is returned when a batch state change is not allowed.
var ErrInvalidTransition = errors.New("invalid batch state transition")

// ValidTransitions defines allowed batch state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[BatchState][]BatchState{
	BatchStateInit:    {BatchStateRunning, BatchStateCompleted},
	BatchStateRunning: {BatchStateCompleted, BatchStateHalted},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to BatchState) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      BatchState `json:"from"`
	To        BatchState `json:"to"`
	Reason    string     `json:"reason"`
	Timestamp time.Time  `json:"timestamp"`
}

// BatchWorkflowResult is the aggregate outcome of one batch run. It is
// appended to as patients complete and frozen once State is terminal.
type BatchWorkflowResult struct {
	BatchID        string                  `json:"batch_id"`
	State          BatchState              `json:"state"`
	Seed           *int64                  `json:"seed,omitempty"`
	TotalPatients  int                     `json:"total_patients"`
	PatientResults []PatientWorkflowResult `json:"patient_results"`
	Successful     int                     `json:"successful"`
	Failed         int                     `json:"failed"`
	Unprocessed    int                     `json:"unprocessed"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     time.Time               `json:"finished_at"`
	Duration       time.Duration           `json:"duration"`
	Errors         []ErrorInfo             `json:"errors"`
	HaltError      *ErrorInfo              `json:"halt_error,omitempty"`
	Transitions    []Transition            `json:"transitions"`
	Summary        ErrorSummary            `json:"error_summary"`
}

// NewBatchWorkflowResult creates an empty result in the INIT state.
func NewBatchWorkflowResult(batchID string, total int, seed *int64, startedAt time.Time) *BatchWorkflowResult {
	return &BatchWorkflowResult{
		BatchID:        batchID,
		State:          BatchStateInit,
		Seed:           seed,
		TotalPatients:  total,
		PatientResults: make([]PatientWorkflowResult, 0, total),
		StartedAt:      startedAt,
	}
}

// Append records a patient result and updates the counters.
func (b *BatchWorkflowResult) Append(r PatientWorkflowResult) {
	b.PatientResults = append(b.PatientResults, r)
	if r.Success {
		b.Successful++
		return
	}
	b.Failed++
	if r.Error != nil {
		b.Errors = append(b.Errors, *r.Error)
	}
}

// Transition moves the batch to a new state if the move is allowed.
func (b *BatchWorkflowResult) Transition(to BatchState, reason string, at time.Time) error {
	if !CanTransition(b.State, to) {
		return ErrInvalidTransition
	}
	b.Transitions = append(b.Transitions, Transition{
		From:      b.State,
		To:        to,
		Reason:    reason,
		Timestamp: at,
	})
	b.State = to
	return nil
}

// Halted reports whether processing stopped early.
func (b *BatchWorkflowResult) Halted() bool { return b.State == BatchStateHalted }

// Processed returns how many patients have a result.
func (b *BatchWorkflowResult) Processed() int { return len(b.PatientResults) }

// PatientIDs returns the patient IDs of all results in order.
func (b *BatchWorkflowResult) PatientIDs() []string {
	ids := make([]string, 0, len(b.PatientResults))
	for _, r := range b.PatientResults {
		ids = append(ids, r.PatientID)
	}
	return ids
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s BatchState) string {
	switch s {
	case BatchStateInit:
		return "Initializing - batch allocated, no patient attempted"
	case BatchStateRunning:
		return "Running - processing patients in input order"
	case BatchStateCompleted:
		return "Completed - every patient has a result"
	case BatchStateHalted:
		return "Halted - stopped early on a critical error"
	default:
		return "Unknown state"
	}
}
