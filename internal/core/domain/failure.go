package domain

import "time"

// Category is the policy class an error is resolved to.
type Category string

const (
	// CategoryTransient failures are retried with backoff; the batch continues.
	CategoryTransient Category = "transient"
	// CategoryPermanent failures are not retried; the batch continues.
	CategoryPermanent Category = "permanent"
	// CategoryCritical failures are not retried and halt the batch.
	CategoryCritical Category = "critical"
)

// Categories lists every category in report order.
var Categories = []Category{CategoryTransient, CategoryPermanent, CategoryCritical}

func (c Category) String() string { return string(c) }

// Label returns the capitalised name used in reports.
func (c Category) Label() string {
	switch c {
	case CategoryTransient:
		return "Transient"
	case CategoryPermanent:
		return "Permanent"
	case CategoryCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

func (c Category) IsValid() bool {
	switch c {
	case CategoryTransient, CategoryPermanent, CategoryCritical:
		return true
	}
	return false
}

// Retryable reports whether the same operation may be attempted again.
func (c Category) Retryable() bool { return c == CategoryTransient }

// HaltsBatch reports whether the category stops further processing.
func (c Category) HaltsBatch() bool { return c == CategoryCritical }

// Stage names one step of the per-patient pipeline.
type Stage string

const (
	StageResolveID   Stage = "resolve_id"
	StagePersonalize Stage = "personalize"
	StageSign        Stage = "sign"
	StageSubmit      Stage = "submit"
	StageExtract     Stage = "extract"
	// StageBatch marks errors raised by the orchestrator itself.
	StageBatch Stage = "batch"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageResolveID, StagePersonalize, StageSign, StageSubmit, StageExtract}

// ErrorInfo is a classified error. It is created once when the error is
// caught and passed around by value.
type ErrorInfo struct {
	Category    Category  `json:"category"`
	ErrorType   string    `json:"error_type"`
	Message     string    `json:"message"`
	PatientID   string    `json:"patient_id,omitempty"`
	Stage       Stage     `json:"stage,omitempty"`
	Retryable   bool      `json:"retryable"`
	Remediation string    `json:"remediation"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsCritical reports whether the error halts the batch.
func (e ErrorInfo) IsCritical() bool { return e.Category.HaltsBatch() }

// FailedPatient is a retry-queue entry for a patient that failed processing.
type FailedPatient struct {
	ID          string              `json:"id"`
	BatchID     string              `json:"batch_id"`
	PatientID   string              `json:"patient_id"`
	RowIndex    int                 `json:"row_index"`
	Row         map[string]string   `json:"row"`
	Category    Category            `json:"category"`
	ErrorType   string              `json:"error_type"`
	Error       string              `json:"error_msg"`
	RetryCount  int                 `json:"retry_count"`
	Status      FailedPatientStatus `json:"status"`
	LastAttempt time.Time           `json:"last_attempt"`
	CreatedAt   time.Time           `json:"created_at"`
}

// PatientRow rebuilds the input row captured when the patient failed.
func (fp *FailedPatient) PatientRow() PatientRow {
	return NewPatientRow(fp.RowIndex, fp.Row)
}

type FailedPatientStatus string

const (
	FailedPatientStatusPending  FailedPatientStatus = "pending"
	FailedPatientStatusResolved FailedPatientStatus = "resolved"
	FailedPatientStatusIgnored  FailedPatientStatus = "ignored"
)
