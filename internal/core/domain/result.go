package domain

import (
	"maps"
	"slices"
	"time"
)

// Artifacts holds copies of intermediate outputs needed for export.
type Artifacts struct {
	DocumentID  string `json:"document_id,omitempty"`
	Document    []byte `json:"-"`
	AssertionID string `json:"assertion_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

func (a Artifacts) clone() Artifacts {
	a.Document = slices.Clone(a.Document)
	return a
}

// PatientWorkflowResult is the outcome of running one patient through the
// pipeline. Use NewSuccessResult or NewFailureResult to build one so that
// EnterpriseID is set if and only if Success is true.
type PatientWorkflowResult struct {
	PatientID      string                  `json:"patient_id"`
	RowIndex       int                     `json:"row_index"`
	Success        bool                    `json:"success"`
	EnterpriseID   string                  `json:"enterprise_id,omitempty"`
	Message        string                  `json:"message"`
	Error          *ErrorInfo              `json:"error,omitempty"`
	Attempts       int                     `json:"attempts"`
	StageTimings   map[Stage]time.Duration `json:"stage_timings"`
	SubmitDuration time.Duration           `json:"submit_duration"`
	Artifacts      Artifacts               `json:"artifacts"`
	CompletedAt    time.Time               `json:"completed_at"`
}

// ResultMeta carries the fields shared by successful and failed results.
type ResultMeta struct {
	PatientID      string
	RowIndex       int
	Attempts       int
	StageTimings   map[Stage]time.Duration
	SubmitDuration time.Duration
	Artifacts      Artifacts
	CompletedAt    time.Time
}

func (m ResultMeta) build() PatientWorkflowResult {
	return PatientWorkflowResult{
		PatientID:      m.PatientID,
		RowIndex:       m.RowIndex,
		Attempts:       m.Attempts,
		StageTimings:   maps.Clone(m.StageTimings),
		SubmitDuration: m.SubmitDuration,
		Artifacts:      m.Artifacts.clone(),
		CompletedAt:    m.CompletedAt,
	}
}

// NewSuccessResult builds a successful result. An empty enterprise ID is
// not a success; callers must treat that case as a failure.
func NewSuccessResult(meta ResultMeta, enterpriseID, message string) PatientWorkflowResult {
	r := meta.build()
	r.Success = true
	r.EnterpriseID = enterpriseID
	r.Message = message
	return r
}

// NewFailureResult builds a failed result carrying the classified error.
func NewFailureResult(meta ResultMeta, info ErrorInfo) PatientWorkflowResult {
	r := meta.build()
	r.Success = false
	r.Message = info.Message
	r.Error = &info
	return r
}

// Category returns the category of the failure, or "" for successes.
func (r PatientWorkflowResult) Category() Category {
	if r.Error == nil {
		return ""
	}
	return r.Error.Category
}

// IsCritical reports whether the result halts the batch.
func (r PatientWorkflowResult) IsCritical() bool {
	return r.Error != nil && r.Error.IsCritical()
}

// ErrorTypeCount is one row of the frequency ranking.
type ErrorTypeCount struct {
	ErrorType string   `json:"error_type"`
	Category  Category `json:"category"`
	Count     int      `json:"count"`
}

// ErrorSummary aggregates the errors of one batch.
type ErrorSummary struct {
	TotalErrors      int                 `json:"total_errors"`
	PatientCount     int                 `json:"patient_count"`
	ErrorRate        float64             `json:"error_rate"`
	ByCategory       map[Category]int    `json:"errors_by_category"`
	ByType           map[string]int      `json:"errors_by_type"`
	AffectedPatients map[string][]string `json:"affected_patients"`
	Ranked           []ErrorTypeCount    `json:"ranked"`
}

// HasCritical reports whether any critical error was recorded.
func (s ErrorSummary) HasCritical() bool {
	return s.ByCategory[CategoryCritical] > 0
}
