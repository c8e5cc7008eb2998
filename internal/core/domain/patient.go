package domain

import (
	"maps"
	"slices"
	"strings"
)

// Standard CSV column names understood by the pipeline.
const (
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldDOB          = "dob"
	FieldGender       = "gender"
	FieldPatientID    = "patient_id"
	FieldPatientIDOID = "patient_id_oid"
	FieldMRN          = "mrn"
	FieldAddress      = "address"
	FieldCity         = "city"
	FieldState        = "state"
	FieldZip          = "zip"
	FieldPhone        = "phone"
)

// PatientRow is one validated input record keyed by column name.
// Rows are immutable: the constructor copies the field map and WithField
// returns a new row.
type PatientRow struct {
	Index  int // 1-based position in the input
	fields map[string]string
}

// NewPatientRow creates a row from a field map. Keys are lower-cased and
// values trimmed.
func NewPatientRow(index int, fields map[string]string) PatientRow {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return PatientRow{Index: index, fields: copied}
}

// Get returns the value of a field, or "" when absent.
func (r PatientRow) Get(field string) string {
	return r.fields[field]
}

// Has reports whether the field is present and non-empty.
func (r PatientRow) Has(field string) bool {
	return r.fields[field] != ""
}

// PatientID returns the provided patient identifier, which may be empty.
func (r PatientRow) PatientID() string {
	return r.fields[FieldPatientID]
}

// WithField returns a copy of the row with one field replaced.
func (r PatientRow) WithField(field, value string) PatientRow {
	copied := maps.Clone(r.fields)
	if copied == nil {
		copied = make(map[string]string, 1)
	}
	copied[field] = value
	return PatientRow{Index: r.Index, fields: copied}
}

// Fields returns a copy of all fields. The copy is never nil.
func (r PatientRow) Fields() map[string]string {
	copied := maps.Clone(r.fields)
	if copied == nil {
		copied = make(map[string]string)
	}
	return copied
}

// FieldNames returns the field names in sorted order.
func (r PatientRow) FieldNames() []string {
	return slices.Sorted(maps.Keys(r.fields))
}
