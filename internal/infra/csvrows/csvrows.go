// Package csvrows reads patient demographics from CSV and validates each
// field, producing the validated row set plus field-level issues.
package csvrows

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vietddude/ihebatch/internal/core/domain"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue is a field-level finding. Row is the 1-based data row.
type Issue struct {
	Row      int      `json:"row"`
	Field    string   `json:"field"`
	Value    string   `json:"value"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("row %d %s %s: %s", i.Row, i.Field, i.Severity, i.Message)
}

// Result is the validated row set.
type Result struct {
	Rows   []domain.PatientRow
	Issues []Issue
	// Skipped counts rows dropped because of errors.
	Skipped int
}

// Errors returns only error-severity issues.
func (r *Result) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Options controls validation.
type Options struct {
	// Required columns. Defaults to first_name, last_name, dob.
	Required []string
	// KeepInvalid keeps rows with error issues instead of dropping them.
	KeepInvalid bool
}

// DefaultRequired is the required column set.
var DefaultRequired = []string{domain.FieldFirstName, domain.FieldLastName, domain.FieldDOB}

var headerAliases = map[string]string{
	"firstname":     domain.FieldFirstName,
	"given_name":    domain.FieldFirstName,
	"lastname":      domain.FieldLastName,
	"family_name":   domain.FieldLastName,
	"surname":       domain.FieldLastName,
	"birth_date":    domain.FieldDOB,
	"birthdate":     domain.FieldDOB,
	"date_of_birth": domain.FieldDOB,
	"sex":           domain.FieldGender,
	"patientid":     domain.FieldPatientID,
	"id":            domain.FieldPatientID,
	"oid":           domain.FieldPatientIDOID,
	"postal_code":   domain.FieldZip,
	"zipcode":       domain.FieldZip,
}

// fieldRules are validator tags applied per column, with the severity of a
// violation.
var fieldRules = map[string]struct {
	tag      string
	severity Severity
	message  string
}{
	domain.FieldDOB:          {"datetime=2006-01-02|datetime=20060102", SeverityError, "must be YYYY-MM-DD or YYYYMMDD"},
	domain.FieldGender:       {"omitempty,oneof=M F O U", SeverityError, "must be one of M, F, O, U"},
	domain.FieldPatientIDOID: {"omitempty,oid", SeverityError, "must be a dotted OID"},
	domain.FieldZip:          {"omitempty,numeric,min=5,max=10", SeverityWarning, "should be 5 to 10 digits"},
	domain.FieldPhone:        {"omitempty,min=7,max=20", SeverityWarning, "length looks wrong"},
	domain.FieldState:        {"omitempty,len=2,alpha", SeverityWarning, "should be a two letter code"},
}

var oidPattern = regexp.MustCompile(`^[0-2](\.(0|[1-9][0-9]*))+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("oid", func(fl validator.FieldLevel) bool {
		return oidPattern.MatchString(fl.Field().String())
	})
	return v
}

// ReadFile opens path and reads it.
func ReadFile(path string, opts Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Read parses CSV from r. A missing required column is an error for the
// whole file; per-row problems are reported as issues.
func Read(r io.Reader, opts Options) (*Result, error) {
	required := opts.Required
	if len(required) == 0 {
		required = DefaultRequired
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	columns := normalizeHeader(header)

	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	for _, req := range required {
		if !present[req] {
			return nil, &domain.MissingFieldError{Field: req}
		}
	}

	v := newValidator()
	res := &Result{}
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			res.Issues = append(res.Issues, Issue{Row: line, Severity: SeverityError, Message: err.Error()})
			res.Skipped++
			continue
		}
		if blank(record) {
			line--
			continue
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if i < len(record) && col != "" {
				fields[col] = strings.TrimSpace(record[i])
			}
		}
		if g, ok := fields[domain.FieldGender]; ok {
			fields[domain.FieldGender] = normalizeGender(g)
		}

		issues := validateRow(v, line, fields, required)
		res.Issues = append(res.Issues, issues...)
		if hasError(issues) && !opts.KeepInvalid {
			res.Skipped++
			continue
		}
		res.Rows = append(res.Rows, domain.NewPatientRow(line, fields))
	}
	return res, nil
}

func validateRow(v *validator.Validate, line int, fields map[string]string, required []string) []Issue {
	var issues []Issue
	for _, req := range required {
		if fields[req] == "" {
			issues = append(issues, Issue{
				Row:      line,
				Field:    req,
				Severity: SeverityError,
				Message:  "required value is empty",
			})
		}
	}
	for field, rule := range fieldRules {
		val, ok := fields[field]
		if !ok || val == "" {
			continue
		}
		if err := v.Var(val, rule.tag); err != nil {
			issues = append(issues, Issue{
				Row:      line,
				Field:    field,
				Value:    val,
				Severity: rule.severity,
				Message:  rule.message,
			})
		}
	}
	sortIssues(issues)
	return issues
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		out[i] = key
	}
	return out
}

func normalizeGender(g string) string {
	switch strings.ToUpper(strings.TrimSpace(g)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	case "O", "OTHER":
		return "O"
	case "U", "UNKNOWN":
		return "U"
	default:
		return g
	}
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func hasError(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// sortIssues orders by field name so output does not depend on map order.
func sortIssues(issues []Issue) {
	slices.SortStableFunc(issues, func(a, b Issue) int {
		return strings.Compare(a.Field, b.Field)
	})
}
