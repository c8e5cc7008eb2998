package csvrows

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

func TestRead_ValidRows(t *testing.T) {
	input := `First Name,Last Name,DOB,Sex,Patient ID,OID
Ada,Lovelace,1815-12-10,female,,1.2.840.114350
Alan,Turing,19120623,M,T-1,
`
	res, err := Read(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d (issues %v)", len(res.Rows), res.Issues)
	}
	ada := res.Rows[0]
	if ada.Index != 1 || ada.Get(domain.FieldFirstName) != "Ada" {
		t.Errorf("unexpected first row %+v", ada.Fields())
	}
	if ada.Get(domain.FieldGender) != "F" {
		t.Errorf("expected normalized gender F, got %q", ada.Get(domain.FieldGender))
	}
	if ada.PatientID() != "" {
		t.Errorf("blank patient id should stay blank, got %q", ada.PatientID())
	}
	if res.Rows[1].PatientID() != "T-1" {
		t.Errorf("expected T-1, got %q", res.Rows[1].PatientID())
	}
	if len(res.Issues) != 0 {
		t.Errorf("expected no issues, got %v", res.Issues)
	}
}

func TestRead_MissingRequiredColumn(t *testing.T) {
	_, err := Read(strings.NewReader("first_name,dob\nAda,1815-12-10\n"), Options{})

	var missing *domain.MissingFieldError
	if !errors.As(err, &missing) || missing.Field != domain.FieldLastName {
		t.Fatalf("expected missing last_name, got %v", err)
	}
}

func TestRead_RowIssues(t *testing.T) {
	input := `first_name,last_name,dob,gender,zip,patient_id_oid
Ada,Lovelace,not-a-date,F,12345,
Alan,,1912-06-23,M,,
Grace,Hopper,1906-12-09,X,,
Linus,Torvalds,1969-12-28,M,12ab,
Ken,Thompson,1943-02-04,M,,1.2.x
`
	res, err := Read(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if len(res.Rows) != 1 || res.Rows[0].Get(domain.FieldFirstName) != "Linus" {
		t.Fatalf("only the warning row should survive, got %d rows", len(res.Rows))
	}
	if res.Skipped != 4 {
		t.Errorf("expected 4 skipped, got %d", res.Skipped)
	}

	byRow := map[int]Issue{}
	for _, i := range res.Issues {
		byRow[i.Row] = i
	}
	tests := []struct {
		row      int
		field    string
		severity Severity
	}{
		{1, domain.FieldDOB, SeverityError},
		{2, domain.FieldLastName, SeverityError},
		{3, domain.FieldGender, SeverityError},
		{4, domain.FieldZip, SeverityWarning},
		{5, domain.FieldPatientIDOID, SeverityError},
	}
	for _, tt := range tests {
		got, ok := byRow[tt.row]
		if !ok {
			t.Errorf("row %d: expected an issue", tt.row)
			continue
		}
		if got.Field != tt.field || got.Severity != tt.severity {
			t.Errorf("row %d: expected %s/%s, got %s/%s", tt.row, tt.field, tt.severity, got.Field, got.Severity)
		}
	}
	if len(res.Errors()) != 4 {
		t.Errorf("expected 4 error issues, got %d", len(res.Errors()))
	}
}

func TestRead_KeepInvalid(t *testing.T) {
	input := "first_name,last_name,dob\nAda,Lovelace,bad\n"
	res, err := Read(strings.NewReader(input), Options{KeepInvalid: true})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(res.Rows) != 1 || res.Skipped != 0 {
		t.Errorf("expected invalid row kept, got rows=%d skipped=%d", len(res.Rows), res.Skipped)
	}
}

func TestRead_SkipsBlankLinesAndEmptyFile(t *testing.T) {
	res, err := Read(strings.NewReader(""), Options{})
	if err != nil || len(res.Rows) != 0 {
		t.Fatalf("empty input: rows=%v err=%v", res, err)
	}

	input := "first_name,last_name,dob\n\nAda,Lovelace,1815-12-10\n , , \nAlan,Turing,1912-06-23\n"
	res, err = Read(strings.NewReader(input), Options{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[1].Index != 2 {
		t.Errorf("blank lines should not consume row numbers, got %d rows", len(res.Rows))
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.csv")
	if err := os.WriteFile(path, []byte("\ufefffirst_name,last_name,dob\nAda,Lovelace,1815-12-10\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := ReadFile(path, Options{})
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Errorf("expected 1 row, got %d", len(res.Rows))
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.csv"), Options{}); err == nil {
		t.Error("expected error for missing file")
	}
}
