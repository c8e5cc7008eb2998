// Package export maps batch results onto files: a JSON document, a CSV
// with one line per patient and the rendered text report.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// CSVHeader is the column order of WriteCSV.
var CSVHeader = []string{
	"row_index",
	"patient_id",
	"success",
	"enterprise_id",
	"category",
	"error_type",
	"message",
	"remediation",
	"attempts",
	"submit_ms",
	"completed_at",
}

// WriteJSON writes the full batch result as indented JSON.
func WriteJSON(w io.Writer, b *domain.BatchWorkflowResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return nil
}

// WriteCSV writes one record per patient result in input order.
func WriteCSV(w io.Writer, b *domain.BatchWorkflowResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range b.PatientResults {
		if err := cw.Write(record(r)); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r.RowIndex, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func record(r domain.PatientWorkflowResult) []string {
	var category, errType, remediation string
	if r.Error != nil {
		category = string(r.Error.Category)
		errType = r.Error.ErrorType
		remediation = r.Error.Remediation
	}
	completed := ""
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		strconv.Itoa(r.RowIndex),
		r.PatientID,
		strconv.FormatBool(r.Success),
		r.EnterpriseID,
		category,
		errType,
		r.Message,
		remediation,
		strconv.Itoa(r.Attempts),
		strconv.FormatInt(r.SubmitDuration.Milliseconds(), 10),
		completed,
	}
}

// Files lists the paths written by Writer.Write.
type Files struct {
	JSON   string
	CSV    string
	Report string
}

// Writer writes batch outputs into a directory.
type Writer struct {
	Dir string
}

// NewWriter creates a writer for dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Write writes <batch>.json, <batch>.csv and <batch>_report.txt. An empty
// report skips the text file.
func (w *Writer) Write(b *domain.BatchWorkflowResult, report string) (Files, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("failed to create output dir: %w", err)
	}

	files := Files{
		JSON: filepath.Join(w.Dir, b.BatchID+".json"),
		CSV:  filepath.Join(w.Dir, b.BatchID+".csv"),
	}
	if err := writeFile(files.JSON, func(f io.Writer) error { return WriteJSON(f, b) }); err != nil {
		return files, err
	}
	if err := writeFile(files.CSV, func(f io.Writer) error { return WriteCSV(f, b) }); err != nil {
		return files, err
	}
	if report != "" {
		files.Report = filepath.Join(w.Dir, b.BatchID+"_report.txt")
		if err := os.WriteFile(files.Report, []byte(report), 0o644); err != nil {
			return files, fmt.Errorf("failed to write report: %w", err)
		}
	}
	return files, nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
