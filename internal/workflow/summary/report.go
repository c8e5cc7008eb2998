package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
)

const rule = "================================================================"

// ReportOptions controls report length.
type ReportOptions struct {
	// TopN error types listed in the ranking.
	TopN int
	// MaxAffected patient IDs printed per error type.
	MaxAffected int
	// TopRemediations error types whose steps are printed.
	TopRemediations int
}

// DefaultReportOptions returns the standard report limits.
func DefaultReportOptions() ReportOptions {
	return ReportOptions{
		TopN:            10,
		MaxAffected:     5,
		TopRemediations: 3,
	}
}

func (o ReportOptions) withDefaults() ReportOptions {
	d := DefaultReportOptions()
	if o.TopN <= 0 {
		o.TopN = d.TopN
	}
	if o.MaxAffected <= 0 {
		o.MaxAffected = d.MaxAffected
	}
	if o.TopRemediations <= 0 {
		o.TopRemediations = d.TopRemediations
	}
	return o
}

// RenderReport formats s. The output depends only on its inputs.
func RenderReport(s domain.ErrorSummary, opts ReportOptions) string {
	opts = opts.withDefaults()
	var b strings.Builder

	b.WriteString(rule + "\n")
	b.WriteString("ERROR SUMMARY REPORT\n")
	b.WriteString(rule + "\n\n")

	section(&b, "Overall Statistics")
	fmt.Fprintf(&b, "  Total patients:  %d\n", s.PatientCount)
	fmt.Fprintf(&b, "  Total errors:    %d\n", s.TotalErrors)
	fmt.Fprintf(&b, "  Error rate:      %.1f%%\n", s.ErrorRate)

	if s.TotalErrors == 0 {
		b.WriteString("\nNo errors recorded.\n")
		return b.String()
	}

	b.WriteString("\n")
	section(&b, "Errors by Category")
	for _, c := range domain.Categories {
		n := s.ByCategory[c]
		fmt.Fprintf(&b, "  %-10s %4d (%5.1f%%)\n", c.Label()+":", n, percent(n, s.TotalErrors))
	}

	b.WriteString("\n")
	section(&b, "Top Error Types")
	for i, tc := range Top(s, opts.TopN) {
		fmt.Fprintf(&b, "  %2d. %s [%s]: %d (%.1f%%)\n",
			i+1, tc.ErrorType, tc.Category.Label(), tc.Count, percent(tc.Count, s.TotalErrors))
	}
	if rest := len(s.Ranked) - opts.TopN; rest > 0 {
		fmt.Fprintf(&b, "  ... and %d more error types\n", rest)
	}

	b.WriteString("\n")
	section(&b, "Top Remediations")
	for _, tc := range Top(s, opts.TopRemediations) {
		fmt.Fprintf(&b, "  %s:\n", tc.ErrorType)
		for _, step := range recovery.RemediationSteps(tc.ErrorType) {
			fmt.Fprintf(&b, "    - %s\n", step)
		}
	}

	if len(s.AffectedPatients) > 0 {
		b.WriteString("\n")
		section(&b, "Affected Patients")
		for _, tc := range s.Ranked {
			ids := s.AffectedPatients[tc.ErrorType]
			if len(ids) == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %s: %s\n", tc.ErrorType, excerpt(ids, opts.MaxAffected))
		}
	}

	b.WriteString("\n")
	section(&b, "Recommendations")
	for _, r := range Recommendations(s) {
		fmt.Fprintf(&b, "  - %s\n", r)
	}
	return b.String()
}

// Recommendations derives operator advice from the category counts.
func Recommendations(s domain.ErrorSummary) []string {
	var out []string
	if s.ByCategory[domain.CategoryCritical] > 0 {
		out = append(out, "Critical errors require immediate attention: resolve certificate, TLS or configuration problems before re-running")
	}
	if s.ByCategory[domain.CategoryTransient] > 0 {
		out = append(out, "Transient errors may succeed on retry: re-drive queued patients with 'ihebatch retry'")
	}
	if s.ByCategory[domain.CategoryPermanent] > 0 {
		out = append(out, "Permanent errors need corrected input data or target-side cleanup before resubmission")
	}
	if s.ErrorRate > 50 {
		out = append(out, "More than half of the patients failed: verify the endpoint configuration before the next run")
	}
	if len(out) == 0 {
		out = append(out, "No action required")
	}
	return out
}

// RenderBatchReport formats a batch header, the halt condition if any,
// the failed patient list and the error summary.
func RenderBatchReport(r *domain.BatchWorkflowResult, opts ReportOptions) string {
	var b strings.Builder

	b.WriteString(rule + "\n")
	b.WriteString("BATCH REPORT\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "  Batch ID:     %s\n", r.BatchID)
	fmt.Fprintf(&b, "  State:        %s\n", r.State)
	if r.Seed != nil {
		fmt.Fprintf(&b, "  Seed:         %d\n", *r.Seed)
	} else {
		b.WriteString("  Seed:         (none)\n")
	}
	fmt.Fprintf(&b, "  Patients:     %d total, %d processed, %d successful, %d failed, %d unprocessed\n",
		r.TotalPatients, r.Processed(), r.Successful, r.Failed, r.Unprocessed)
	fmt.Fprintf(&b, "  Started:      %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  Duration:     %s\n", r.Duration.Round(time.Millisecond))

	if r.Halted() && r.HaltError != nil {
		b.WriteString("\n")
		b.WriteString("!!! PROCESSING HALTED !!!\n")
		if r.HaltError.PatientID != "" {
			fmt.Fprintf(&b, "  Stopped after patient %d of %d (%s)\n",
				r.Processed(), r.TotalPatients, r.HaltError.PatientID)
		} else {
			fmt.Fprintf(&b, "  Stopped after %d of %d patients\n", r.Processed(), r.TotalPatients)
		}
		fmt.Fprintf(&b, "  Cause:        %s [%s]: %s\n",
			r.HaltError.ErrorType, r.HaltError.Category.Label(), r.HaltError.Message)
		b.WriteString("  Remediation:\n")
		for _, step := range strings.Split(r.HaltError.Remediation, recovery.RemediationSeparator) {
			fmt.Fprintf(&b, "    - %s\n", step)
		}
		fmt.Fprintf(&b, "  Never attempted: %d patients\n", r.Unprocessed)
	}

	if r.Failed > 0 {
		b.WriteString("\n")
		section(&b, "Failed Patients")
		for _, pr := range r.PatientResults {
			if pr.Success || pr.Error == nil {
				continue
			}
			fmt.Fprintf(&b, "  [row %d] %s (%s/%s at %s): %s\n",
				pr.RowIndex, pr.PatientID, pr.Error.Category.Label(), pr.Error.ErrorType, pr.Error.Stage, pr.Message)
			fmt.Fprintf(&b, "      Remediation: %s\n", pr.Error.Remediation)
		}
	}

	b.WriteString("\n")
	b.WriteString(RenderReport(r.Summary, opts))
	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("-", len(title)) + "\n")
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func excerpt(ids []string, limit int) string {
	if len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(ids[:limit], ", "), len(ids)-limit)
}
