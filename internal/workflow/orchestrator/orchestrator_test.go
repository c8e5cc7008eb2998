package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/core/patientid"
	"github.com/vietddude/ihebatch/internal/workflow/pipeline"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
	"github.com/vietddude/ihebatch/internal/workflow/summary"
)

// =============================================================================
// Stubs
// =============================================================================

type stubPersonalizer struct{}

func (stubPersonalizer) Personalize(ctx context.Context, row domain.PatientRow) (*domain.Document, error) {
	return &domain.Document{ID: "doc-" + row.PatientID(), Content: []byte("<doc/>")}, nil
}

type stubSigner struct{}

func (stubSigner) Sign(ctx context.Context, req domain.AssertionRequest) (*domain.SignedAssertion, error) {
	return &domain.SignedAssertion{ID: "a-" + req.Subject, Subject: req.Subject}, nil
}

// rowSubmitter fails rows by 1-indexed position and is otherwise
// deterministic: the enterprise id derives from the patient id.
type rowSubmitter struct {
	mu    sync.Mutex
	fail  map[int]error
	calls []int
}

func (s *rowSubmitter) Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Row.Index)
	if err, ok := s.fail[req.Row.Index]; ok {
		return nil, err
	}
	return &domain.TransactionResponse{Success: true, AssignedID: "EID-" + req.PatientID, StatusCode: 200}, nil
}

func newOrchestrator(sub *rowSubmitter) *Orchestrator {
	resolver := patientid.NewResolver(nil)
	p := pipeline.New(pipeline.Config{
		Strategy: recovery.DefaultBackoff(nil),
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	}, resolver, stubPersonalizer{}, stubSigner{}, sub)
	return New(p, resolver, Config{})
}

func rows(n int, withIDs bool) []domain.PatientRow {
	out := make([]domain.PatientRow, 0, n)
	for i := 1; i <= n; i++ {
		fields := map[string]string{
			domain.FieldFirstName: fmt.Sprintf("First%d", i),
			domain.FieldLastName:  fmt.Sprintf("Last%d", i),
		}
		if withIDs {
			fields[domain.FieldPatientID] = fmt.Sprintf("P%d", i)
		}
		out = append(out, domain.NewPatientRow(i, fields))
	}
	return out
}

func seed(v int64) *int64 { return &v }

func checkInvariants(t *testing.T, b *domain.BatchWorkflowResult) {
	t.Helper()
	if b.Successful+b.Failed != len(b.PatientResults) {
		t.Errorf("successful(%d) + failed(%d) != results(%d)", b.Successful, b.Failed, len(b.PatientResults))
	}
	for _, r := range b.PatientResults {
		if r.Success != (r.EnterpriseID != "") {
			t.Errorf("patient %s: success=%v but enterprise id %q", r.PatientID, r.Success, r.EnterpriseID)
		}
		if !r.Success && (r.Error == nil || !r.Error.Category.IsValid()) {
			t.Errorf("patient %s: failure without a valid category", r.PatientID)
		}
	}
	if b.Unprocessed != b.TotalPatients-len(b.PatientResults) {
		t.Errorf("unprocessed %d does not match", b.Unprocessed)
	}
}

// =============================================================================
// Batch Outcomes
// =============================================================================

func TestProcessBatch_AllSucceed(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{})

	b := o.ProcessBatch(context.Background(), rows(5, true), nil)

	checkInvariants(t, b)
	if b.TotalPatients != 5 || b.Successful != 5 || b.Failed != 0 {
		t.Errorf("expected 5/5/0, got %d/%d/%d", b.TotalPatients, b.Successful, b.Failed)
	}
	if b.State != domain.BatchStateCompleted {
		t.Errorf("expected COMPLETED, got %s", b.State)
	}
	if b.Summary.TotalErrors != 0 || len(b.Summary.ByCategory) != 0 || len(b.Summary.Ranked) != 0 {
		t.Errorf("expected empty summary, got %+v", b.Summary)
	}
}

func TestProcessBatch_PermanentFailureContinues(t *testing.T) {
	sub := &rowSubmitter{fail: map[int]error{
		2: &domain.DuplicateIdentifierError{PatientID: "P2", Detail: "duplicate identifier"},
	}}
	o := newOrchestrator(sub)

	b := o.ProcessBatch(context.Background(), rows(3, true), nil)

	checkInvariants(t, b)
	if b.TotalPatients != 3 || b.Successful != 2 || b.Failed != 1 {
		t.Errorf("expected 3/2/1, got %d/%d/%d", b.TotalPatients, b.Successful, b.Failed)
	}
	if b.PatientResults[1].Success || b.PatientResults[1].PatientID != "P2" {
		t.Errorf("expected patient 2 to fail, got %+v", b.PatientResults[1])
	}
	if b.State != domain.BatchStateCompleted {
		t.Errorf("expected COMPLETED, got %s", b.State)
	}
	if b.Summary.ByCategory[domain.CategoryPermanent] != 1 {
		t.Errorf("expected 1 permanent error, got %v", b.Summary.ByCategory)
	}
	report := summary.RenderReport(b.Summary, summary.DefaultReportOptions())
	if !strings.Contains(report, "  Permanent:    1 ") {
		t.Errorf("report should list Permanent with count 1:\n%s", report)
	}
}

func TestProcessBatch_CriticalHalts(t *testing.T) {
	sub := &rowSubmitter{fail: map[int]error{
		2: &domain.CertificateError{Reason: "certificate has expired"},
	}}
	o := newOrchestrator(sub)

	b := o.ProcessBatch(context.Background(), rows(3, true), nil)

	checkInvariants(t, b)
	if len(b.PatientResults) != 2 {
		t.Fatalf("expected 2 results, got %d", len(b.PatientResults))
	}
	if b.PatientResults[1].Success || b.PatientResults[1].Category() != domain.CategoryCritical {
		t.Errorf("patient 2 should be failed/critical, got %+v", b.PatientResults[1].Error)
	}
	if b.State != domain.BatchStateHalted {
		t.Errorf("expected HALTED, got %s", b.State)
	}
	if slices.Contains(b.PatientIDs(), "P3") || slices.Contains(sub.calls, 3) {
		t.Error("patient 3 must not be attempted")
	}
	if b.HaltError == nil || b.HaltError.ErrorType != "CertificateError" {
		t.Errorf("expected certificate halt error, got %+v", b.HaltError)
	}
	if b.Unprocessed != 1 {
		t.Errorf("expected 1 unprocessed, got %d", b.Unprocessed)
	}
}

func TestProcessBatch_SeedReproducesIDs(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{})

	first := o.ProcessBatch(context.Background(), rows(3, false), seed(42))
	second := o.ProcessBatch(context.Background(), rows(3, false), seed(42))

	if len(first.PatientIDs()) != 3 {
		t.Fatalf("expected 3 ids, got %v", first.PatientIDs())
	}
	if !slices.Equal(first.PatientIDs(), second.PatientIDs()) {
		t.Errorf("seeded runs differ:\n%v\n%v", first.PatientIDs(), second.PatientIDs())
	}
	if first.BatchID == second.BatchID {
		t.Error("batch ids must be unique per run")
	}
}

func TestProcessBatch_FiftyUniqueIDs(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{})

	b := o.ProcessBatch(context.Background(), rows(50, false), nil)

	seen := make(map[string]bool)
	for _, id := range b.PatientIDs() {
		if !strings.HasPrefix(id, patientid.DefaultPrefix+"-") {
			t.Errorf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("collision on %s", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Errorf("expected 50 unique ids, got %d", len(seen))
	}
}

// =============================================================================
// Invariants Over Generated Inputs
// =============================================================================

func TestProcessBatch_EveryRowProcessedWithoutHalt(t *testing.T) {
	for n := 0; n <= 12; n++ {
		fail := map[int]error{}
		for i := 1; i <= n; i++ {
			switch i % 3 {
			case 1:
				fail[i] = &domain.TimeoutError{Endpoint: "x"}
			case 2:
				fail[i] = &domain.ValidationError{Field: "dob", Reason: "bad"}
			}
		}
		o := newOrchestrator(&rowSubmitter{fail: fail})

		b := o.ProcessBatch(context.Background(), rows(n, true), nil)

		checkInvariants(t, b)
		if len(b.PatientResults) != n || b.Successful+b.Failed != n {
			t.Errorf("n=%d: got %d results", n, len(b.PatientResults))
		}
		if b.State != domain.BatchStateCompleted {
			t.Errorf("n=%d: expected COMPLETED, got %s", n, b.State)
		}
	}
}

func TestProcessBatch_HaltStopsAtCriticalRow(t *testing.T) {
	const n = 6
	for k := 1; k <= n; k++ {
		sub := &rowSubmitter{fail: map[int]error{
			k: &domain.TLSError{Endpoint: "x", Err: fmt.Errorf("handshake failure")},
		}}
		o := newOrchestrator(sub)

		b := o.ProcessBatch(context.Background(), rows(n, true), nil)

		checkInvariants(t, b)
		if len(b.PatientResults) != k {
			t.Errorf("k=%d: expected %d results, got %d", k, k, len(b.PatientResults))
		}
		for i := k + 1; i <= n; i++ {
			if slices.Contains(b.PatientIDs(), fmt.Sprintf("P%d", i)) {
				t.Errorf("k=%d: patient %d should be absent", k, i)
			}
		}
		if !b.Halted() {
			t.Errorf("k=%d: expected HALTED", k)
		}
	}
}

func TestProcessBatch_UniqueIDsMixedInput(t *testing.T) {
	input := rows(20, false)
	for i := range input {
		if i%4 == 0 {
			input[i] = input[i].WithField(domain.FieldPatientID, fmt.Sprintf("GIVEN-%d", i))
		}
	}
	o := newOrchestrator(&rowSubmitter{})

	b := o.ProcessBatch(context.Background(), input, seed(7))

	ids := b.PatientIDs()
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(ids) {
		t.Errorf("ids not pairwise distinct: %v", ids)
	}
	if ids[0] != "GIVEN-0" {
		t.Errorf("provided id should win, got %s", ids[0])
	}
}

func TestProcessBatch_Deterministic(t *testing.T) {
	fail := map[int]error{
		2: &domain.TimeoutError{Endpoint: "x"},
		4: &domain.MissingFieldError{Field: "dob"},
	}
	run := func() *domain.BatchWorkflowResult {
		return newOrchestrator(&rowSubmitter{fail: fail}).ProcessBatch(context.Background(), rows(6, false), seed(99))
	}

	a, b := run(), run()

	if !slices.Equal(a.PatientIDs(), b.PatientIDs()) {
		t.Fatalf("ids differ:\n%v\n%v", a.PatientIDs(), b.PatientIDs())
	}
	for i := range a.PatientResults {
		ra, rb := a.PatientResults[i], b.PatientResults[i]
		if ra.Success != rb.Success || ra.EnterpriseID != rb.EnterpriseID || ra.Category() != rb.Category() {
			t.Errorf("patient %d differs: %+v vs %+v", i, ra, rb)
		}
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestProcessBatch_EmptyInput(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{})

	b := o.ProcessBatch(context.Background(), nil, nil)

	if b.State != domain.BatchStateCompleted {
		t.Errorf("expected COMPLETED, got %s", b.State)
	}
	if len(b.Transitions) != 1 || b.Transitions[0].From != domain.BatchStateInit {
		t.Errorf("expected INIT -> COMPLETED, got %+v", b.Transitions)
	}
}

func TestProcessBatch_StateCallback(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{})
	var seen []string
	o.SetStateChangeCallback(func(batchID string, tr domain.Transition) {
		seen = append(seen, fmt.Sprintf("%s->%s", tr.From, tr.To))
	})

	o.ProcessBatch(context.Background(), rows(2, true), nil)

	want := []string{"INIT->RUNNING", "RUNNING->COMPLETED"}
	if !slices.Equal(seen, want) {
		t.Errorf("expected %v, got %v", want, seen)
	}
}

func TestProcessBatch_ResultCallbackInOrder(t *testing.T) {
	o := newOrchestrator(&rowSubmitter{fail: map[int]error{2: &domain.TimeoutError{Endpoint: "x"}}})
	var order []int
	o.SetResultCallback(func(batchID string, row domain.PatientRow, r domain.PatientWorkflowResult) {
		order = append(order, row.Index)
	})

	o.ProcessBatch(context.Background(), rows(4, true), nil)

	if !slices.Equal(order, []int{1, 2, 3, 4}) {
		t.Errorf("expected input order, got %v", order)
	}
}

func TestProcessBatch_CancelBetweenPatients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newOrchestrator(&rowSubmitter{})
	o.SetResultCallback(func(batchID string, row domain.PatientRow, r domain.PatientWorkflowResult) {
		cancel()
	})

	b := o.ProcessBatch(ctx, rows(3, true), nil)

	checkInvariants(t, b)
	if len(b.PatientResults) != 1 || !b.PatientResults[0].Success {
		t.Fatalf("in-flight patient should finish, got %d results", len(b.PatientResults))
	}
	if !b.Halted() || b.HaltError == nil || b.HaltError.ErrorType != recovery.TypeBatchInterrupted {
		t.Errorf("expected interrupted halt, got state %s err %+v", b.State, b.HaltError)
	}
	if b.Summary.TotalErrors != 1 || len(b.Summary.AffectedPatients) != 0 {
		t.Errorf("batch-level error should be counted but not indexed: %+v", b.Summary)
	}
}

func TestProcessBatch_SummaryOverTotalInput(t *testing.T) {
	sub := &rowSubmitter{fail: map[int]error{
		1: &domain.ValidationError{Reason: "bad"},
		2: &domain.ConfigurationError{Key: "endpoint.url", Reason: "missing"},
	}}
	o := newOrchestrator(sub)

	b := o.ProcessBatch(context.Background(), rows(4, true), nil)

	if b.Summary.PatientCount != 4 || b.Summary.ErrorRate != 50 {
		t.Errorf("expected rate over 4 patients, got %d / %v", b.Summary.PatientCount, b.Summary.ErrorRate)
	}
}
