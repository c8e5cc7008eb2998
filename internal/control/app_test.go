package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/ihebatch/internal/core/config"
	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/infra/storage"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
)

const patientsCSV = `first_name,last_name,dob,gender
Ada,Lovelace,1815-12-10,F
Alan,Turing,1912-06-23,M
Grace,Hopper,1906-12-09,F
`

// =============================================================================
// Mocks
// =============================================================================

// flakySubmitter times out until healed.
type flakySubmitter struct {
	mu     sync.Mutex
	healed bool
	calls  int
}

func (s *flakySubmitter) Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if !s.healed {
		return nil, &domain.TimeoutError{Endpoint: "https://registry.test", Timeout: time.Second}
	}
	return &domain.TransactionResponse{
		Success:    true,
		AssignedID: "EID-" + req.PatientID,
		StatusCode: 200,
		RelatesTo:  req.MessageID,
	}, nil
}

func (s *flakySubmitter) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healed = true
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func setup(t *testing.T) (*config.AppConfig, string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "patients.csv")
	if err := os.WriteFile(csvPath, []byte(patientsCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(dir, "out")
	return cfg, csvPath
}

func newApp(t *testing.T, cfg *config.AppConfig, opts ...Option) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

// =============================================================================
// Tests
// =============================================================================

func TestApp_DryRun(t *testing.T) {
	cfg, csvPath := setup(t)
	app := newApp(t, cfg)
	ctx := context.Background()

	seed := int64(42)
	res, err := app.Run(ctx, RunRequest{CSVPath: csvPath, Seed: &seed})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	b := res.Batch
	if b.State != domain.BatchStateCompleted || b.Successful != 3 || b.Failed != 0 {
		t.Fatalf("expected 3 successes, got state=%s ok=%d failed=%d", b.State, b.Successful, b.Failed)
	}
	for _, pr := range b.PatientResults {
		if !strings.HasPrefix(pr.PatientID, "TEST-") {
			t.Errorf("expected synthesized TEST- ID, got %s", pr.PatientID)
		}
		if !strings.HasPrefix(pr.EnterpriseID, "EID-") {
			t.Errorf("expected dry-run enterprise ID, got %s", pr.EnterpriseID)
		}
	}

	for _, p := range []string{res.Files.JSON, res.Files.CSV, res.Files.Report} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected output %s: %v", p, err)
		}
	}
	if !strings.Contains(res.Report, "BATCH REPORT") || !strings.Contains(res.Report, "ERROR SUMMARY REPORT") {
		t.Errorf("report missing sections:\n%s", res.Report)
	}

	// Stored batch re-renders the same report
	report, stored, err := app.Report(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if stored.BatchID != b.BatchID || report != res.Report {
		t.Errorf("re-rendered report differs from run report")
	}

	status, err := app.Status(ctx, 10)
	if err != nil || len(status) != 1 || status[0].Successful != 3 {
		t.Errorf("unexpected status %+v (%v)", status, err)
	}
}

func TestApp_SeedReproducesIDs(t *testing.T) {
	cfg, csvPath := setup(t)
	app := newApp(t, cfg)
	seed := int64(7)

	first, err := app.Run(context.Background(), RunRequest{CSVPath: csvPath, Seed: &seed})
	if err != nil {
		t.Fatal(err)
	}
	second, err := app.Run(context.Background(), RunRequest{CSVPath: csvPath, Seed: &seed})
	if err != nil {
		t.Fatal(err)
	}

	a, b := first.Batch.PatientIDs(), second.Batch.PatientIDs()
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("row %d: %s != %s", i+1, a[i], b[i])
		}
	}
	if first.Batch.BatchID == second.Batch.BatchID {
		t.Errorf("each run needs its own batch ID")
	}
}

func TestApp_TransientFailuresAreRetried(t *testing.T) {
	cfg, csvPath := setup(t)
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	sub := &flakySubmitter{}
	app := newApp(t, cfg, WithSubmitter(sub), WithSleep(noSleep))
	ctx := context.Background()

	res, err := app.Run(ctx, RunRequest{CSVPath: csvPath})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	b := res.Batch
	if b.State != domain.BatchStateCompleted || b.Failed != 3 {
		t.Fatalf("transient failures must not halt, got state=%s failed=%d", b.State, b.Failed)
	}
	if sub.calls != 6 {
		t.Errorf("expected 2 attempts per patient, got %d calls", sub.calls)
	}
	if b.Summary.ByCategory[domain.CategoryTransient] != 3 {
		t.Errorf("expected 3 transient errors, got %v", b.Summary.ByCategory)
	}

	status, _ := app.Status(ctx, 10)
	if len(status) != 1 || status[0].PendingRetry != 3 {
		t.Fatalf("expected 3 queued patients, got %+v", status)
	}

	sub.heal()
	attempts, err := app.Retry(ctx, b.BatchID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Outcome != recovery.OutcomeResolved {
			t.Errorf("attempt %d: expected resolved, got %s", i, a.Outcome)
		}
		if a.Result.PatientID != a.Entry.PatientID {
			t.Errorf("retry must reuse patient ID %s, got %s", a.Entry.PatientID, a.Result.PatientID)
		}
	}

	status, _ = app.Status(ctx, 10)
	if status[0].PendingRetry != 0 {
		t.Errorf("expected empty queue, got %d", status[0].PendingRetry)
	}
}

func TestApp_CriticalTemplateErrorHalts(t *testing.T) {
	cfg, csvPath := setup(t)
	cfg.Template.Path = filepath.Join(t.TempDir(), "missing.xml")
	app := newApp(t, cfg)

	res, err := app.Run(context.Background(), RunRequest{CSVPath: csvPath})
	if err != nil {
		t.Fatalf("halted batch is not an error: %v", err)
	}

	b := res.Batch
	if b.State != domain.BatchStateHalted {
		t.Fatalf("expected HALTED, got %s", b.State)
	}
	if b.Processed() != 1 || b.Unprocessed != 2 {
		t.Errorf("expected halt at first patient, processed=%d unprocessed=%d", b.Processed(), b.Unprocessed)
	}
	if b.HaltError == nil || b.HaltError.ErrorType != "TemplateError" {
		t.Errorf("expected TemplateError halt, got %+v", b.HaltError)
	}
	if !strings.Contains(res.Report, "PROCESSING HALTED") {
		t.Errorf("halted report must carry the halt block")
	}
	if _, err := os.Stat(res.Files.Report); err != nil {
		t.Errorf("partial report must be written: %v", err)
	}

	health := app.Health(context.Background())
	if health.SystemStatus != "critical" {
		t.Errorf("expected critical health, got %s", health.SystemStatus)
	}
}

func TestApp_Errors(t *testing.T) {
	cfg, _ := setup(t)
	app := newApp(t, cfg)
	ctx := context.Background()

	if _, err := app.Run(ctx, RunRequest{CSVPath: filepath.Join(t.TempDir(), "nope.csv")}); err == nil {
		t.Error("expected error for missing CSV")
	}
	if _, _, err := app.Report(ctx, "unknown"); !errors.Is(err, storage.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
	attempts, err := app.Retry(ctx, "")
	if err != nil || len(attempts) != 0 {
		t.Errorf("empty queue should be a no-op, got %d attempts (%v)", len(attempts), err)
	}
}

func TestApp_Prune(t *testing.T) {
	cfg, csvPath := setup(t)
	app := newApp(t, cfg)
	ctx := context.Background()

	if _, err := app.Prune(ctx, 0); err == nil {
		t.Error("expected error without a retention period")
	}

	if _, err := app.Run(ctx, RunRequest{CSVPath: csvPath}); err != nil {
		t.Fatal(err)
	}
	res, err := app.Prune(ctx, time.Nanosecond)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res.Batches != 1 {
		t.Errorf("expected the stored batch to be pruned, got %+v", res)
	}
	if status, _ := app.Status(ctx, 10); len(status) != 0 {
		t.Errorf("expected no stored batches, got %d", len(status))
	}
}

func TestApp_PacedRun(t *testing.T) {
	cfg, csvPath := setup(t)
	cfg.Endpoint.Pacing.Enabled = true
	cfg.Endpoint.Pacing.MaxInterval = time.Millisecond
	app := newApp(t, cfg)

	res, err := app.Run(context.Background(), RunRequest{CSVPath: csvPath})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Batch.State != domain.BatchStateCompleted || res.Batch.Successful != 3 {
		t.Errorf("paced run should complete normally, got %s ok=%d", res.Batch.State, res.Batch.Successful)
	}
}
