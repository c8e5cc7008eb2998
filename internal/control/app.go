package control

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vietddude/ihebatch/internal/core/config"
	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/core/patientid"
	"github.com/vietddude/ihebatch/internal/export"
	"github.com/vietddude/ihebatch/internal/infra/assertion"
	"github.com/vietddude/ihebatch/internal/infra/csvrows"
	"github.com/vietddude/ihebatch/internal/infra/document"
	redisclient "github.com/vietddude/ihebatch/internal/infra/redis"
	"github.com/vietddude/ihebatch/internal/infra/soap"
	"github.com/vietddude/ihebatch/internal/infra/storage"
	"github.com/vietddude/ihebatch/internal/infra/storage/memory"
	"github.com/vietddude/ihebatch/internal/infra/storage/postgres"
	"github.com/vietddude/ihebatch/internal/workflow/health"
	"github.com/vietddude/ihebatch/internal/workflow/orchestrator"
	"github.com/vietddude/ihebatch/internal/workflow/pipeline"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
	"github.com/vietddude/ihebatch/internal/workflow/retention"
	"github.com/vietddude/ihebatch/internal/workflow/summary"
	"github.com/vietddude/ihebatch/internal/workflow/throttle"
)

// ErrBatchLocked is returned when another run holds the lock for the same
// input and endpoint.
var ErrBatchLocked = errors.New("batch already running for this input and endpoint")

// App wires storage, collaborators and the workflow from configuration.
type App struct {
	cfg          *config.AppConfig
	batchRepo    storage.BatchRepository
	failedRepo   storage.FailedPatientRepository
	db           *postgres.DB
	redisClient  *redisclient.Client
	soapClient   *soap.Client
	resolver     *patientid.Resolver
	pipeline     *pipeline.Pipeline
	orchestrator *orchestrator.Orchestrator
	recovery     *recovery.Handler
	pruner       *retention.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	exporter     *export.Writer
	log          *slog.Logger
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	submitter pipeline.Submitter
	sleep     func(ctx context.Context, d time.Duration) error
}

// WithSubmitter replaces the configured submitter.
func WithSubmitter(s pipeline.Submitter) Option {
	return func(o *options) { o.submitter = s }
}

// WithSleep replaces the wait between submission retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// NewApp creates a new App instance with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		exporter: export.NewWriter(cfg.Output.Dir),
		log:      slog.Default(),
	}

	// 1. Initialize Storage
	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}

	// 2. Initialize Collaborators
	personalizer := document.NewPersonalizer(document.Config{
		Path:               cfg.Template.Path,
		TransactionType:    cfg.Batch.Transaction,
		AssigningAuthority: cfg.Template.AssigningAuthority,
		Organization:       cfg.Template.Organization,
	})

	signerCfg := assertion.Config{
		CertFile: cfg.Assertion.CertFile,
		KeyFile:  cfg.Assertion.KeyFile,
		KeyID:    cfg.Assertion.KeyID,
		Validity: cfg.Assertion.Validity,
		Claims:   claims(cfg.Assertion.Claims),
	}
	var signer *assertion.Signer
	if cfg.Endpoint.DryRun && cfg.Assertion.CertFile == "" {
		var err error
		signer, err = assertion.NewEphemeralSigner(signerCfg, cfg.Assertion.Issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create dry-run signer: %w", err)
		}
		a.log.Info("Using ephemeral signing certificate")
	} else {
		signer = assertion.NewSigner(signerCfg)
	}

	submitter := o.submitter
	if submitter == nil {
		if cfg.Endpoint.DryRun {
			submitter = soap.NewDryRunSubmitter()
			a.log.Info("Dry run, transactions are not sent")
		} else {
			a.soapClient = soap.NewClient(soap.Config{
				URL:                cfg.Endpoint.URL,
				Timeout:            cfg.Endpoint.Timeout,
				CAFile:             cfg.Endpoint.CAFile,
				CertFile:           cfg.Endpoint.CertFile,
				KeyFile:            cfg.Endpoint.KeyFile,
				InsecureSkipVerify: cfg.Endpoint.InsecureSkipVerify,
				AssigningAuthority: cfg.Template.AssigningAuthority,
			})
			submitter = a.soapClient
		}
	}

	// 3. Initialize Workflow
	a.resolver = patientid.NewResolver(nil,
		patientid.WithPrefix(cfg.Batch.IDPrefix),
		patientid.WithMaxRetries(cfg.Batch.MaxIDRetries),
	)

	strategy := &recovery.ExponentialBackoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Classifier:   recovery.Classify,
	}

	audience := cfg.Assertion.Audience
	if audience == "" {
		audience = cfg.Endpoint.URL
	}
	a.pipeline = pipeline.New(pipeline.Config{
		TransactionType: cfg.Batch.Transaction,
		Issuer:          cfg.Assertion.Issuer,
		Audience:        audience,
		Subject:         cfg.Assertion.Subject,
		Strategy:        strategy,
		Sleep:           o.sleep,
	}, a.resolver, personalizer, signer, submitter)

	a.recovery = recovery.NewHandler(a.failedRepo, a.resubmit, strategy)
	a.recovery.SetMaxRetries(cfg.Retry.QueueRetries)
	a.pruner = retention.NewPruner(cfg.Batch.Retention, a.batchRepo, a.failedRepo)

	// 4. Initialize Health Monitor
	deps := map[string]health.Checker{}
	if a.db != nil {
		deps["postgres"] = a.db
	}
	if a.redisClient != nil {
		deps["redis"] = a.redisClient
	}
	a.healthMon = health.NewMonitor(a.failedRepo, deps)

	var runner orchestrator.Runner = a.pipeline
	if cfg.Endpoint.Pacing.Enabled {
		runner = throttle.NewPacedRunner(a.pipeline, throttle.NewAdaptiveController(cfg.Endpoint.Pacing))
		a.log.Info("Adaptive pacing enabled", "max_interval", cfg.Endpoint.Pacing.MaxInterval)
	}

	a.orchestrator = orchestrator.New(runner, a.resolver, orchestrator.Config{})
	a.orchestrator.SetStartCallback(a.healthMon.BatchStarted)
	a.orchestrator.SetStateChangeCallback(func(batchID string, t domain.Transition) {
		a.log.Debug("Batch state changed", "batch", batchID, "from", t.From, "to", t.To, "reason", t.Reason)
		a.healthMon.OnTransition(batchID, t)
	})
	recordCtx := context.WithoutCancel(ctx)
	a.orchestrator.SetResultCallback(func(batchID string, row domain.PatientRow, r domain.PatientWorkflowResult) {
		a.healthMon.OnResult(batchID, row, r)
		if err := a.recovery.HandleFailure(recordCtx, batchID, row, r); err != nil {
			a.log.Warn("Failed to record failed patient", "patient", r.PatientID, "error", err)
		}
	})

	if cfg.Metrics.Enabled {
		a.healthServer = health.NewServer(a.healthMon, cfg.Metrics.Port)
		a.healthServer.Start()
		a.log.Info("Health server started", "port", cfg.Metrics.Port)
	}

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return err
		}
		db.StartMetricsCollector(ctx)

		a.db = db
		a.batchRepo = postgres.NewBatchRepo(db)
		a.failedRepo = postgres.NewFailedPatientRepo(db)
		a.log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		a.batchRepo = memory.NewBatchRepo(store)
		a.failedRepo = memory.NewFailedRepo(store)
		a.log.Info("Using Memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			a.log.Warn("Failed to connect to Redis, batch lock disabled", "error", err)
			return nil
		}
		a.redisClient = client
		if a.db == nil {
			a.failedRepo = redisclient.NewFailedPatientRepo(client, cfg.Redis.Namespace)
			a.log.Info("Using Redis retry queue")
		}
	}
	return nil
}

func claims(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// resubmit re-runs a queued patient with the identifier it was given.
func (a *App) resubmit(ctx context.Context, fp *domain.FailedPatient) domain.PatientWorkflowResult {
	return a.pipeline.Run(ctx, fp.PatientRow())
}

// RunRequest describes one batch run.
type RunRequest struct {
	CSVPath string
	// Seed overrides batch.seed.
	Seed *int64
}

// RunResult is everything a run produced.
type RunResult struct {
	Batch   *domain.BatchWorkflowResult
	Report  string
	Files   export.Files
	Issues  []csvrows.Issue
	Skipped int
}

// Run reads the CSV, processes the batch, stores and exports the result.
// A halted batch is not an error: the result and report are still returned.
func (a *App) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	data, err := os.ReadFile(req.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	input, err := csvrows.Read(bytes.NewReader(data), csvrows.Options{
		Required:    a.cfg.Batch.RequiredFields,
		KeepInvalid: a.cfg.Batch.KeepInvalid,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	for _, issue := range input.Issues {
		a.log.Warn("CSV issue", "issue", issue.String())
	}

	release, err := a.lock(ctx, data)
	if err != nil {
		return nil, err
	}
	defer release()

	seed := req.Seed
	if seed == nil {
		seed = a.cfg.Batch.Seed
	}

	batch := a.orchestrator.ProcessBatch(ctx, input.Rows, seed)
	result := &RunResult{
		Batch:   batch,
		Report:  summary.RenderBatchReport(batch, a.reportOptions()),
		Issues:  input.Issues,
		Skipped: input.Skipped,
	}

	// Persist with a fresh context so an interrupted batch is still saved
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := a.batchRepo.Save(saveCtx, batch); err != nil {
		a.log.Error("Failed to save batch", "batch", batch.BatchID, "error", err)
	}

	if a.pruner.Enabled() {
		if _, err := a.pruner.Prune(saveCtx); err != nil {
			a.log.Warn("Failed to prune old records", "error", err)
		}
	}

	files, err := a.exporter.Write(batch, result.Report)
	result.Files = files
	if err != nil {
		return result, fmt.Errorf("failed to export batch: %w", err)
	}
	return result, nil
}

func (a *App) lock(ctx context.Context, data []byte) (func(), error) {
	if a.redisClient == nil {
		return func() {}, nil
	}

	sum := sha256.Sum256(append(bytes.Clone(data), []byte("|"+a.cfg.Endpoint.URL)...))
	key := hex.EncodeToString(sum[:8])
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d", host, os.Getpid())

	ok, err := a.redisClient.AcquireLock(ctx, key, owner, a.cfg.Batch.LockTTL)
	if err != nil {
		a.log.Warn("Failed to acquire batch lock, continuing without it", "error", err)
		return func() {}, nil
	}
	if !ok {
		holder, _ := a.redisClient.LockOwner(ctx, key)
		return nil, fmt.Errorf("%w (held by %s)", ErrBatchLocked, holder)
	}

	return func() {
		if err := a.redisClient.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			a.log.Warn("Failed to release batch lock", "error", err)
		}
	}, nil
}

func (a *App) reportOptions() summary.ReportOptions {
	return summary.ReportOptions{
		TopN:            a.cfg.Report.TopN,
		MaxAffected:     a.cfg.Report.MaxAffected,
		TopRemediations: a.cfg.Report.TopRemediations,
	}
}

// Retry drains the retry queue of a batch. An empty batchID drains every
// batch.
func (a *App) Retry(ctx context.Context, batchID string) ([]recovery.Attempt, error) {
	pending, err := a.failedRepo.Count(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count retry queue: %w", err)
	}
	a.log.Info("Retrying failed patients", "batch", batchID, "pending", pending)
	return a.recovery.Drain(ctx, batchID)
}

// Prune removes records older than the retention period. A positive
// override replaces the configured period.
func (a *App) Prune(ctx context.Context, override time.Duration) (retention.Result, error) {
	p := a.pruner
	if override > 0 {
		p = retention.NewPruner(override, a.batchRepo, a.failedRepo)
	}
	if !p.Enabled() {
		return retention.Result{}, errors.New("no retention period configured")
	}
	return p.Prune(ctx)
}

// Report re-renders the report of a stored batch.
func (a *App) Report(ctx context.Context, batchID string) (string, *domain.BatchWorkflowResult, error) {
	batch, err := a.batchRepo.Get(ctx, batchID)
	if err != nil {
		return "", nil, err
	}
	return summary.RenderBatchReport(batch, a.reportOptions()), batch, nil
}

// BatchStatus is one line of the status listing.
type BatchStatus struct {
	BatchID      string
	State        domain.BatchState
	Total        int
	Successful   int
	Failed       int
	Unprocessed  int
	PendingRetry int
	StartedAt    time.Time
	Duration     time.Duration
}

// Status lists recent batches with their pending retry counts.
func (a *App) Status(ctx context.Context, limit int) ([]BatchStatus, error) {
	batches, err := a.batchRepo.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]BatchStatus, 0, len(batches))
	for _, b := range batches {
		pending, err := a.failedRepo.Count(ctx, b.BatchID)
		if err != nil {
			a.log.Warn("Failed to count retry queue", "batch", b.BatchID, "error", err)
		}
		out = append(out, BatchStatus{
			BatchID:      b.BatchID,
			State:        b.State,
			Total:        b.TotalPatients,
			Successful:   b.Successful,
			Failed:       b.Failed,
			Unprocessed:  b.Unprocessed,
			PendingRetry: pending,
			StartedAt:    b.StartedAt,
			Duration:     b.Duration,
		})
	}
	return out, nil
}

// Health returns the current health report.
func (a *App) Health(ctx context.Context) *health.HealthReport {
	return a.healthMon.CheckHealth(ctx)
}

// Close releases every resource.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
		}
	}
	if a.soapClient != nil {
		a.soapClient.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
