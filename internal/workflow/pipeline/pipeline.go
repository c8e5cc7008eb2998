// Package pipeline runs one patient through resolve, personalize, sign,
// submit and extract. Run never returns an error: every failure is
// classified and recorded on the result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/workflow/metrics"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
)

// IDResolver assigns patient identifiers.
type IDResolver interface {
	Resolve(existing string) (string, error)
}

// Personalizer renders a document for a row.
type Personalizer interface {
	Personalize(ctx context.Context, row domain.PatientRow) (*domain.Document, error)
}

// AssertionSigner produces a signed security assertion. The signer owns
// its certificate and key.
type AssertionSigner interface {
	Sign(ctx context.Context, req domain.AssertionRequest) (*domain.SignedAssertion, error)
}

// Submitter sends a transaction to the endpoint.
type Submitter interface {
	Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error)
}

// Config holds pipeline settings.
type Config struct {
	TransactionType domain.TransactionType
	Issuer          string
	Audience        string
	// Subject of the assertion. Empty means the patient ID.
	Subject  string
	Strategy recovery.RetryStrategy

	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// NewMessageID defaults to a random urn:uuid.
	NewMessageID func() string
}

// Pipeline processes a single patient.
type Pipeline struct {
	cfg          Config
	resolver     IDResolver
	personalizer Personalizer
	signer       AssertionSigner
	submitter    Submitter
}

// New creates a pipeline.
func New(
	cfg Config,
	resolver IDResolver,
	personalizer Personalizer,
	signer AssertionSigner,
	submitter Submitter,
) *Pipeline {
	if cfg.TransactionType == "" {
		cfg.TransactionType = domain.TransactionPatientAdd
	}
	if cfg.Strategy == nil {
		cfg.Strategy = recovery.DefaultBackoff(nil)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewMessageID == nil {
		cfg.NewMessageID = func() string { return "urn:uuid:" + uuid.New().String() }
	}
	return &Pipeline{
		cfg:          cfg,
		resolver:     resolver,
		personalizer: personalizer,
		signer:       signer,
		submitter:    submitter,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// run holds the mutable state of one Run call.
type run struct {
	meta  domain.ResultMeta
	stage domain.Stage
}

// Run processes row and returns its result. Panics raised by collaborators
// are recovered and reported as failures of the stage that raised them.
func (p *Pipeline) Run(ctx context.Context, row domain.PatientRow) (result domain.PatientWorkflowResult) {
	r := &run{
		meta: domain.ResultMeta{
			PatientID:    row.PatientID(),
			RowIndex:     row.Index,
			StageTimings: make(map[domain.Stage]time.Duration, len(domain.Stages)),
		},
		stage: domain.StageResolveID,
	}

	defer func() {
		if v := recover(); v != nil {
			slog.Error("Recovered panic in pipeline", "stage", r.stage, "row", row.Index, "panic", v)
			result = p.fail(r, &domain.PanicError{Stage: r.stage, Value: v})
		}
	}()

	var patientID string
	if err := p.timed(r, domain.StageResolveID, func() error {
		id, err := p.resolver.Resolve(row.PatientID())
		patientID = id
		return err
	}); err != nil {
		return p.fail(r, err)
	}
	r.meta.PatientID = patientID
	row = row.WithField(domain.FieldPatientID, patientID)

	var doc *domain.Document
	if err := p.timed(r, domain.StagePersonalize, func() error {
		d, err := p.personalizer.Personalize(ctx, row)
		doc = d
		return err
	}); err != nil {
		return p.fail(r, err)
	}
	if doc != nil {
		r.meta.Artifacts.DocumentID = doc.ID
		r.meta.Artifacts.Document = doc.Content
	}

	subject := p.cfg.Subject
	if subject == "" {
		subject = patientID
	}
	var assertion *domain.SignedAssertion
	if err := p.timed(r, domain.StageSign, func() error {
		a, err := p.signer.Sign(ctx, domain.AssertionRequest{
			Subject:  subject,
			Issuer:   p.cfg.Issuer,
			Audience: p.cfg.Audience,
		})
		assertion = a
		return err
	}); err != nil {
		return p.fail(r, err)
	}
	if assertion != nil {
		r.meta.Artifacts.AssertionID = assertion.ID
	}

	req := &domain.TransactionRequest{
		MessageID:   p.cfg.NewMessageID(),
		Type:        p.cfg.TransactionType,
		PatientID:   patientID,
		Row:         row,
		Document:    doc,
		Assertion:   assertion,
		SubmittedAt: p.cfg.Now(),
	}
	r.meta.Artifacts.MessageID = req.MessageID

	var resp *domain.TransactionResponse
	submitStart := p.cfg.Now()
	err := p.timed(r, domain.StageSubmit, func() error {
		defer func() { r.meta.SubmitDuration = p.cfg.Now().Sub(submitStart) }()
		var err error
		resp, err = p.submit(ctx, r, req)
		return err
	})
	if err != nil {
		return p.fail(r, err)
	}

	var enterpriseID string
	if err := p.timed(r, domain.StageExtract, func() error {
		id, err := extract(resp)
		enterpriseID = id
		return err
	}); err != nil {
		return p.fail(r, err)
	}

	r.meta.CompletedAt = p.cfg.Now()
	metrics.PatientsProcessed.WithLabelValues("success").Inc()
	return domain.NewSuccessResult(r.meta, enterpriseID, successMessage(enterpriseID, r.meta.Attempts))
}

// submit sends req, retrying transient failures with backoff.
func (p *Pipeline) submit(
	ctx context.Context,
	r *run,
	req *domain.TransactionRequest,
) (*domain.TransactionResponse, error) {
	txn := string(req.Type)
	for {
		r.meta.Attempts++
		start := p.cfg.Now()
		resp, err := p.submitter.Submit(ctx, req)
		metrics.SubmissionLatency.WithLabelValues(txn).Observe(p.cfg.Now().Sub(start).Seconds())
		if err == nil {
			err = checkAcknowledgement(req.PatientID, resp)
		}
		if err == nil {
			metrics.SubmissionAttempts.WithLabelValues(txn, "ok").Inc()
			return resp, nil
		}
		metrics.SubmissionAttempts.WithLabelValues(txn, "error").Inc()

		if !p.cfg.Strategy.ShouldRetry(err, r.meta.Attempts) {
			return nil, err
		}
		delay := p.cfg.Strategy.GetDelay(r.meta.Attempts - 1)
		slog.Warn("Transient submission failure, retrying",
			"patient", req.PatientID,
			"attempt", r.meta.Attempts,
			"delay", delay,
			"error", err,
		)
		if serr := p.cfg.Sleep(ctx, delay); serr != nil {
			return nil, err
		}
	}
}

// checkAcknowledgement turns a negative acknowledgement into a typed error.
func checkAcknowledgement(patientID string, resp *domain.TransactionResponse) error {
	if resp == nil {
		return &domain.MalformedResponseError{Reason: "empty response"}
	}
	if resp.Success {
		return nil
	}
	detail := strings.Join(resp.Messages, "; ")
	if detail == "" {
		detail = "negative acknowledgement"
	}
	if strings.Contains(strings.ToLower(detail), "duplicate") {
		return &domain.DuplicateIdentifierError{PatientID: patientID, Detail: detail}
	}
	return &domain.RegistrationRejectedError{StatusCode: resp.StatusCode, Detail: detail}
}

func extract(resp *domain.TransactionResponse) (string, error) {
	id := strings.TrimSpace(resp.AssignedID)
	if id == "" {
		return "", &domain.MalformedResponseError{Reason: "no assigned identifier in successful response"}
	}
	return id, nil
}

func (p *Pipeline) timed(r *run, stage domain.Stage, fn func() error) error {
	r.stage = stage
	start := p.cfg.Now()
	defer func() {
		d := p.cfg.Now().Sub(start)
		r.meta.StageTimings[stage] = d
		metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	}()
	return fn()
}

func (p *Pipeline) fail(r *run, err error) domain.PatientWorkflowResult {
	info := recovery.Describe(err, r.meta.PatientID, r.stage)
	info.Timestamp = p.cfg.Now()
	r.meta.CompletedAt = info.Timestamp

	slog.Debug("Patient failed",
		"patient", r.meta.PatientID,
		"stage", r.stage,
		"category", info.Category,
		"type", info.ErrorType,
		"error", err,
	)
	metrics.PatientsProcessed.WithLabelValues("failed").Inc()
	metrics.ErrorsTotal.WithLabelValues(string(info.Category), info.ErrorType, string(r.stage)).Inc()
	return domain.NewFailureResult(r.meta, info)
}

func successMessage(enterpriseID string, attempts int) string {
	if attempts > 1 {
		return fmt.Sprintf("registered as %s after %d attempts", enterpriseID, attempts)
	}
	return "registered as " + enterpriseID
}
