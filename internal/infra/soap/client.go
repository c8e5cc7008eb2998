// Package soap submits patient transactions to a SOAP 1.2 endpoint over
// HTTPS and maps the transport and acknowledgement outcomes onto the
// domain error types.
package soap

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// UserAgent is sent with every request.
var UserAgent = "ihebatch/1.0"

// DefaultTimeout bounds one submission attempt.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 4 << 20

// Config holds endpoint settings.
type Config struct {
	URL     string
	Timeout time.Duration
	// CAFile is a PEM bundle of trusted roots. Empty uses the system pool.
	CAFile string
	// CertFile and KeyFile enable mutual TLS.
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	// AssigningAuthority is the OID of submitted patient identifiers when the
	// row does not carry one.
	AssigningAuthority string
}

// Client submits transactions. The HTTP client is built on first use so
// trust-store problems surface as submission failures.
type Client struct {
	cfg Config

	mu   sync.Mutex
	http *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg}
}

// NewClientWithHTTP creates a client around an existing HTTP client.
func NewClientWithHTTP(cfg Config, hc *http.Client) *Client {
	c := NewClient(cfg)
	c.http = hc
	return c
}

func (c *Client) httpClient() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		return c.http, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.cfg.CAFile != "" {
		pem, err := os.ReadFile(c.cfg.CAFile)
		if err != nil {
			return nil, &domain.CertificateError{Path: c.cfg.CAFile, Reason: "cannot read trust store", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, &domain.CertificateError{Path: c.cfg.CAFile, Reason: "trust store contains no certificates"}
		}
		tlsCfg.RootCAs = pool
	}
	if c.cfg.CertFile != "" {
		pair, err := tls.LoadX509KeyPair(c.cfg.CertFile, c.cfg.KeyFile)
		if err != nil {
			return nil, &domain.CertificateError{Path: c.cfg.CertFile, Reason: "cannot load client key pair", Err: err}
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsCfg,
	}
	c.http = &http.Client{
		Transport: &customTransport{t: transport},
		Timeout:   c.cfg.Timeout,
	}
	return c.http, nil
}

type customTransport struct {
	t http.RoundTripper
}

func (c *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", UserAgent)
	return c.t.RoundTrip(req)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
	}
}

// Submit sends req and interprets the acknowledgement. A negative business
// acknowledgement is returned as a response with Success false, not as an
// error.
func (c *Client) Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	body, action, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := renderEnvelope(envelopeData{
		Action:    action,
		MessageID: req.MessageID,
		To:        c.cfg.URL,
		Assertion: assertionToken(req.Assertion),
		Body:      body,
	})
	if err != nil {
		return nil, &domain.TemplateError{Template: "envelope", Err: err}
	}

	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &domain.ConfigurationError{Key: "endpoint.url", Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(err)
	}
	slog.Debug("Endpoint responded", "status", resp.StatusCode, "bytes", len(data), "message", req.MessageID)

	return c.interpret(req, resp.StatusCode, data)
}

func (c *Client) buildBody(req *domain.TransactionRequest) (string, string, error) {
	if req.Document == nil {
		return "", "", &domain.MissingFieldError{Field: "document"}
	}
	switch req.Type {
	case domain.TransactionPatientAdd:
		return stripDeclaration(req.Document.Content), ActionPatientAdd, nil
	case domain.TransactionProvideDocument:
		body, err := renderProvide(provideData{
			DocumentID: req.Document.ID,
			MimeType:   req.Document.MimeType,
			PatientCX:  c.patientCX(req),
		}, req.Document.Content)
		if err != nil {
			return "", "", &domain.TemplateError{Template: "provide", Err: err}
		}
		return body, ActionProvideDocument, nil
	}
	return "", "", &domain.ConfigurationError{Key: "batch.transaction", Reason: fmt.Sprintf("unsupported transaction %q", req.Type)}
}

// patientCX formats the patient identifier as an HL7 CX value.
func (c *Client) patientCX(req *domain.TransactionRequest) string {
	root := req.Row.Get(domain.FieldPatientIDOID)
	if root == "" {
		root = c.cfg.AssigningAuthority
	}
	return fmt.Sprintf("%s^^^&%s&ISO", req.PatientID, root)
}

func assertionToken(a *domain.SignedAssertion) string {
	if a == nil {
		return ""
	}
	return a.Token
}

func (c *Client) interpret(req *domain.TransactionRequest, status int, data []byte) (*domain.TransactionResponse, error) {
	var env Envelope
	parseErr := xml.Unmarshal(data, &env)

	if parseErr == nil && env.Body.Fault != nil {
		return nil, c.faultError(req, status, env.Body.Fault)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, &domain.ConfigurationError{
			Key:    "endpoint",
			Reason: fmt.Sprintf("authentication rejected (http %d)", status),
		}
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &domain.ServiceUnavailableError{Endpoint: c.cfg.URL, StatusCode: status, Detail: snippet(data)}
	case status >= 400:
		return nil, &domain.RegistrationRejectedError{StatusCode: status, Detail: snippet(data)}
	case status < 200 || status >= 300:
		return nil, &domain.ServiceUnavailableError{Endpoint: c.cfg.URL, StatusCode: status, Detail: snippet(data)}
	}

	if parseErr != nil {
		return nil, &domain.MalformedResponseError{Reason: "response is not a soap envelope", Err: parseErr}
	}

	out := &domain.TransactionResponse{StatusCode: status, RelatesTo: env.Header.RelatesTo}
	switch {
	case env.Body.Acknowledgement != nil:
		ack := env.Body.Acknowledgement
		out.Success = ack.Accepted()
		out.Messages = ack.Messages()
		if out.Success {
			out.AssignedID = c.enterpriseID(req, env.Body.EchoedPatientIDs)
		}
	case env.Body.RegistryResponse != nil:
		rr := env.Body.RegistryResponse
		out.Success = rr.Success()
		out.Messages = rr.Messages()
		if out.Success {
			out.AssignedID = req.Document.ID
		}
	default:
		return nil, &domain.MalformedResponseError{Reason: "no acknowledgement in response body"}
	}
	return out, nil
}

func (c *Client) enterpriseID(req *domain.TransactionRequest, echoed []InstanceID) string {
	for _, id := range echoed {
		if id.Extension != "" {
			return id.Extension
		}
	}
	return c.patientCX(req)
}

func (c *Client) faultError(req *domain.TransactionRequest, status int, f *Fault) error {
	detail := strings.TrimSpace(strings.Join([]string{f.Reason, strings.TrimSpace(f.Detail)}, " "))
	if !f.Sender() {
		return &domain.ServiceUnavailableError{Endpoint: c.cfg.URL, StatusCode: status, Detail: detail}
	}
	if strings.Contains(strings.ToLower(detail), "duplicate") {
		return &domain.DuplicateIdentifierError{PatientID: req.PatientID, Detail: detail}
	}
	return &domain.RegistrationRejectedError{StatusCode: status, Code: f.Code, Detail: detail}
}

// transportError maps client failures onto the domain error types.
func (c *Client) transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var unknownAuthority x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	var verify *tls.CertificateVerificationError
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalid) ||
		errors.As(err, &hostname) || errors.As(err, &verify) {
		return &domain.CertificateError{Path: c.cfg.URL, Reason: "server certificate rejected", Err: err}
	}

	var record tls.RecordHeaderError
	var alert tls.AlertError
	if errors.As(err, &record) || errors.As(err, &alert) {
		return &domain.TLSError{Endpoint: c.cfg.URL, Err: err}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.TimeoutError{Endpoint: c.cfg.URL, Timeout: c.cfg.Timeout, Err: err}
	}

	// Alerts sent by the server (client certificate required, bad
	// certificate) arrive as an unexported type behind a remote error.
	var opErr *net.OpError
	if (errors.As(err, &opErr) && opErr.Op == "remote error") || strings.Contains(err.Error(), "tls:") {
		return &domain.TLSError{Endpoint: c.cfg.URL, Err: err}
	}
	return &domain.ConnectionError{Endpoint: c.cfg.URL, Err: err}
}

func snippet(data []byte) string {
	s := strings.Join(strings.Fields(string(data)), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
