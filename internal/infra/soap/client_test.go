package soap

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
	"github.com/vietddude/ihebatch/internal/workflow/recovery"
)

const ackTemplate = `<?xml version="1.0"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:wsa="http://www.w3.org/2005/08/addressing">
  <soap:Header><wsa:RelatesTo>urn:uuid:m1</wsa:RelatesTo></soap:Header>
  <soap:Body>
    <MCCI_IN000002UV01 xmlns="urn:hl7-org:v3">
      <acknowledgement>
        <typeCode code="%CODE%"/>
        %DETAIL%
      </acknowledgement>
      %ECHO%
    </MCCI_IN000002UV01>
  </soap:Body>
</soap:Envelope>`

func ack(code, detail, echo string) string {
	return strings.NewReplacer("%CODE%", code, "%DETAIL%", detail, "%ECHO%", echo).Replace(ackTemplate)
}

const faultTemplate = `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
  <soap:Body>
    <soap:Fault>
      <soap:Code><soap:Value>soap:%CODE%</soap:Value></soap:Code>
      <soap:Reason><soap:Text xml:lang="en">%REASON%</soap:Text></soap:Reason>
    </soap:Fault>
  </soap:Body>
</soap:Envelope>`

func fault(code, reason string) string {
	return strings.NewReplacer("%CODE%", code, "%REASON%", reason).Replace(faultTemplate)
}

const registryTemplate = `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
  <soap:Body>
    <rs:RegistryResponse xmlns:rs="urn:oasis:names:tc:ebxml-regrep:xsd:rs:3.0" status="%STATUS%">
      %ERRORS%
    </rs:RegistryResponse>
  </soap:Body>
</soap:Envelope>`

// recordingServer answers every request with status and body.
type recordingServer struct {
	mu      sync.Mutex
	status  int
	body    string
	headers []http.Header
	bodies  []string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.bodies = append(s.bodies, string(data))
	status, body := s.status, s.body
	s.mu.Unlock()
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newRequest(txn domain.TransactionType) *domain.TransactionRequest {
	return &domain.TransactionRequest{
		MessageID: "urn:uuid:m1",
		Type:      txn,
		PatientID: "PAT-1",
		Row:       domain.NewPatientRow(1, map[string]string{domain.FieldPatientID: "PAT-1"}),
		Document: &domain.Document{
			ID:       "doc-1",
			MimeType: "text/xml",
			Content:  []byte(`<?xml version="1.0"?><PRPA_IN201301UV02 xmlns="urn:hl7-org:v3"/>`),
		},
		Assertion: &domain.SignedAssertion{ID: "_a1", Token: "header.payload.sig"},
	}
}

func newTestClient(t *testing.T, status int, body string) (*Client, *recordingServer) {
	t.Helper()
	rec := &recordingServer{status: status, body: body}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	c := NewClient(Config{URL: srv.URL, AssigningAuthority: "1.2.3"})
	t.Cleanup(c.Close)
	return c, rec
}

// =============================================================================
// Acknowledgement Tests
// =============================================================================

func TestSubmit_PatientAddAccepted(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, ack("AA", "", ""))

	resp, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !resp.Success || resp.AssignedID != "PAT-1^^^&1.2.3&ISO" || resp.RelatesTo != "urn:uuid:m1" {
		t.Errorf("unexpected response %+v", resp)
	}

	if len(rec.bodies) != 1 {
		t.Fatalf("expected one request, got %d", len(rec.bodies))
	}
	sent := rec.bodies[0]
	for _, want := range []string{
		"<wsa:Action soap:mustUnderstand=\"true\">" + ActionPatientAdd + "</wsa:Action>",
		"<wsa:MessageID>urn:uuid:m1</wsa:MessageID>",
		"header.payload.sig",
		`<PRPA_IN201301UV02 xmlns="urn:hl7-org:v3"/>`,
	} {
		if !strings.Contains(sent, want) {
			t.Errorf("request missing %q:\n%s", want, sent)
		}
	}
	if strings.Count(sent, "<?xml") != 1 {
		t.Error("embedded document declaration should be stripped")
	}
	h := rec.headers[0]
	if h.Get("User-Agent") != UserAgent || !strings.Contains(h.Get("Content-Type"), "application/soap+xml") {
		t.Errorf("unexpected headers %v", h)
	}
}

func TestSubmit_EchoedIdentifierWins(t *testing.T) {
	echo := `<controlActProcess><subject><registrationEvent><subject1><patient><id root="1.9" extension="EID-77"/></patient></subject1></registrationEvent></subject></controlActProcess>`
	c, _ := newTestClient(t, http.StatusOK, ack("AA", "", echo))

	resp, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.AssignedID != "EID-77" {
		t.Errorf("expected echoed id, got %s", resp.AssignedID)
	}
}

func TestSubmit_NegativeAcknowledgement(t *testing.T) {
	detail := `<acknowledgementDetail typeCode="E"><code code="204"/><text>Duplicate patient identifier</text></acknowledgementDetail>`
	c, _ := newTestClient(t, http.StatusOK, ack("AE", detail, ""))

	resp, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))
	if err != nil {
		t.Fatalf("negative ack should not be a transport error: %v", err)
	}
	if resp.Success || len(resp.Messages) != 1 || resp.Messages[0] != "204 Duplicate patient identifier" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSubmit_ProvideDocument(t *testing.T) {
	body := strings.NewReplacer("%STATUS%", registryStatusSuccess, "%ERRORS%", "").Replace(registryTemplate)
	c, rec := newTestClient(t, http.StatusOK, body)

	resp, err := c.Submit(context.Background(), newRequest(domain.TransactionProvideDocument))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !resp.Success || resp.AssignedID != "doc-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if !strings.Contains(rec.bodies[0], "ProvideAndRegisterDocumentSetRequest") ||
		!strings.Contains(rec.bodies[0], "PAT-1^^^&amp;1.2.3&amp;ISO") {
		t.Errorf("unexpected provide request:\n%s", rec.bodies[0])
	}
}

func TestSubmit_RegistryFailure(t *testing.T) {
	errs := `<rs:RegistryErrorList><rs:RegistryError errorCode="XDSPatientIdDoesNotMatch" codeContext="unknown patient" severity="Error"/></rs:RegistryErrorList>`
	body := strings.NewReplacer("%STATUS%", "urn:oasis:names:tc:ebxml-regrep:ResponseStatusType:Failure", "%ERRORS%", errs).Replace(registryTemplate)
	c, _ := newTestClient(t, http.StatusOK, body)

	resp, err := c.Submit(context.Background(), newRequest(domain.TransactionProvideDocument))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if resp.Success || resp.Messages[0] != "XDSPatientIdDoesNotMatch: unknown patient" {
		t.Errorf("unexpected response %+v", resp)
	}
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType string
		category domain.Category
	}{
		{"service unavailable", http.StatusServiceUnavailable, "down", "ServiceUnavailableError", domain.CategoryTransient},
		{"rate limited", http.StatusTooManyRequests, "", "ServiceUnavailableError", domain.CategoryTransient},
		{"receiver fault", http.StatusInternalServerError, fault("Receiver", "database locked"), "ServiceUnavailableError", domain.CategoryTransient},
		{"sender fault", http.StatusBadRequest, fault("Sender", "schema violation"), "RegistrationRejectedError", domain.CategoryPermanent},
		{"duplicate fault", http.StatusBadRequest, fault("Sender", "Duplicate identifier"), "DuplicateIdentifierError", domain.CategoryPermanent},
		{"bad request", http.StatusBadRequest, "nope", "RegistrationRejectedError", domain.CategoryPermanent},
		{"unauthorized", http.StatusUnauthorized, "", "ConfigurationError", domain.CategoryCritical},
		{"not xml", http.StatusOK, "hello", "MalformedResponseError", domain.CategoryPermanent},
		{"empty body", http.StatusOK, `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body/></soap:Envelope>`, "MalformedResponseError", domain.CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, tt.status, tt.body)
			_, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))
			if err == nil {
				t.Fatal("expected error")
			}
			got := recovery.Resolve(err)
			if got.ErrorType != tt.wantType || got.Category != tt.category {
				t.Errorf("expected %s/%s, got %s/%s (%v)", tt.wantType, tt.category, got.ErrorType, got.Category, err)
			}
		})
	}
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Config{URL: url}).Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	var cerr *domain.ConnectionError
	if !errors.As(err, &cerr) || recovery.Classify(err) != domain.CategoryTransient {
		t.Errorf("expected transient ConnectionError, got %v", err)
	}
}

func TestSubmit_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := NewClient(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}).
		Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	var terr *domain.TimeoutError
	if !errors.As(err, &terr) || recovery.Classify(err) != domain.CategoryTransient {
		t.Errorf("expected transient TimeoutError, got %v", err)
	}
}

func TestSubmit_UntrustedServerCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewClient(Config{URL: srv.URL}).Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	var cerr *domain.CertificateError
	if !errors.As(err, &cerr) || recovery.Classify(err) != domain.CategoryCritical {
		t.Errorf("expected critical CertificateError, got %v", err)
	}
}

func TestSubmit_ClientCertificateRequired(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.TLS = &tls.Config{ClientAuth: tls.RequireAndVerifyClientCert}
	srv.StartTLS()
	defer srv.Close()

	// Trusts the server but presents no client certificate
	c := NewClientWithHTTP(Config{URL: srv.URL}, srv.Client())
	_, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	var terr *domain.TLSError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TLSError, got %T: %v", err, err)
	}
	if got := recovery.Classify(err); got != domain.CategoryCritical {
		t.Errorf("rejected client certificate must halt the batch, got %s", got)
	}
}

func TestSubmit_TrustStoreErrors(t *testing.T) {
	c := NewClient(Config{URL: "https://localhost", CAFile: "/nonexistent/ca.pem"})
	_, err := c.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	var cerr *domain.CertificateError
	if !errors.As(err, &cerr) {
		t.Errorf("expected CertificateError, got %v", err)
	}
}

func TestSubmit_MissingDocument(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, ack("AA", "", ""))
	req := newRequest(domain.TransactionPatientAdd)
	req.Document = nil

	_, err := c.Submit(context.Background(), req)

	var merr *domain.MissingFieldError
	if !errors.As(err, &merr) {
		t.Errorf("expected MissingFieldError, got %v", err)
	}
	if len(rec.bodies) != 0 {
		t.Error("nothing should be sent without a document")
	}
}

// =============================================================================
// Dry Run Tests
// =============================================================================

func TestDryRunSubmitter_Deterministic(t *testing.T) {
	d := NewDryRunSubmitter()
	a, err := d.Submit(context.Background(), newRequest(domain.TransactionPatientAdd))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewDryRunSubmitter().Submit(context.Background(), newRequest(domain.TransactionPatientAdd))

	if !a.Success || a.AssignedID != b.AssignedID || !strings.HasPrefix(a.AssignedID, "EID-") {
		t.Errorf("expected stable enterprise ids, got %s and %s", a.AssignedID, b.AssignedID)
	}
	if len(d.Requests()) != 1 {
		t.Errorf("expected one recorded request, got %d", len(d.Requests()))
	}
	if EnterpriseID("EID", "PAT-2") == a.AssignedID {
		t.Error("different patients should get different ids")
	}
}
