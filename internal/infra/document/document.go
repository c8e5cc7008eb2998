// Package document personalizes XML templates with patient demographics.
package document

import (
	"bytes"
	"context"
	"embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/ihebatch/internal/core/domain"
)

//go:embed templates/*.xml
var builtin embed.FS

// Builtin template names keyed by transaction type.
var builtinTemplates = map[domain.TransactionType]string{
	domain.TransactionPatientAdd:      "templates/pix_add.xml",
	domain.TransactionProvideDocument: "templates/ccd.xml",
}

// Config holds personalizer settings.
type Config struct {
	// Path of a template file. Empty selects the builtin template of
	// TransactionType.
	Path            string
	TransactionType domain.TransactionType
	// AssigningAuthority is the OID used when a row has no patient_id_oid.
	AssigningAuthority string
	// Organization appears as the custodian / sender.
	Organization string
	MimeType     string
	Now          func() time.Time
	NewID        func() string
}

// Personalizer renders one document per patient row.
type Personalizer struct {
	cfg Config

	mu   sync.Mutex
	tmpl *template.Template
}

// NewPersonalizer creates a personalizer. The template is loaded on first use
// or by Load.
func NewPersonalizer(cfg Config) *Personalizer {
	if cfg.TransactionType == "" {
		cfg.TransactionType = domain.TransactionPatientAdd
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "text/xml"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.New().String() }
	}
	return &Personalizer{cfg: cfg}
}

// Name returns the template name used in errors and on documents.
func (p *Personalizer) Name() string {
	if p.cfg.Path != "" {
		return p.cfg.Path
	}
	return builtinTemplates[p.cfg.TransactionType]
}

// Load parses the template. Failures are returned as *domain.TemplateError.
// A successfully parsed template is cached.
func (p *Personalizer) Load() (*template.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tmpl != nil {
		return p.tmpl, nil
	}

	name := p.Name()
	src, err := p.source()
	if err != nil {
		return nil, &domain.TemplateError{Template: name, Err: err}
	}
	t, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{"hl7date": hl7Date}).
		Parse(string(src))
	if err != nil {
		return nil, &domain.TemplateError{Template: name, Err: err}
	}
	p.tmpl = t
	return t, nil
}

func (p *Personalizer) source() ([]byte, error) {
	if p.cfg.Path != "" {
		return os.ReadFile(p.cfg.Path)
	}
	name, ok := builtinTemplates[p.cfg.TransactionType]
	if !ok {
		return nil, fmt.Errorf("no builtin template for transaction %q", p.cfg.TransactionType)
	}
	return builtin.ReadFile(name)
}

// templateData is what templates see. Patient values are XML-escaped.
type templateData struct {
	Patient       map[string]string
	PatientID     string
	PatientIDRoot string
	DocumentID    string
	EffectiveTime string
	Organization  string
}

// Personalize renders the template for row.
func (p *Personalizer) Personalize(ctx context.Context, row domain.PatientRow) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := p.Load()
	if err != nil {
		return nil, err
	}

	fields := row.Fields()
	patient := make(map[string]string, len(fields))
	for k, v := range fields {
		patient[k] = escape(v)
	}
	root := fields[domain.FieldPatientIDOID]
	if root == "" {
		root = p.cfg.AssigningAuthority
	}

	docID := p.cfg.NewID()
	data := templateData{
		Patient:       patient,
		PatientID:     escape(row.PatientID()),
		PatientIDRoot: escape(root),
		DocumentID:    docID,
		EffectiveTime: p.cfg.Now().UTC().Format("20060102150405"),
		Organization:  escape(p.cfg.Organization),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, executionError(p.Name(), err)
	}
	if err := wellFormed(buf.Bytes()); err != nil {
		return nil, &domain.TemplateError{Template: p.Name(), Err: fmt.Errorf("rendered document is not well-formed xml: %w", err)}
	}

	return &domain.Document{
		ID:       docID,
		Template: p.Name(),
		MimeType: p.cfg.MimeType,
		Content:  buf.Bytes(),
	}, nil
}

var missingKey = regexp.MustCompile(`map has no entry for key "([^"]+)"`)

// executionError maps a template execution failure onto the domain errors.
// Typed errors returned by template funcs pass through unchanged.
func executionError(name string, err error) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	if m := missingKey.FindStringSubmatch(err.Error()); m != nil {
		return &domain.MissingFieldError{Field: m[1]}
	}
	return &domain.TemplateError{Template: name, Err: err}
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func wellFormed(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// hl7Date converts YYYY-MM-DD or YYYYMMDD into the HL7 TS date form.
func hl7Date(v string) (string, error) {
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("20060102"), nil
		}
	}
	return "", &domain.ValidationError{Field: domain.FieldDOB, Value: v, Reason: "not a date"}
}
