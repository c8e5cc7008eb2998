package recovery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// Classifier maps an error to its policy category.
type Classifier func(err error) domain.Category

// Error type names that do not correspond to a domain struct.
const (
	TypeBatchInterrupted = "BatchInterrupted"
	TypeUnknown          = "UnknownError"
)

// typeCategories is the fixed type to category table. Keys are the struct
// names of the domain error types.
var typeCategories = map[string]domain.Category{
	"ConnectionError":         domain.CategoryTransient,
	"TimeoutError":            domain.CategoryTransient,
	"ServiceUnavailableError": domain.CategoryTransient,

	"ValidationError":           domain.CategoryPermanent,
	"MissingFieldError":         domain.CategoryPermanent,
	"RegistrationRejectedError": domain.CategoryPermanent,
	"DuplicateIdentifierError":  domain.CategoryPermanent,
	"MalformedResponseError":    domain.CategoryPermanent,

	"CertificateError":   domain.CategoryCritical,
	"TLSError":           domain.CategoryCritical,
	"ConfigurationError": domain.CategoryCritical,
	"TemplateError":      domain.CategoryCritical,
	"SigningError":       domain.CategoryCritical,
	"IDGenerationError":  domain.CategoryCritical,
	"PanicError":         domain.CategoryCritical,
	TypeBatchInterrupted: domain.CategoryCritical,
}

type messageHint struct {
	needle    string
	errorType string
}

// messageHints are checked in order when no type matched. Critical hints
// come first so a "certificate timeout" never looks transient.
var messageHints = []messageHint{
	{"certificate", "CertificateError"},
	{"x509", "CertificateError"},
	{"ssl", "TLSError"},
	{"tls", "TLSError"},
	{"handshake", "TLSError"},
	{"timeout", "TimeoutError"},
	{"timed out", "TimeoutError"},
	{"deadline exceeded", "TimeoutError"},
	{"connection refused", "ConnectionError"},
	{"connection reset", "ConnectionError"},
	{"no such host", "ConnectionError"},
	{"temporarily unavailable", "ServiceUnavailableError"},
	{"duplicate", "DuplicateIdentifierError"},
	{"rejected", "RegistrationRejectedError"},
	{"invalid", "ValidationError"},
}

// Classification is the resolved type and category of an error.
type Classification struct {
	Category  domain.Category
	ErrorType string
}

// Classify returns the category of err. Unknown errors are Critical.
func Classify(err error) domain.Category {
	return Resolve(err).Category
}

// ErrorTypeName returns the canonical error type name of err.
func ErrorTypeName(err error) string {
	return Resolve(err).ErrorType
}

// Resolve walks the error chain and returns the first link found in the
// type table, falling back to standard library failures, then to message
// hints, then to Critical.
func Resolve(err error) Classification {
	if err == nil {
		return Classification{Category: domain.CategoryCritical, ErrorType: TypeUnknown}
	}

	var found string
	walk(err, func(e error) bool {
		name := typeName(e)
		if _, ok := typeCategories[name]; ok {
			found = name
			return true
		}
		return false
	})
	if found == "" {
		found = canonicalize(err)
	}
	if found == "" {
		found = hintFromMessage(err.Error())
	}
	if found != "" {
		return Classification{Category: typeCategories[found], ErrorType: found}
	}

	return Classification{Category: domain.CategoryCritical, ErrorType: originName(err)}
}

// Describe converts err into an ErrorInfo for the given patient and stage.
func Describe(err error, patientID string, stage domain.Stage) domain.ErrorInfo {
	c := Resolve(err)
	msg := TypeUnknown
	if err != nil {
		msg = err.Error()
	}
	return domain.ErrorInfo{
		Category:    c.Category,
		ErrorType:   c.ErrorType,
		Message:     msg,
		PatientID:   patientID,
		Stage:       stage,
		Retryable:   c.Category.Retryable(),
		Remediation: Remediation(c.ErrorType),
		Timestamp:   time.Now().UTC(),
	}
}

// canonicalize maps standard library failures onto domain type names.
func canonicalize(err error) string {
	if errors.Is(err, context.Canceled) {
		return TypeBatchInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TimeoutError"
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &invalidCert),
		errors.As(err, &hostname),
		errors.As(err, &verification):
		return "CertificateError"
	case errors.As(err, &recordHeader), errors.As(err, &alert):
		return "TLSError"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TimeoutError"
	}
	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return "ConnectionError"
	}
	return ""
}

func hintFromMessage(msg string) string {
	lower := strings.ToLower(msg)
	for _, h := range messageHints {
		if strings.Contains(lower, h.needle) {
			return h.errorType
		}
	}
	return ""
}

// walk visits err and its wrapped errors depth first until fn returns true.
func walk(err error, fn func(error) bool) bool {
	for err != nil {
		if fn(err) {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if walk(inner, fn) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// originName returns the first exported type name in the chain, so that
// errors.New and fmt.Errorf wrappers are reported as unknown.
func originName(err error) string {
	name := TypeUnknown
	walk(err, func(e error) bool {
		n := typeName(e)
		if n != "" && unicode.IsUpper(rune(n[0])) {
			name = n
			return true
		}
		return false
	})
	return name
}
