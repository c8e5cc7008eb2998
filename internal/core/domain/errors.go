package domain

import (
	"fmt"
	"time"
)

// Typed failure modes raised by the pipeline collaborators. The struct name
// of each type is the error type name recorded on ErrorInfo and used as the
// key of the classification and remediation tables.

// ConnectionError means the endpoint could not be reached.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means the endpoint did not answer in time.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("request to %s timed out after %s", e.Endpoint, e.Timeout)
	}
	return fmt.Sprintf("request to %s timed out: %v", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ServiceUnavailableError means the endpoint answered with a retryable HTTP status.
type ServiceUnavailableError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("endpoint %s unavailable: http %d %s", e.Endpoint, e.StatusCode, e.Detail)
}

// ValidationError means a field value is malformed.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid value %q for field %s: %s", e.Value, e.Field, e.Reason)
}

// MissingFieldError means a required field is absent from the row.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field %s", e.Field)
}

// RegistrationRejectedError is a negative business-level acknowledgement.
type RegistrationRejectedError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *RegistrationRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("registration rejected (%s): %s", e.Code, e.Detail)
	}
	return "registration rejected: " + e.Detail
}

// DuplicateIdentifierError means the target already holds the identifier.
type DuplicateIdentifierError struct {
	PatientID string
	Detail    string
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("duplicate identifier %s: %s", e.PatientID, e.Detail)
}

// MalformedResponseError means the endpoint answered with something unusable.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response: %s: %v", e.Reason, e.Err)
	}
	return "malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// CertificateError means a certificate is unreadable, invalid, expired or untrusted.
type CertificateError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CertificateError) Error() string {
	msg := "certificate error"
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CertificateError) Unwrap() error { return e.Err }

// TLSError means the secure channel to the endpoint could not be established.
type TLSError struct {
	Endpoint string
	Err      error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls failure talking to %s: %v", e.Endpoint, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// ConfigurationError means the tool itself is misconfigured.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Key, e.Reason)
}

// TemplateError means a document template could not be loaded or parsed.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %s: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// SigningError means the security assertion could not be produced.
type SigningError struct {
	Subject string
	Err     error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign assertion for %s: %v", e.Subject, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// IDGenerationError means no unique identifier could be synthesized.
type IDGenerationError struct {
	Attempts int
	Err      error
}

func (e *IDGenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to generate patient id after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed to generate unique patient id after %d attempts", e.Attempts)
}

func (e *IDGenerationError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking collaborator.
type PanicError struct {
	Stage Stage
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during %s: %v", e.Stage, e.Value)
}
