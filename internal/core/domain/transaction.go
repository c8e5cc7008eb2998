package domain

import "time"

// TransactionType selects the profile transaction submitted for each patient.
type TransactionType string

const (
	// TransactionPatientAdd registers patient identity (ITI-44 feed).
	TransactionPatientAdd TransactionType = "pix_add"
	// TransactionProvideDocument submits a document set (ITI-41).
	TransactionProvideDocument TransactionType = "xds_provide"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionPatientAdd, TransactionProvideDocument:
		return true
	}
	return false
}

// Document is a personalized clinical document.
type Document struct {
	ID       string
	Template string
	MimeType string
	Content  []byte
}

// AssertionRequest names who the security assertion is about and who issues it.
type AssertionRequest struct {
	Subject  string
	Issuer   string
	Audience string
}

// SignedAssertion is an opaque signed security token.
type SignedAssertion struct {
	ID        string
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// TransactionRequest is everything needed to submit one patient.
type TransactionRequest struct {
	MessageID   string
	Type        TransactionType
	PatientID   string
	Row         PatientRow
	Document    *Document
	Assertion   *SignedAssertion
	SubmittedAt time.Time
}

// TransactionResponse is the structured answer of the endpoint.
type TransactionResponse struct {
	Success    bool
	AssignedID string
	StatusCode int
	Messages   []string
	RelatesTo  string
}
