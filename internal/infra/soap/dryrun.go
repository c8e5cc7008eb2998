package soap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// DryRunSubmitter accepts every transaction without network I/O. The
// enterprise ID is derived from the patient ID, so the same input always
// yields the same output.
type DryRunSubmitter struct {
	Prefix string

	mu       sync.Mutex
	requests []*domain.TransactionRequest
}

// NewDryRunSubmitter creates a dry-run submitter.
func NewDryRunSubmitter() *DryRunSubmitter {
	return &DryRunSubmitter{Prefix: "EID"}
}

func (d *DryRunSubmitter) Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	return &domain.TransactionResponse{
		Success:    true,
		AssignedID: EnterpriseID(d.Prefix, req.PatientID),
		StatusCode: 200,
		Messages:   []string{"dry run"},
		RelatesTo:  req.MessageID,
	}, nil
}

// Requests returns the submitted requests in order.
func (d *DryRunSubmitter) Requests() []*domain.TransactionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*domain.TransactionRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

// EnterpriseID derives a stable identifier from patientID.
func EnterpriseID(prefix, patientID string) string {
	sum := sha256.Sum256([]byte(patientID))
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(sum[:6]))
}
