package gateway

import (
	"context"
	"sync"

	"github.com/mbd888/settlement/internal/idgen"
)

// Fake is an in-memory Transfers for development and tests. It accepts
// every request unless RecipientErr or TransferErr is set, and replays the
// same transfer for a repeated reference.
type Fake struct {
	mu           sync.Mutex
	RecipientErr error
	TransferErr  error
	Recipients   []RecipientRequest
	Transfers    map[string]TransferRequest
	codes        map[string]string
}

// NewFake creates a Fake that accepts everything.
func NewFake() *Fake {
	return &Fake{
		Transfers: make(map[string]TransferRequest),
		codes:     make(map[string]string),
	}
}

func (f *Fake) CreateRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RecipientErr != nil {
		return "", f.RecipientErr
	}
	f.Recipients = append(f.Recipients, req)
	return idgen.WithPrefix("RCP_"), nil
}

func (f *Fake) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return nil, f.TransferErr
	}
	code, seen := f.codes[req.Reference]
	if !seen {
		code = idgen.WithPrefix("TRF_")
		f.codes[req.Reference] = code
		f.Transfers[req.Reference] = req
	}
	return &Transfer{TransferCode: code, Reference: req.Reference, Status: "pending"}, nil
}

// TransferCount returns the number of distinct references transferred.
func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}

var _ Transfers = (*Fake)(nil)
