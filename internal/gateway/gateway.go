// Package gateway talks to the external transfer provider (Paystack).
//
// Amounts cross this boundary in minor units (kobo). Every error returned
// by a Transfers implementation matches either ErrProviderRejected (the
// provider answered and said no) or ErrProviderUnavailable (no usable
// answer: network, timeout, 5xx, open circuit).
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProviderRejected    = errors.New("transfer provider rejected the request")
	ErrProviderUnavailable = errors.New("transfer provider unavailable")
)

// RejectedError carries the provider's reason for refusing a request.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProviderRejected, e.Reason)
}

// Is lets errors.Is match ErrProviderRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrProviderRejected
}

// Reason extracts the provider's reason from a rejection, or "".
func Reason(err error) string {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// RecipientRequest describes a bank account to register as a transfer
// recipient.
type RecipientRequest struct {
	Name          string
	AccountNumber string
	BankCode      string
	Currency      string
}

// TransferRequest initiates a payout. Reference is the idempotency key:
// re-sending the same reference never moves money twice.
type TransferRequest struct {
	AmountMinor   int64
	RecipientCode string
	Reference     string
	Reason        string
	Currency      string
}

// Transfer is the provider's acceptance of a transfer.
type Transfer struct {
	TransferCode string `json:"transfer_code"`
	Reference    string `json:"reference"`
	Status       string `json:"status"`
}

// Transfers is what the payout orchestrator needs from a provider.
type Transfers interface {
	CreateRecipient(ctx context.Context, req RecipientRequest) (string, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
}

// DefaultCurrency is used when a request leaves Currency empty.
const DefaultCurrency = "NGN"
