package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/retry"
	"github.com/mbd888/settlement/internal/traces"
)

const (
	maxResponseSize = 1 << 20

	opCreateRecipient  = "create_recipient"
	opInitiateTransfer = "initiate_transfer"
)

// Paystack is a Transfers implementation over the Paystack REST API.
type Paystack struct {
	baseURL string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
	logger  *slog.Logger
}

// Option configures a Paystack client.
type Option func(*Paystack)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Paystack) { p.client = c }
}

// WithRetry replaces the retry policy.
func WithRetry(policy retry.Policy) Option {
	return func(p *Paystack) { p.retry = policy }
}

// WithBreaker replaces the circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Paystack) { p.breaker = b }
}

// NewPaystack creates a client. timeout bounds each HTTP attempt.
func NewPaystack(baseURL, secret string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Paystack {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	p := &Paystack{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   retry.Default,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CircuitState returns the worst breaker state across the transfer
// endpoints.
func (p *Paystack) CircuitState() string {
	worst := circuitbreaker.StateClosed
	for _, op := range []string{opCreateRecipient, opInitiateTransfer} {
		switch st := p.breaker.State(op); {
		case st == circuitbreaker.StateOpen:
			return st.String()
		case st == circuitbreaker.StateHalfOpen:
			worst = st
		}
	}
	return worst.String()
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// CreateRecipient registers a NUBAN bank account and returns its
// recipient code.
func (p *Paystack) CreateRecipient(ctx context.Context, req RecipientRequest) (code string, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.CreateRecipient")
	defer func() { traces.End(span, err) }()

	body := map[string]string{
		"type":           "nuban",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       currency(req.Currency),
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := p.call(ctx, opCreateRecipient, "/transferrecipient", body, &data); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", fmt.Errorf("%w: response carried no recipient code", ErrProviderUnavailable)
	}
	return data.RecipientCode, nil
}

// InitiateTransfer sends money from the platform balance to a recipient.
func (p *Paystack) InitiateTransfer(ctx context.Context, req TransferRequest) (t *Transfer, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.InitiateTransfer", traces.Reference(req.Reference))
	defer func() { traces.End(span, err) }()

	if req.AmountMinor <= 0 {
		return nil, &RejectedError{Reason: "amount must be positive"}
	}
	body := map[string]any{
		"source":    "balance",
		"amount":    req.AmountMinor,
		"recipient": req.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Reason,
		"currency":  currency(req.Currency),
	}
	var data Transfer
	if err := p.call(ctx, opInitiateTransfer, "/transfer", body, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &data, nil
}

// call runs one logical request through the breaker and the retry policy.
// Rejections are neither retried nor counted against the circuit.
func (p *Paystack) call(ctx context.Context, op, path string, body, out any) error {
	start := time.Now()
	err := p.breaker.Execute(op, countable, func() error {
		return p.retry.Do(ctx, func(ctx context.Context) error {
			err := p.post(ctx, path, body, out)
			if errors.Is(err, ErrProviderRejected) {
				return retry.Permanent(err)
			}
			if err != nil {
				p.logger.Warn("provider call failed", "operation", op, "error", err)
			}
			return err
		})
	})
	if err != nil && !errors.Is(err, ErrProviderRejected) && !errors.Is(err, ErrProviderUnavailable) {
		// open circuit or context expiry between attempts
		err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	metrics.ObserveProvider(op, start, err)
	return err
}

func countable(err error) bool {
	return !errors.Is(err, ErrProviderRejected)
}

func (p *Paystack) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		reason := env.Message
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &RejectedError{StatusCode: resp.StatusCode, Reason: reason}
	}

	// A 2xx whose body cannot be read is ambiguous; treat it as no answer
	// so the caller keeps state and retries with the same reference.
	if decodeErr != nil {
		return fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, decodeErr)
	}
	if !env.Status {
		return &RejectedError{StatusCode: resp.StatusCode, Reason: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}

func currency(c string) string {
	if c == "" {
		return DefaultCurrency
	}
	return c
}

var _ Transfers = (*Paystack)(nil)
