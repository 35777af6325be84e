package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Paystack, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetry(fastRetry)}, opts...)
	return NewPaystack(srv.URL, "sk_test_123", time.Second, logging.Discard(), opts...), &calls
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestCreateRecipient(t *testing.T) {
	var got map[string]string
	p, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transferrecipient", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":  true,
			"message": "Transfer recipient created successfully",
			"data":    map[string]any{"recipient_code": "RCP_abc", "active": true},
		})
	})

	code, err := p.CreateRecipient(context.Background(), RecipientRequest{
		Name: "Ada Stores", AccountNumber: "0123456789", BankCode: "058",
	})
	require.NoError(t, err)
	assert.Equal(t, "RCP_abc", code)
	assert.Equal(t, "nuban", got["type"])
	assert.Equal(t, "0123456789", got["account_number"])
	assert.Equal(t, "NGN", got["currency"])
}

func TestInitiateTransfer_SendsMinorUnitsAndReference(t *testing.T) {
	var got struct {
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
		Recipient string `json:"recipient"`
		Source    string `json:"source"`
	}
	p, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  true,
			"message": "Transfer has been queued",
			"data":    map[string]any{"transfer_code": "TRF_1", "reference": got.Reference, "status": "pending"},
		})
	})

	tr, err := p.InitiateTransfer(context.Background(), TransferRequest{
		AmountMinor: 5_000_000, RecipientCode: "RCP_abc", Reference: "po_ref_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "TRF_1", tr.TransferCode)
	assert.Equal(t, "po_ref_1", tr.Reference)
	assert.Equal(t, int64(5_000_000), got.Amount)
	assert.Equal(t, "RCP_abc", got.Recipient)
	assert.Equal(t, "balance", got.Source)
}

func TestInitiateTransfer_RejectionIsNotRetried(t *testing.T) {
	p, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": false, "message": "Your balance is not enough to fulfil this request"})
	})

	_, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.False(t, errors.Is(err, ErrProviderUnavailable))
	assert.Equal(t, "Your balance is not enough to fulfil this request", Reason(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestInitiateTransfer_StatusFalseIsRejection(t *testing.T) {
	p, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": false, "message": "Invalid recipient"})
	})
	_, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r1"})
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.Equal(t, "Invalid recipient", Reason(err))
}

func TestInitiateTransfer_RetriesServerErrors(t *testing.T) {
	var n int32
	p, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": true, "data": map[string]any{"transfer_code": "TRF_2"}})
	})

	tr, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r2"})
	require.NoError(t, err)
	assert.Equal(t, "TRF_2", tr.TransferCode)
	assert.Equal(t, "r2", tr.Reference)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestInitiateTransfer_Unavailable(t *testing.T) {
	p, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r3"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestInitiateTransfer_Timeout(t *testing.T) {
	p, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"status": true})
	}, WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}), WithRetry(retry.Policy{Attempts: 1}))

	_, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r4"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestInitiateTransfer_AmbiguousBodyIsUnavailable(t *testing.T) {
	p, _ := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>proxy error</html>"))
	}, WithRetry(retry.Policy{Attempts: 1}))

	_, err := p.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r5"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCircuitOpensOnRepeatedFailures(t *testing.T) {
	p, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, WithRetry(retry.Policy{Attempts: 1}), WithBreaker(circuitbreaker.New(2, time.Minute)))

	req := TransferRequest{AmountMinor: 100, RecipientCode: "RCP", Reference: "r6"}
	for i := 0; i < 2; i++ {
		_, err := p.InitiateTransfer(context.Background(), req)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}
	_, err := p.InitiateTransfer(context.Background(), req)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls), "open circuit short-circuits")

	// recipients use a separate circuit
	_, err = p.CreateRecipient(context.Background(), RecipientRequest{Name: "x", AccountNumber: "0123456789", BankCode: "058"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestRejectionsDoNotOpenCircuit(t *testing.T) {
	p, calls := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": false, "message": "Account number is invalid"})
	}, WithBreaker(circuitbreaker.New(1, time.Minute)))

	for i := 0; i < 3; i++ {
		_, err := p.CreateRecipient(context.Background(), RecipientRequest{Name: "x", AccountNumber: "1", BankCode: "058"})
		assert.ErrorIs(t, err, ErrProviderRejected)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestFake_ReplaysReference(t *testing.T) {
	f := NewFake()
	a, err := f.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 1, Reference: "same"})
	require.NoError(t, err)
	b, err := f.InitiateTransfer(context.Background(), TransferRequest{AmountMinor: 1, Reference: "same"})
	require.NoError(t, err)
	assert.Equal(t, a.TransferCode, b.TransferCode)
	assert.Equal(t, 1, f.TransferCount())
}
