package payouts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/gateway"
)

func setupRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware(""))
	h := NewHandler(f.svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1.Group("", auth.RequireActor()))
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAdmin("")))
	return r
}

func call(r http.Handler, method, path string, actor *auth.Actor, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(auth.HeaderActorID, actor.ID)
		req.Header.Set(auth.HeaderActorRole, string(actor.Role))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodePayout(t *testing.T, w *httptest.ResponseRecorder) *Payout {
	t.Helper()
	var body struct {
		Payout *Payout `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Payout)
	return body.Payout
}

func TestHandler_BankAccount(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := call(r, http.MethodGet, "/v1/sellers/me/bank-account", &seller, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodPut, "/v1/sellers/me/bank-account", &seller, BankAccountRequest{
		AccountName: "Ada Stores", AccountNumber: "01234", BankCode: "058",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")

	w = call(r, http.MethodPut, "/v1/sellers/me/bank-account", &seller, BankAccountRequest{
		AccountName: "Ada Stores", AccountNumber: "0123456789", BankCode: "058",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "recipientCode")

	w = call(r, http.MethodGet, "/v1/sellers/me/bank-account", &seller, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(r, http.MethodPut, "/v1/sellers/me/bank-account", &customer, BankAccountRequest{
		AccountName: "x", AccountNumber: "0123456789", BankCode: "058",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_PayoutFlow(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)

	w := call(r, http.MethodPost, "/v1/payouts", &seller, map[string]string{"amount": "60000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")

	w = call(r, http.MethodPost, "/v1/payouts", &seller, map[string]string{"amount": "500"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "below_minimum")

	w = call(r, http.MethodPost, "/v1/payouts", &seller, map[string]string{"amount": "20000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodePayout(t, w)
	assert.Equal(t, StatusPending, p.Status)

	w = call(r, http.MethodPost, "/v1/payouts", &seller, map[string]string{"amount": "1000"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(r, http.MethodGet, "/v1/sellers/me/balance", &seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance struct {
			Available string `json:"availableBalance"`
		} `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "30000", bal.Balance.Available)

	w = call(r, http.MethodPost, "/v1/admin/payouts/"+p.ID+"/process", &seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, "/v1/admin/payouts/"+p.ID+"/process", &admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusCompleted, decodePayout(t, w).Status)

	w = call(r, http.MethodGet, "/v1/payouts/"+p.ID, &seller, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = call(r, http.MethodGet, "/v1/payouts/"+p.ID, &other, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodGet, "/v1/payouts", &seller, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_ProviderErrors(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	f.provider.TransferErr = gateway.ErrProviderUnavailable
	w := call(r, http.MethodPost, "/v1/admin/payouts/"+p.ID+"/process", &admin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "provider_unavailable")

	f.provider.TransferErr = &gateway.RejectedError{StatusCode: 400, Reason: "internal provider detail"}
	w = call(r, http.MethodPost, "/v1/admin/payouts/"+p.ID+"/process", &admin, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "internal provider detail")
}

func TestHandler_CancelPayout(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	f.earn(t, seller.ID, "50000")
	f.bank(t, seller)
	p := f.requested(t, "20000")

	w := call(r, http.MethodPost, "/v1/payouts/"+p.ID+"/cancel", &other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, "/v1/payouts/"+p.ID+"/cancel", &seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCancelled, decodePayout(t, w).Status)

	w = call(r, http.MethodPost, "/v1/payouts/"+p.ID+"/cancel", &seller, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrPayoutNotFound, http.StatusNotFound},
		{ErrNoBankAccount, http.StatusNotFound},
		{ErrUnauthorized, http.StatusForbidden},
		{ErrPendingPayoutExists, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrInsufficientBalance, http.StatusBadRequest},
		{ErrBelowMinimum, http.StatusBadRequest},
		{gateway.ErrProviderRejected, http.StatusBadGateway},
		{gateway.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}
