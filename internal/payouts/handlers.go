package payouts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/gateway"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for bank accounts and payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up seller routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	seller := r.Group("", auth.RequireRole(auth.RoleSeller))
	seller.PUT("/sellers/me/bank-account", h.RegisterBankAccount)
	seller.GET("/sellers/me/bank-account", h.GetBankAccount)
	seller.GET("/sellers/me/balance", h.GetBalance)
	seller.GET("/payouts", h.ListPayouts)
	seller.POST("/payouts", h.RequestPayout)

	r.GET("/payouts/:id", h.GetPayout)
	r.POST("/payouts/:id/cancel", h.CancelPayout)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/payouts/:id/process", h.ProcessPayout)
	r.GET("/admin/sellers/:id/balance", h.SellerBalance)
}

// RegisterBankAccount handles PUT /sellers/me/bank-account
func (h *Handler) RegisterBankAccount(c *gin.Context) {
	var req BankAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "accountName, accountNumber and bankCode are required"})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("accountName", req.AccountName, 200),
		validation.ValidAccountNumber("accountNumber", req.AccountNumber),
		validation.ValidBankCode("bankCode", req.BankCode),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	actor, _ := auth.GetActor(c)
	a, err := h.service.RegisterBankAccount(c.Request.Context(), actor, req)
	if err != nil {
		fail(c, err, "Failed to save bank account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"bankAccount": a})
}

// GetBankAccount handles GET /sellers/me/bank-account
func (h *Handler) GetBankAccount(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	a, err := h.service.GetBankAccount(c.Request.Context(), actor.ID)
	if err != nil {
		fail(c, err, "Failed to load bank account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"bankAccount": a})
}

// GetBalance handles GET /sellers/me/balance
func (h *Handler) GetBalance(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	bal, err := h.service.AvailableBalance(c.Request.Context(), actor.ID)
	if err != nil {
		fail(c, err, "Failed to compute balance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// SellerBalance handles GET /admin/sellers/:id/balance
func (h *Handler) SellerBalance(c *gin.Context) {
	bal, err := h.service.AvailableBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "Failed to compute balance")
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// RequestPayout handles POST /payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req struct {
		Amount string `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	actor, _ := auth.GetActor(c)
	p, err := h.service.RequestPayout(c.Request.Context(), actor, req.Amount)
	if err != nil {
		fail(c, err, "Failed to request payout")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p})
}

// ListPayouts handles GET /payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	items, err := h.service.List(c.Request.Context(), actor.ID, pagination.Limit(c))
	if err != nil {
		fail(c, err, "Failed to list payouts")
		return
	}
	if items == nil {
		items = []*Payout{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": items, "count": len(items)})
}

// GetPayout handles GET /payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		fail(c, err, "Failed to get payout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// CancelPayout handles POST /payouts/:id/cancel
func (h *Handler) CancelPayout(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.CancelPayout(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		fail(c, err, "Failed to cancel payout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ProcessPayout handles POST /admin/payouts/:id/process
func (h *Handler) ProcessPayout(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	p, err := h.service.ProcessPayout(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		fail(c, err, "Failed to process payout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout": p})
}

func fail(c *gin.Context, err error, fallback string) {
	status, code := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		logging.L(c.Request.Context()).Error(fallback, "payout_id", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": fallback})
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		logging.L(c.Request.Context()).Warn(fallback, "payout_id", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Transfer provider could not complete the request"})
	default:
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
	}
}

// statusFor maps service errors to HTTP status and error code. Order
// matters: ErrUnauthorized wraps ErrInvalidTransition.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPayoutNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNoBankAccount):
		return http.StatusNotFound, "no_bank_account"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrPendingPayoutExists):
		return http.StatusConflict, "payout_pending"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ErrBelowMinimum):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidBankAccount):
		return http.StatusBadRequest, "invalid_bank_account"
	case errors.Is(err, gateway.ErrProviderRejected):
		return http.StatusBadGateway, "provider_rejected"
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "provider_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
