package orders

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/notify"
	"github.com/mbd888/settlement/internal/pagination"
	"github.com/mbd888/settlement/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service  *Service
	messages notify.Store
}

// NewHandler creates a new order handler. messages may be nil, in which
// case the chat history route is not registered.
func NewHandler(service *Service, messages notify.Store) *Handler {
	return &Handler{service: service, messages: messages}
}

// RegisterInternalRoutes sets up routes for the checkout collaborator.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/internal/orders", h.CreateOrder)
}

// RegisterRoutes sets up routes for authenticated customers and sellers.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/sent", auth.RequireRole(auth.RoleSeller, auth.RoleAdmin), h.MarkSent)
	r.POST("/orders/:id/received", auth.RequireRole(auth.RoleCustomer, auth.RoleAdmin), h.MarkReceived)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.POST("/orders/:id/disputes", auth.RequireRole(auth.RoleCustomer, auth.RoleAdmin), h.OpenDispute)
	if h.messages != nil {
		r.GET("/orders/:id/messages", h.ListMessages)
	}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/orders/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/admin/sweeps/auto-release", h.SweepAutoRelease)
}

// CreateOrder handles POST /internal/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("total", req.Total),
		validation.MaxLength("paymentReference", req.PaymentReference, 100),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to create order")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, err, "Failed to get order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListOrders handles GET /orders
func (h *Handler) ListOrders(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	items, err := h.service.List(c.Request.Context(), actor, pagination.Limit(c))
	if err != nil {
		h.fail(c, err, "Failed to list orders")
		return
	}
	if items == nil {
		items = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": items, "count": len(items)})
}

type photoRequest struct {
	PhotoURL string `json:"photoUrl"`
}

// bindPhoto accepts an empty body.
func bindPhoto(c *gin.Context) (photoRequest, bool) {
	var req photoRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return req, false
		}
	}
	if errs := validation.Validate(validation.ValidURL("photoUrl", req.PhotoURL)); len(errs) > 0 {
		validation.Abort(c, errs)
		return req, false
	}
	return req, true
}

// MarkSent handles POST /orders/:id/sent
func (h *Handler) MarkSent(c *gin.Context) {
	req, ok := bindPhoto(c)
	if !ok {
		return
	}
	actor, _ := auth.GetActor(c)
	o, err := h.service.MarkSent(c.Request.Context(), c.Param("id"), actor, req.PhotoURL)
	if err != nil {
		h.fail(c, err, "Failed to mark order sent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// MarkReceived handles POST /orders/:id/received
func (h *Handler) MarkReceived(c *gin.Context) {
	req, ok := bindPhoto(c)
	if !ok {
		return
	}
	actor, _ := auth.GetActor(c)
	o, err := h.service.MarkReceived(c.Request.Context(), c.Param("id"), actor, req.PhotoURL)
	if err != nil {
		h.fail(c, err, "Failed to confirm receipt")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// CancelOrder handles POST /orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	actor, _ := auth.GetActor(c)
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor, reason)
	if err != nil {
		h.fail(c, err, "Failed to cancel order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// OpenDispute handles POST /orders/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	checks := []func() *validation.ValidationError{
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	}
	for _, p := range req.Photos {
		checks = append(checks, validation.ValidURL("photos", p))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	actor, _ := auth.GetActor(c)
	o, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		h.fail(c, err, "Failed to open dispute")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o, "dispute": o.Dispute})
}

// ResolveDispute handles POST /admin/orders/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	actor, _ := auth.GetActor(c)
	o, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		h.fail(c, err, "Failed to resolve dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// SweepAutoRelease handles POST /admin/sweeps/auto-release
func (h *Handler) SweepAutoRelease(c *gin.Context) {
	res, err := h.service.SweepAutoRelease(c.Request.Context(), time.Now().UTC())
	if err != nil {
		h.fail(c, err, "Auto-release sweep failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ListMessages handles GET /orders/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.fail(c, err, "Failed to get order")
		return
	}
	items, err := h.messages.ListMessages(c.Request.Context(), o.ID)
	if err != nil {
		h.fail(c, err, "Failed to load messages")
		return
	}
	if items == nil {
		items = []*notify.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": items, "count": len(items)})
}

func (h *Handler) fail(c *gin.Context, err error, fallback string) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error(fallback, "order_id", c.Param("id"), "error", err)
		c.JSON(status, gin.H{"error": code, "message": fallback})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// statusFor maps service errors to HTTP status and error code. Order
// matters: ErrUnauthorized wraps ErrInvalidTransition.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrDisputeOpen):
		return http.StatusConflict, "dispute_open"
	case errors.Is(err, ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
