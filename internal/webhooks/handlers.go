package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/pagination"
)

// SignatureHeader carries the gateway's HMAC of the raw body.
const SignatureHeader = "X-Paystack-Signature"

// Handler provides the inbound gateway endpoint.
type Handler struct {
	processor *Processor
	store     Store
}

// NewHandler creates a new webhook handler. store may be nil, in which case
// the admin listing is not registered.
func NewHandler(processor *Processor, store Store) *Handler {
	return &Handler{processor: processor, store: store}
}

// RegisterRoutes sets up the gateway callback. It must not sit behind
// actor authentication.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/paystack", h.Paystack)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	if h.store != nil {
		r.GET("/admin/failed-payments", h.ListFailedPayments)
	}
}

// Paystack handles POST /webhooks/paystack
func (h *Handler) Paystack(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read request body"})
		return
	}

	log := logging.L(c.Request.Context())
	res, err := h.processor.Process(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidSignature):
		log.Warn("webhook signature rejected", "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature verification failed"})
		return
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrMalformedEvent):
		log.Info("webhook acknowledged without processing", "event", res.Event, "error", err)
	default:
		log.Error("webhook processing failed", "event", res.Event, "reference", res.Reference, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process webhook event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": res.Outcome})
}

// ListFailedPayments handles GET /admin/failed-payments
func (h *Handler) ListFailedPayments(c *gin.Context) {
	var (
		items []*FailedPayment
		err   error
	)
	if ref := c.Query("reference"); ref != "" {
		items, err = h.store.ListByReference(c.Request.Context(), ref)
	} else {
		items, err = h.store.List(c.Request.Context(), pagination.Limit(c))
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list failed payments", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list failed payments"})
		return
	}
	if items == nil {
		items = []*FailedPayment{}
	}
	c.JSON(http.StatusOK, gin.H{"failedPayments": items, "count": len(items)})
}
