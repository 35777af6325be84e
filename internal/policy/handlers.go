package policy

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/money"
)

// Handler exposes the policy to admins.
type Handler struct {
	provider *Provider
}

func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

// RegisterAdminRoutes sets up admin policy routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/policy", h.Get)
	r.PUT("/admin/policy", h.Update)
}

type policyResponse struct {
	CommissionRate  string `json:"commissionRate"`
	MinimumPayout   string `json:"minimumPayoutAmount"`
	AutoReleaseDays int    `json:"autoReleaseDays"`
	UpdatedBy       string `json:"updatedBy,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
}

func toResponse(p Policy) policyResponse {
	resp := policyResponse{
		CommissionRate:  p.CommissionRate.String(),
		MinimumPayout:   money.Format(p.MinimumPayout),
		AutoReleaseDays: p.AutoReleaseDays,
		UpdatedBy:       p.UpdatedBy,
	}
	if !p.UpdatedAt.IsZero() {
		resp.UpdatedAt = p.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

// Get handles GET /admin/policy
func (h *Handler) Get(c *gin.Context) {
	p, err := h.provider.Get(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("load policy failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": toResponse(p)})
}

// Update handles PUT /admin/policy
func (h *Handler) Update(c *gin.Context) {
	var change Change
	if err := c.ShouldBindJSON(&change); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	actor, _ := auth.GetActor(c)

	p, err := h.provider.Update(c.Request.Context(), change, actor.ID)
	if err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("update policy failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update policy"})
		return
	}
	logging.L(c.Request.Context()).Info("commission policy updated",
		"commission_rate", p.CommissionRate.String(),
		"minimum_payout", money.Format(p.MinimumPayout),
		"auto_release_days", p.AutoReleaseDays)
	c.JSON(http.StatusOK, gin.H{"policy": toResponse(p)})
}
