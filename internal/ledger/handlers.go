package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/money"
)

// Handler exposes read-only ledger views.
type Handler struct {
	store Store
}

// NewHandler creates a new ledger handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up seller-facing ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/me/ledger", h.MyEntries)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/orders/:id/ledger", h.OrderEntries)
	r.GET("/admin/platform/ledger", h.PlatformEntries)
}

// MyEntries handles GET /sellers/me/ledger
func (h *Handler) MyEntries(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	h.respondAccount(c, AccountSeller, actor.ID, limit)
}

// PlatformEntries handles GET /admin/platform/ledger
func (h *Handler) PlatformEntries(c *gin.Context) {
	h.respondAccount(c, AccountPlatform, PlatformAccount, 100)
}

func (h *Handler) respondAccount(c *gin.Context, accountType AccountType, accountID string, limit int) {
	ctx := c.Request.Context()
	entries, err := h.store.ListByAccount(ctx, accountType, accountID, limit)
	if err != nil {
		logging.L(ctx).Error("list ledger entries failed", "account", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load ledger"})
		return
	}
	sum, err := h.store.Sum(ctx, accountType, accountID)
	if err != nil {
		logging.L(ctx).Error("sum ledger entries failed", "account", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": nonNil(entries), "total": money.Format(sum), "count": len(entries)})
}

// OrderEntries handles GET /admin/orders/:id/ledger
func (h *Handler) OrderEntries(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")
	entries, err := h.store.ListByOrder(ctx, orderID)
	if err != nil {
		logging.L(ctx).Error("list order ledger failed", "order_id", orderID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "entries": nonNil(entries), "total": money.Format(Total(entries))})
}

func nonNil(entries []*Entry) []*Entry {
	if entries == nil {
		return []*Entry{}
	}
	return entries
}

