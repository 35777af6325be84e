package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlement/internal/auth"
	"github.com/mbd888/settlement/internal/logging"
)

// Handler lists the caller's notifications.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up notification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
}

// List handles GET /notifications
func (h *Handler) List(c *gin.Context) {
	actor, _ := auth.GetActor(c)
	items, err := h.store.ListNotifications(c.Request.Context(), actor.ID, 50)
	if err != nil {
		logging.L(c.Request.Context()).Error("list notifications failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load notifications"})
		return
	}
	if items == nil {
		items = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}
