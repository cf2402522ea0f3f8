package reconciliation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the operator endpoints for the dead-letter queue.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the endpoints on an admin-protected group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/refunds/failed", h.listFailed)
	r.POST("/refunds/:id/retry", h.retryOne)
}

func (h *Handler) listFailed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	pending, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list pending refunds",
		})
		return
	}
	if pending == nil {
		pending = []*FailedRefund{}
	}

	c.JSON(http.StatusOK, gin.H{
		"refunds": pending,
		"count":   len(pending),
	})
}

func (h *Handler) retryOne(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Refund id must be numeric",
		})
		return
	}

	fr, err := h.service.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such failed refund",
		})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusOK, gin.H{"refund": fr, "alreadyResolved": true})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "retry_failed",
			"message": "Refund could not be applied; it remains pending",
			"refund":  fr,
		})
	default:
		c.JSON(http.StatusOK, gin.H{"refund": fr})
	}
}
