package purchase

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the Stripe webhook endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the webhook route. No auth middleware: Stripe
// authenticates through the signature header.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Webhook)
}

// Webhook handles POST /v1/webhooks/stripe
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	receipt, err := h.service.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
		case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrMissingMetadata), errors.Is(err, ErrInvalidMetadata):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": err.Error(),
			})
		case errors.Is(err, ErrUnknownUser):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "user_not_found",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Webhook processing failed",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  receipt.Outcome,
	})
}
