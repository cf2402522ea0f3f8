package account

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for token introspection
type Handler struct {
	manager *Manager
}

// NewHandler creates a new account handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Validate confirms the presented bearer token and returns its user.
// Mounted behind RequireAuth, so reaching the handler means the token is good.
func (h *Handler) Validate(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"userId": user.ID,
		"email":  user.Email,
	})
}
