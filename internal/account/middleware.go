package account

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUser is the key for storing the authenticated user in gin context
	ContextKeyUser = "authUser"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the bearer token from the request.
// Sets the user in context if valid; never rejects on its own.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "" {
			user, err := m.Authenticate(c.Request.Context(), token)
			if err == nil {
				c.Set(ContextKeyUser, user)
				c.Set(ContextKeyUserID, user.ID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUser); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer ct_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator endpoints. With a configured secret the
// X-Admin-Secret header must match; with no secret (demo mode) any
// authenticated user passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if _, exists := c.Get(ContextKeyUser); !exists {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required.",
				})
				return
			}
			c.Next()
			return
		}

		if c.GetHeader("X-Admin-Secret") != secret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user from context.
func CurrentUser(c *gin.Context) (*User, bool) {
	user, exists := c.Get(ContextKeyUser)
	if !exists {
		return nil, false
	}
	return user.(*User), true
}

// CurrentUserID returns the authenticated user's id, or 0.
func CurrentUserID(c *gin.Context) int64 {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return 0
	}
	return id.(int64)
}
