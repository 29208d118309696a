package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/chatwithllms/chatstream/internal/logger"
)

// UserKey is the gin context key holding the authenticated user identity.
const UserKey = "user_id"

// Middleware guards routes with bearer token validation.
type Middleware struct {
	issuer *Issuer
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(issuer *Issuer) *Middleware {
	return &Middleware{issuer: issuer}
}

// RequireAuth validates the bearer token and attaches the user identity to
// the gin context and the request context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authorization header is required"})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Authorization header must be a Bearer token"})
			c.Abort()
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Bearer token is empty"})
			c.Abort()
			return
		}

		userID, err := m.issuer.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(UserKey, userID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// UserID returns the authenticated user attached by RequireAuth.
func UserID(c *gin.Context) string {
	return c.GetString(UserKey)
}
