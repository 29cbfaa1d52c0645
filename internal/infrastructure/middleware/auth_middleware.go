package middleware

import (
	"net/http"
	"strings"

	"anonstream/internal/core/ports"

	"github.com/gin-gonic/gin"
)

const ViewerKey = "viewer"

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid viewer token in the Authorization header.
func AuthMiddleware(authService ports.ViewerAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(ViewerKey, claims.Viewer)
		c.Next()
	}
}

// OptionalAuthMiddleware records the viewer when a valid token is present.
func OptionalAuthMiddleware(authService ports.ViewerAuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(c.Request.Context(), token); err == nil {
				c.Set(ViewerKey, claims.Viewer)
			}
		}
		c.Next()
	}
}
