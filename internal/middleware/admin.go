package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminMiddleware provides admin authorization on top of JWT authentication
type AdminMiddleware struct {
	auth *AuthMiddleware
}

// NewAdminMiddleware creates a new admin authorization middleware
func NewAdminMiddleware(auth *AuthMiddleware) *AdminMiddleware {
	return &AdminMiddleware{
		auth: auth,
	}
}

// RequireAdminAuth middleware validates the bearer token and requires the
// admin role claim
func (am *AdminMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.Abort()
			return
		}

		claims, err := am.auth.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": "Valid token required for this endpoint",
			})
			c.Abort()
			return
		}

		if claims.Role != RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Admin role required for this endpoint",
			})
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// IsAdmin reports whether a token string carries the admin role.
func (am *AdminMiddleware) IsAdmin(tokenString string) bool {
	claims, err := am.auth.ValidateToken(tokenString)
	return err == nil && claims.Role == RoleAdmin
}
