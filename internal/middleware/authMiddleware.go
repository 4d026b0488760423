package middleware

import (
	"net/http"
	"strings"

	"github.com/aman-churiwal/tier-gate/internal/models"
	"github.com/aman-churiwal/tier-gate/internal/service"
	"github.com/gin-gonic/gin"
)

const (
	userIDKey       = "user_id"
	emailKey        = "email"
	roleKey         = "role"
	walletKey       = "wallet"
	explicitTierKey = "explicit_tier"
)

type TokenValidator interface {
	ValidateToken(token string) (*service.Claims, error)
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setClaims(c *gin.Context, claims *service.Claims) {
	c.Set(userIDKey, claims.UserID)
	c.Set(emailKey, claims.Email)
	c.Set(roleKey, claims.Role)
	c.Set(walletKey, claims.Wallet)
	if claims.Tier != "" {
		c.Set(explicitTierKey, claims.Tier)
	}
}

// Authenticate attaches verified token claims when a bearer token is
// present. Anonymous requests and invalid tokens pass through without
// identity, so admission falls back to the client IP.
func Authenticate(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := auth.ValidateToken(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// Validates the bearer token and requires authentication
func RequireAuth(auth TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(roleKey); ok {
			c.Next()
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required. Use: Bearer <token>",
			})
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(roleKey)
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
		})
	}
}

// RequireAdmin admits console users of any role.
func RequireAdmin(auth TokenValidator) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		RequireAuth(auth),
		RequireRole(models.RoleAdmin, models.RoleOperator),
	}
}

// Wallet returns the caller identity attached by Authenticate.
func Wallet(c *gin.Context) string {
	if w := c.GetString(walletKey); w != "" {
		return w
	}
	return c.GetString(userIDKey)
}
