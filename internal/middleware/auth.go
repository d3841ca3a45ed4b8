package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agenthub/internal/auth"
)

const (
	namespaceContextKey = "namespace"
	userIDContextKey    = "userID"
)

func NamespaceFromContext(c *gin.Context) (string, bool) {
	value := c.GetString(namespaceContextKey)
	return value, value != ""
}

// UserIDFromContext returns the user id for JWT-authenticated requests. CLI
// token requests carry no user; they get id 0.
func UserIDFromContext(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}

type AuthConfig struct {
	TokenConfig auth.TokenConfig
	CLIToken    string
}

// RequireAuth accepts either a web JWT or the CLI master token as the bearer
// credential. Both resolve to a namespace; everything downstream is scoped
// by it.
func RequireAuth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}
		token := parts[1]

		if claims, err := auth.VerifyToken(token, cfg.TokenConfig); err == nil {
			c.Set(namespaceContextKey, claims.Namespace)
			c.Set(userIDContextKey, claims.UserID)
			c.Next()
			return
		}

		if namespace, ok := auth.VerifyCLIToken(token, cfg.CLIToken); ok {
			c.Set(namespaceContextKey, namespace)
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		c.Abort()
	}
}
