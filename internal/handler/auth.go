package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agenthub/internal/auth"
	"agenthub/internal/middleware"
	"agenthub/internal/store"
)

// AuthHandler exchanges a CLI master token plus an external identity for a
// namespace-scoped web JWT.
type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	CLIToken    string
	Limiter     *middleware.RateLimiter
}

type exchangeBody struct {
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platformUserId"`
}

func (h *AuthHandler) Exchange(c *gin.Context) {
	if h.Limiter != nil && !h.Limiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	namespace, ok := auth.VerifyCLIToken(parts[1], h.CLIToken)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body exchangeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Platform == "" || body.PlatformUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, err := h.Store.GetOrCreateUser(body.Platform, body.PlatformUserID, namespace)
	if errors.Is(err, store.ErrNamespaceConflict) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Identity bound to another namespace"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	token, err := auth.CreateToken(user.ID, namespace, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"id":        user.ID,
			"platform":  user.Platform,
			"namespace": user.Namespace,
			"createdAt": user.CreatedAt,
		},
	})
}
