package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agenthub/internal/middleware"
	"agenthub/internal/store"
)

type UserHandler struct {
	Store *store.Store
}

// Me resolves the identity behind the JWT's uid claim. CLI-token requests
// carry no user and get a 404.
func (h *UserHandler) Me(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	userID := middleware.UserIDFromContext(c)
	if userID == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	user, err := h.Store.GetUser(userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && user.Namespace != namespace) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": gin.H{
		"id":        user.ID,
		"platform":  user.Platform,
		"namespace": user.Namespace,
		"createdAt": user.CreatedAt,
	}})
}
