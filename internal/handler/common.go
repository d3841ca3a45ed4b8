// Package handler holds the gin handlers for the /v1 HTTP surface.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	hubsync "agenthub/internal/sync"
)

// writeAccessError maps domain failures onto the HTTP contract: missing
// namespace is 401, an id owned by another namespace is 403, a nonexistent
// id is 404, and an inactive session is 409.
func writeAccessError(c *gin.Context, err error, scope string) {
	switch {
	case errors.Is(err, hubsync.ErrNamespaceMissing):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Namespace required"})
	case errors.Is(err, hubsync.ErrAccessDenied):
		if scope == "machine" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Machine access denied"})
		} else {
			c.JSON(http.StatusForbidden, gin.H{"error": "Session access denied"})
		}
	case errors.Is(err, hubsync.ErrNotFound):
		if scope == "machine" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		} else {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		}
	case errors.Is(err, hubsync.ErrSessionInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Session is not active"})
	case errors.Is(err, hubsync.ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Permission request not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
