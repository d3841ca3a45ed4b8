package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agenthub/internal/middleware"
	"agenthub/internal/model"
	"agenthub/internal/store"
)

// PrefsHandler serves per-user session ordering preferences. Reads always
// succeed: a user who never wrote one gets the default shape at version 1.
type PrefsHandler struct {
	Store *store.Store
}

func prefPayload(p model.SessionSortPreference) gin.H {
	return gin.H{
		"sortMode":    p.SortMode,
		"manualOrder": p.ManualOrder,
		"version":     p.Version,
		"updatedAt":   p.UpdatedAt,
	}
}

func (h *PrefsHandler) GetSessionSort(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	pref, err := h.Store.GetSortPreference(middleware.UserIDFromContext(c), namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, prefPayload(pref))
}

type updateSortBody struct {
	ExpectedVersion int64              `json:"expectedVersion"`
	SortMode        string             `json:"sortMode"`
	ManualOrder     *model.ManualOrder `json:"manualOrder"`
}

func (h *PrefsHandler) UpdateSessionSort(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body updateSortBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.SortMode != "auto" && body.SortMode != "manual" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sort mode"})
		return
	}
	order := model.ManualOrder{GroupOrder: []string{}, SessionOrder: map[string][]string{}}
	if body.ManualOrder != nil {
		order = *body.ManualOrder
	}

	res, err := h.Store.UpdateSortPreference(
		middleware.UserIDFromContext(c), namespace, body.ExpectedVersion, body.SortMode, order)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":  string(res.Outcome),
		"version": res.Version,
		"value":   prefPayload(res.Value),
	})
}
