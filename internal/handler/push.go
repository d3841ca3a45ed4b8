package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"agenthub/internal/middleware"
	"agenthub/internal/store"
)

type PushHandler struct {
	Store *store.Store
}

type pushSubscriptionBody struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body pushSubscriptionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sub, err := h.Store.AddPushSubscription(namespace, body.Endpoint, body.Keys.P256dh, body.Keys.Auth)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": gin.H{
		"id":        sub.ID,
		"endpoint":  sub.Endpoint,
		"createdAt": sub.CreatedAt,
	}})
}

func (h *PushHandler) List(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	subs, err := h.Store.ListPushSubscriptions(namespace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	resp := make([]gin.H, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, gin.H{
			"id":        sub.ID,
			"endpoint":  sub.Endpoint,
			"createdAt": sub.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": resp})
}

type unsubscribeBody struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body unsubscribeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.Store.DeletePushSubscription(namespace, body.Endpoint); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
