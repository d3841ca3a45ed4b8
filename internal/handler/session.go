package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agenthub/internal/middleware"
	hubsync "agenthub/internal/sync"
)

type SessionHandler struct {
	Engine *hubsync.Engine
}

type createSessionBody struct {
	Tag        string         `json:"tag"`
	Metadata   map[string]any `json:"metadata"`
	AgentState any            `json:"agentState"`
}

func (h *SessionHandler) GetOrCreate(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sess, err := h.Engine.GetOrCreateSession(namespace, body.Tag, body.Metadata, body.AgentState)
	if err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": hubsync.SessionPayload(sess)})
}

func (h *SessionHandler) List(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions, err := h.Engine.ListSessions(namespace)
	if err != nil {
		writeAccessError(c, err, "session")
		return
	}
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, hubsync.SessionPayload(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Get(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess, err := h.Engine.ResolveSession(namespace, c.Param("id"))
	if err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": hubsync.SessionPayload(sess)})
}

// Messages serves a page of session history, newest window first, ascending
// inside the window.
func (h *SessionHandler) Messages(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}
	beforeSeq := int64(0)
	if raw := c.Query("beforeSeq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		beforeSeq = v
	}

	page, err := h.Engine.GetMessagesPage(namespace, sessionID, limit, beforeSeq)
	if err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, page)
}

type sendMessageBody struct {
	Text          string `json:"text"`
	Attachments   []any  `json:"attachments"`
	LocalID       string `json:"localId"`
	SentFrom      string `json:"sentFrom"`
	AllowInactive bool   `json:"allowInactive"`
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	msg, err := h.Engine.SendMessage(namespace, c.Param("id"), hubsync.SendMessageInput{
		Text:          body.Text,
		Attachments:   body.Attachments,
		LocalID:       body.LocalID,
		SentFrom:      body.SentFrom,
		AllowInactive: body.AllowInactive,
	})
	if err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"message": gin.H{
			"id":        msg.ID,
			"seq":       msg.Seq,
			"localId":   msg.LocalID,
			"content":   msg.Content,
			"createdAt": msg.CreatedAt,
		},
	})
}

type approvePermissionBody struct {
	Mode string `json:"mode"`
}

func (h *SessionHandler) ApprovePermission(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body approvePermissionBody
	_ = c.ShouldBindJSON(&body)

	if err := h.Engine.ApprovePermission(namespace, c.Param("id"), c.Param("requestId"), body.Mode); err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) DenyPermission(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Engine.DenyPermission(namespace, c.Param("id"), c.Param("requestId")); err != nil {
		writeAccessError(c, err, "session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
