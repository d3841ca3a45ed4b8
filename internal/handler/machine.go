package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agenthub/internal/middleware"
	hubsync "agenthub/internal/sync"
)

type MachineHandler struct {
	Engine *hubsync.Engine
}

type upsertMachineBody struct {
	ID       string `json:"id"`
	Metadata any    `json:"metadata"`
}

func (h *MachineHandler) Upsert(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body upsertMachineBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	m, err := h.Engine.GetOrCreateMachine(namespace, body.ID, body.Metadata)
	if err != nil {
		writeAccessError(c, err, "machine")
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": hubsync.MachinePayload(m)})
}

func (h *MachineHandler) List(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines, err := h.Engine.ListMachines(namespace)
	if err != nil {
		writeAccessError(c, err, "machine")
		return
	}
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, hubsync.MachinePayload(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

func (h *MachineHandler) Get(c *gin.Context) {
	namespace, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	m, err := h.Engine.ResolveMachine(namespace, c.Param("id"))
	if err != nil {
		writeAccessError(c, err, "machine")
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": hubsync.MachinePayload(m)})
}
