package sse

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

type writerSink struct {
	mu      sync.Mutex
	writer  gin.ResponseWriter
	flusher http.Flusher
}

func (w *writerSink) Send(event string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Handler streams events to one watcher until the request context ends. The
// namespace comes from the authenticated request; sessionId, machineId and
// all=true query params pick the filter.
func Handler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		namespace := c.GetString("namespace")
		if namespace == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming unsupported"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Writer.WriteHeader(http.StatusOK)
		flusher.Flush()

		filter := Filter{
			Namespace: namespace,
			SessionID: c.Query("sessionId"),
			MachineID: c.Query("machineId"),
			All:       c.Query("all") == "true",
		}
		sink := &writerSink{writer: c.Writer, flusher: flusher}
		unsubscribe := m.Subscribe(filter, sink)
		defer unsubscribe()

		<-c.Request.Context().Done()
	}
}
