package httpapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// sseWriter wraps a gin.Context for writing Server-Sent Events, flushing
// after every write so a slow consumer doesn't buffer behind proxies.
type sseWriter struct {
	c *gin.Context
}

func newSSEWriter(c *gin.Context) *sseWriter {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(200)
	return &sseWriter{c: c}
}

// writeEvent writes one SSE frame and flushes it immediately.
func (w *sseWriter) writeEvent(event string, data []byte) bool {
	if _, err := fmt.Fprintf(w.c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	w.c.Writer.Flush()
	return true
}
