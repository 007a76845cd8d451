package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/event"
)

const sseHeartbeat = 20 * time.Second

// streamExecution feeds one execution's lifecycle and fill events to the
// client as server-sent events. The subscription is dropped as soon as the
// client goes away.
func (s *Server) streamExecution(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.exec.GetExecution(c.Request.Context(), id); err != nil {
		s.writeExecError(c, err)
		return
	}

	execSub := s.bus.Subscribe(event.FamilyExecution, id)
	defer execSub.Cancel()
	tradeSub := s.bus.Subscribe(event.FamilyTrade, id)
	defer tradeSub.Cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-execSub.C:
			if !ok {
				return
			}
			if !writeSSE(c, ev) {
				return
			}
		case ev, ok := <-tradeSub.C:
			if !ok {
				return
			}
			if !writeSSE(c, ev) {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, ev event.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return true
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
