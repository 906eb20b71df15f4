package dispatch

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/hub"
)

// streamSubscription writes hub results to the client as SSE until
// the subscription closes (final chunk) or the client disconnects.
func (s *Server) streamSubscription(c *gin.Context, sub *hub.Subscription, cancel func()) {
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case result, ok := <-sub.Ch():
			if !ok {
				return false
			}
			writeSSE(c, result)
			return true
		}
	})
}

func writeSSE(c *gin.Context, result envelope.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.Writer.WriteString("event: " + result.Event + "\n")
	c.Writer.WriteString("data: " + string(data) + "\n\n")
	c.Writer.Flush()
}

func (s *Server) streamJob(c *gin.Context) {
	jobID := c.Param("job_id")
	sub, cancel := s.hub.Subscribe(jobID)
	s.streamSubscription(c, sub, cancel)
}

func (s *Server) streamSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	sub, cancel := s.hub.Subscribe(sessionID)
	s.streamSubscription(c, sub, cancel)
}
