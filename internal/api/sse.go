package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"labtasker/internal/models"
)

const ssePingInterval = 15 * time.Second

// handleEvents streams the queue's state transitions over Server-Sent
// Events. Delivery is best-effort: each subscriber tracks the last sequence
// it saw, so every published event reaches a connected client at most once
// and in order.
func (s *Server) handleEvents(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	queueID := queueFrom(c).QueueID
	clientID := uuid.NewString()
	s.log.Info("event stream opened for queue %s (client %s)", queueID, clientID)

	sub := models.EventSubscriptionResponse{Status: "connected", ClientID: clientID}
	if !s.writeSSE(w, flusher, "connection", sub) {
		return
	}

	bus := s.engine.Bus()
	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	var lastSeen uint64
	for {
		// Drain anything newer than the last delivered sequence before
		// blocking again.
		if cur := bus.Current(queueID); cur != nil && cur.Sequence > lastSeen {
			resp := models.EventResponse{
				Sequence:  cur.Sequence,
				Timestamp: cur.Timestamp,
				Event:     cur.Event,
			}
			if !s.writeSSE(w, flusher, "event", resp) {
				return
			}
			lastSeen = cur.Sequence
		}

		select {
		case <-bus.Notify(queueID):
		case <-ticker.C:
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				s.log.Debug("event stream ping failed for client %s: %v", clientID, err)
				return
			}
			flusher.Flush()
		case <-c.Request.Context().Done():
			s.log.Info("event stream closed for queue %s (client %s)", queueID, clientID)
			return
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("serialize %s frame: %v", event, err)
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
