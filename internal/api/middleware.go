package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"labtasker/internal/models"
)

const queueContextKey = "labtasker.queue"

// authenticate resolves Basic auth credentials (queue name or id as the
// username) to the queue every /queues/me route operates on.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="labtasker"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "queue credentials required"})
			return
		}
		q, err := s.engine.Authenticate(c.Request.Context(), user, password)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.Set(queueContextKey, q)
		c.Next()
	}
}

// queueFrom returns the authenticated queue set by the middleware.
func queueFrom(c *gin.Context) *models.Queue {
	return c.MustGet(queueContextKey).(*models.Queue)
}
