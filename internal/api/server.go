// Package api exposes the queue service over HTTP. Routes are versioned
// under /api/v1; everything below /queues/me operates on the queue resolved
// from the caller's Basic auth credentials.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"labtasker/internal/apierr"
	"labtasker/internal/logging"
	"labtasker/internal/metrics"
	"labtasker/internal/models"
	"labtasker/internal/storage"
)

// Options tunes the HTTP surface.
type Options struct {
	// MinPasswordLength is enforced on queue creation and rotation.
	MinPasswordLength int
}

// Server wires the storage engine to the HTTP surface.
type Server struct {
	engine *storage.Engine
	opts   Options
	log    logging.Logger
	router *gin.Engine
}

// NewServer builds the router with all middleware and routes registered.
func NewServer(engine *storage.Engine, opts Options) *Server {
	s := &Server{
		engine: engine,
		opts:   opts,
		log:    logging.NewComponentLogger("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.POST("/queues", s.handleQueueCreate)

	me := v1.Group("/queues/me", s.authenticate())
	me.GET("", s.handleQueueGet)
	me.PUT("", s.handleQueueUpdate)
	me.DELETE("", s.handleQueueDelete)

	me.POST("/tasks", s.handleTaskSubmit)
	me.GET("/tasks", s.handleTaskLs)
	me.POST("/tasks/next", s.handleTaskFetch)
	me.GET("/tasks/:task_id", s.handleTaskGet)
	me.DELETE("/tasks/:task_id", s.handleTaskDelete)
	me.POST("/tasks/:task_id/status", s.handleTaskReport)
	me.POST("/tasks/:task_id/heartbeat", s.handleTaskHeartbeat)
	me.POST("/tasks/:task_id/reset", s.handleTaskReset)

	me.POST("/workers", s.handleWorkerCreate)
	me.GET("/workers", s.handleWorkerLs)
	me.GET("/workers/:worker_id", s.handleWorkerGet)
	me.DELETE("/workers/:worker_id", s.handleWorkerDelete)
	me.POST("/workers/:worker_id/status", s.handleWorkerReport)

	me.GET("/events", s.handleEvents)

	me.POST("/query", s.handleCollectionQuery)
	me.POST("/update", s.handleCollectionUpdate)

	s.router = r
	return s
}

// Handler returns the router as an http.Handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	resp := models.HealthResponse{Status: "healthy", Database: "connected"}
	code := http.StatusOK
	if err := s.engine.Ping(c.Request.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// abortWithError translates a service error into the JSON error envelope.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := apierr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apierr.MessageOf(err)})
}

// bindJSON decodes the request body, mapping malformed input to 400 and
// failed validation tags to 422.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		status := http.StatusBadRequest
		if c.Request.Body != nil && err.Error() != "EOF" {
			status = http.StatusUnprocessableEntity
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		s.log.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}
