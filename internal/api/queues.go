package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"labtasker/internal/apierr"
	"labtasker/internal/models"
)

func (s *Server) checkPassword(password string) error {
	if len(password) < s.opts.MinPasswordLength {
		return apierr.Unprocessable("password must be at least %d characters", s.opts.MinPasswordLength)
	}
	return nil
}

func (s *Server) handleQueueCreate(c *gin.Context) {
	var req models.QueueCreateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.checkPassword(req.Password); err != nil {
		s.abortWithError(c, err)
		return
	}
	queueID, err := s.engine.CreateQueue(c.Request.Context(), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.QueueCreateResponse{QueueID: queueID})
}

func (s *Server) handleQueueGet(c *gin.Context) {
	c.JSON(http.StatusOK, queueFrom(c))
}

func (s *Server) handleQueueUpdate(c *gin.Context) {
	var req models.QueueUpdateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if req.NewPassword != "" {
		if err := s.checkPassword(req.NewPassword); err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	q, err := s.engine.UpdateQueue(c.Request.Context(), queueFrom(c).QueueID, req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleQueueDelete(c *gin.Context) {
	cascade := false
	if raw := c.Query("cascade_delete"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.abortWithError(c, apierr.BadRequest("invalid cascade_delete %q", raw))
			return
		}
		cascade = parsed
	}
	if err := s.engine.DeleteQueue(c.Request.Context(), queueFrom(c).QueueID, cascade); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
