package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"labtasker/internal/models"
)

func (s *Server) handleWorkerCreate(c *gin.Context) {
	var req models.WorkerCreateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	workerID, err := s.engine.CreateWorker(c.Request.Context(), queueFrom(c).QueueID, req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.WorkerCreateResponse{WorkerID: workerID})
}

func (s *Server) handleWorkerLs(c *gin.Context) {
	f, limit, offset, err := listParams(c, "worker_id", "worker_name", "status")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	workers, err := s.engine.LsWorkers(c.Request.Context(), queueFrom(c).QueueID, f, limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.WorkerLsResponse{Found: len(workers) > 0, Content: workers})
}

func (s *Server) handleWorkerGet(c *gin.Context) {
	w, err := s.engine.GetWorker(c.Request.Context(), queueFrom(c).QueueID, c.Param("worker_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handleWorkerDelete(c *gin.Context) {
	if err := s.engine.DeleteWorker(c.Request.Context(), queueFrom(c).QueueID, c.Param("worker_id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWorkerReport(c *gin.Context) {
	var req models.WorkerStatusReportRequest
	if !s.bindJSON(c, &req) {
		return
	}
	w, err := s.engine.ReportWorkerStatus(c.Request.Context(), queueFrom(c).QueueID, c.Param("worker_id"), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}
