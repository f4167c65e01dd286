package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"labtasker/internal/apierr"
	"labtasker/internal/filter"
	"labtasker/internal/models"
)

func (s *Server) handleTaskSubmit(c *gin.Context) {
	var req models.TaskSubmitRequest
	if !s.bindJSON(c, &req) {
		return
	}
	taskID, err := s.engine.SubmitTask(c.Request.Context(), queueFrom(c).QueueID, req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.TaskSubmitResponse{TaskID: taskID})
}

// handleTaskLs lists tasks. Filters come in as query parameters: task_id and
// task_name match exactly, extra_filter is a JSON filter document.
func (s *Server) handleTaskLs(c *gin.Context) {
	f, limit, offset, err := listParams(c, "task_id", "task_name")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	tasks, err := s.engine.LsTasks(c.Request.Context(), queueFrom(c).QueueID, f, limit, offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.TaskLsResponse{Found: len(tasks) > 0, Content: tasks})
}

func (s *Server) handleTaskFetch(c *gin.Context) {
	var req models.TaskFetchRequest
	if !s.bindJSON(c, &req) {
		return
	}
	resp, err := s.engine.FetchTask(c.Request.Context(), queueFrom(c).QueueID, req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTaskGet(c *gin.Context) {
	t, err := s.engine.GetTask(c.Request.Context(), queueFrom(c).QueueID, c.Param("task_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskDelete(c *gin.Context) {
	if err := s.engine.DeleteTask(c.Request.Context(), queueFrom(c).QueueID, c.Param("task_id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTaskReport(c *gin.Context) {
	var req models.TaskStatusReportRequest
	if !s.bindJSON(c, &req) {
		return
	}
	t, err := s.engine.ReportTaskStatus(c.Request.Context(), queueFrom(c).QueueID, c.Param("task_id"), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleTaskHeartbeat(c *gin.Context) {
	err := s.engine.RefreshTaskHeartbeat(c.Request.Context(), queueFrom(c).QueueID, c.Param("task_id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTaskReset(c *gin.Context) {
	var req models.TaskResetRequest
	if !s.bindJSON(c, &req) {
		return
	}
	t, err := s.engine.ResetTask(c.Request.Context(), queueFrom(c).QueueID, c.Param("task_id"), req.Overrides)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// listParams builds the list filter from query parameters: the named keys
// become exact-match terms, extra_filter is decoded as a filter document and
// AND-combined with them.
func listParams(c *gin.Context, exactKeys ...string) (filter.Filter, int, int, error) {
	var terms []filter.Filter
	for _, key := range exactKeys {
		if v := c.Query(key); v != "" {
			terms = append(terms, filter.Filter{key: v})
		}
	}
	if raw := c.Query("extra_filter"); raw != "" {
		var extra filter.Filter
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, 0, 0, apierr.BadRequest("invalid extra_filter: %v", err)
		}
		terms = append(terms, extra)
	}

	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		return nil, 0, 0, err
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		return nil, 0, 0, err
	}
	return filter.And(terms...), limit, offset, nil
}

func intQuery(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierr.BadRequest("invalid %s: %q", key, raw)
	}
	return n, nil
}
