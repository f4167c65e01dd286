package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"labtasker/internal/doc"
	"labtasker/internal/filter"
)

// Raw collection endpoints. Only reachable when the server allows unsafe
// behavior; the storage engine enforces the gate.

type collectionQueryRequest struct {
	Collection string        `json:"collection" binding:"required"`
	Query      filter.Filter `json:"query,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Offset     int           `json:"offset,omitempty"`
}

type collectionUpdateRequest struct {
	Collection string        `json:"collection" binding:"required"`
	Query      filter.Filter `json:"query,omitempty"`
	Update     doc.Doc       `json:"update" binding:"required"`
}

func (s *Server) handleCollectionQuery(c *gin.Context) {
	var req collectionQueryRequest
	if !s.bindJSON(c, &req) {
		return
	}
	docs, err := s.engine.QueryCollection(c.Request.Context(), queueFrom(c).QueueID,
		req.Collection, req.Query, req.Limit, req.Offset)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": len(docs) > 0, "content": docs})
}

func (s *Server) handleCollectionUpdate(c *gin.Context) {
	var req collectionUpdateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	updated, err := s.engine.UpdateCollection(c.Request.Context(), queueFrom(c).QueueID,
		req.Collection, req.Query, req.Update)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
