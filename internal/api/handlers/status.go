package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/hydrarelay/internal/api/models"
)

// Status returns the manager's full diagnostic snapshot: every service with
// its relay counters and backend pool state, plus DNS cache statistics.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// Events returns persisted failover events, newest first. Supports
// ?service=<name> and ?limit=<n>.
func (h *Handler) Events(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "event history not enabled"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	evs, err := h.store.ListEvents(c.Request.Context(), c.Query("service"), limit)
	if err != nil {
		h.logger.Error("failed to list events", "err", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}
