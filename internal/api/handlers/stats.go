package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/demandcast/demandcast-go/internal/services"
)

// ReportInterface defines the interface for cache reporting operations
type ReportInterface interface {
	Report(ctx context.Context) *services.CacheReport
}

// StatsHandler handles cache and registry monitoring endpoints
type StatsHandler struct {
	reporter ReportInterface
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(reporter ReportInterface) *StatsHandler {
	return &StatsHandler{
		reporter: reporter,
	}
}

// GetCacheStats returns hit/miss statistics for the forecast cache, the
// quarantine cache and the in-memory model registry
// @Summary Get cache statistics
// @Description Get hit/miss statistics for the forecast cache, quarantine cache and model registry
// @Tags cache
// @Produce json
// @Success 200 {object} services.CacheReport
// @Router /api/v1/cache/stats [get]
func (h *StatsHandler) GetCacheStats(c *gin.Context) {
	if h.reporter == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Stats reporter is not available",
		})
		return
	}

	report := h.reporter.Report(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    report,
	})
}
