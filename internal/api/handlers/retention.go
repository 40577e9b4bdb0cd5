package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RetentionInterface defines the interface for retention operations
type RetentionInterface interface {
	DataStats(ctx context.Context) (map[string]int64, error)
	Sweep(ctx context.Context) (int64, error)
}

// RetentionHandler handles retention-related HTTP requests
type RetentionHandler struct {
	retentionService RetentionInterface
}

// NewRetentionHandler creates a new retention handler
func NewRetentionHandler(retentionService RetentionInterface) *RetentionHandler {
	return &RetentionHandler{
		retentionService: retentionService,
	}
}

// DataStatsResponse reports per-table row counts for the forecasting store.
type DataStatsResponse struct {
	SalesCount      int64 `json:"sales_count"`
	ForecastCount   int64 `json:"forecast_count"`
	RunCount        int64 `json:"run_count"`
	AccuracyCount   int64 `json:"accuracy_count"`
	SnapshotCount   int64 `json:"snapshot_count"`
	QuarantineCount int64 `json:"quarantine_count"`
	TotalRecords    int64 `json:"total_records"`
}

func statsResponse(stats map[string]int64) DataStatsResponse {
	resp := DataStatsResponse{
		SalesCount:      stats["sales_daily"],
		ForecastCount:   stats["forecasts"],
		RunCount:        stats["forecast_runs"],
		AccuracyCount:   stats["forecast_accuracy"],
		SnapshotCount:   stats["model_snapshots"],
		QuarantineCount: stats["series_quarantine"],
	}
	for _, count := range stats {
		resp.TotalRecords += count
	}
	return resp
}

// GetDataStats returns statistics about data in the database
func (h *RetentionHandler) GetDataStats(c *gin.Context) {
	if h.retentionService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Retention service is not available",
		})
		return
	}

	stats, err := h.retentionService.DataStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to get data statistics",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Data statistics retrieved successfully",
		"stats":   statsResponse(stats),
	})
}

// TriggerSweep runs a retention sweep outside the scheduled window
func (h *RetentionHandler) TriggerSweep(c *gin.Context) {
	if h.retentionService == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Retention service is not available",
		})
		return
	}

	removed, err := h.retentionService.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to run retention sweep",
			"details": err.Error(),
		})
		return
	}

	stats, err := h.retentionService.DataStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Sweep completed but failed to get updated statistics",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Retention sweep completed successfully",
		"rows_removed": removed,
		"stats":        statsResponse(stats),
	})
}
