package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/middleware"
	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/services"
)

// BatchInterface defines the interface for triggering batch forecast runs
type BatchInterface interface {
	BatchRun(ctx context.Context, triggeredBy string) (*models.ForecastRun, error)
}

// RunnerInterface defines the interface for inspecting the batch scheduler
type RunnerInterface interface {
	Status() services.RunnerStatus
	IsRunning() bool
}

// BatchHandler handles admin batch-run endpoints
type BatchHandler struct {
	svc    BatchInterface
	runner RunnerInterface
	logger *logrus.Logger
}

// NewBatchHandler creates a new batch handler
func NewBatchHandler(svc BatchInterface, runner RunnerInterface, logger *logrus.Logger) *BatchHandler {
	return &BatchHandler{
		svc:    svc,
		runner: runner,
		logger: logger,
	}
}

// TriggerBatchRun runs a full catalog sweep synchronously and reports the
// completed run row. Concurrent triggers coalesce inside the service.
func (h *BatchHandler) TriggerBatchRun(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Forecast service is not available"})
		return
	}

	run, err := h.svc.BatchRun(c.Request.Context(), services.TriggerAdmin)
	if err != nil {
		middleware.RecordError(c, err, "batch run failed")
		h.logger.WithError(err).Error("Admin-triggered batch run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Batch run failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Batch run completed",
		"run":     run,
	})
}

// GetRunnerStatus reports the scheduler's interval, last run and health.
func (h *BatchHandler) GetRunnerStatus(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Batch runner is not available"})
		return
	}

	c.JSON(http.StatusOK, h.runner.Status())
}
