package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/forecast"
	"github.com/demandcast/demandcast-go/internal/middleware"
	"github.com/demandcast/demandcast-go/internal/models"
)

// maxForecastHorizon caps how far ahead a single request may ask the
// ensemble to roll out.
const maxForecastHorizon = 90

// ForecastInterface defines the interface for forecast operations
type ForecastInterface interface {
	GetForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, bool, error)
	GenerateForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error)
	ModelWeights(ctx context.Context, key models.SeriesKey) (map[string]float64, string, error)
	AccuracyHistory(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error)
}

// ForecastHandler handles forecast read and recompute endpoints
type ForecastHandler struct {
	svc            ForecastInterface
	defaultHorizon int
	logger         *logrus.Logger
}

// NewForecastHandler creates a new forecast handler
func NewForecastHandler(svc ForecastInterface, defaultHorizon int, logger *logrus.Logger) *ForecastHandler {
	return &ForecastHandler{
		svc:            svc,
		defaultHorizon: defaultHorizon,
		logger:         logger,
	}
}

// ForecastResponse wraps a served forecast with its cache provenance.
type ForecastResponse struct {
	Forecast  *models.ForecastResult `json:"forecast"`
	Cached    bool                   `json:"cached"`
	Timestamp time.Time              `json:"timestamp"`
}

// AccuracyResponse reports realized accuracy per model label for one series.
type AccuracyResponse struct {
	Series models.SeriesKey                  `json:"series"`
	Since  time.Time                         `json:"since"`
	Models map[string]models.AccuracyMetrics `json:"models"`
}

// WeightsResponse reports the blend weights serving a series and their source,
// either the live fitted ensemble or the last completed batch run.
type WeightsResponse struct {
	Series  models.SeriesKey   `json:"series"`
	Source  string             `json:"source"`
	Weights map[string]float64 `json:"weights"`
}

// GetForecast serves the demand forecast for one product/store series,
// computing it on a cache and registry miss.
func (h *ForecastHandler) GetForecast(c *gin.Context) {
	key, ok := h.seriesFromPath(c)
	if !ok {
		return
	}
	horizon, ok := h.horizonFromQuery(c)
	if !ok {
		return
	}

	middleware.AddSpanAttribute(c, "forecast.series", key.String())
	middleware.AddSpanAttribute(c, "forecast.horizon", horizon)

	result, cached, err := h.svc.GetForecast(c.Request.Context(), key, horizon)
	if err != nil {
		h.respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, ForecastResponse{
		Forecast:  result,
		Cached:    cached,
		Timestamp: time.Now(),
	})
}

// GenerateForecast forces a fresh fit for one series, bypassing the cache
// and the model registry.
func (h *ForecastHandler) GenerateForecast(c *gin.Context) {
	var req models.ForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and store_id are required"})
		return
	}

	horizon := req.Horizon
	if horizon == 0 {
		horizon = h.defaultHorizon
	}
	if horizon < 1 || horizon > maxForecastHorizon {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("horizon must be between 1 and %d", maxForecastHorizon)})
		return
	}

	key := models.SeriesKey{ProductID: req.ProductID, StoreID: req.StoreID}
	middleware.AddSpanAttribute(c, "forecast.series", key.String())

	result, err := h.svc.GenerateForecast(c.Request.Context(), key, horizon)
	if err != nil {
		h.respondError(c, key, err)
		return
	}

	c.JSON(http.StatusOK, ForecastResponse{
		Forecast:  result,
		Cached:    false,
		Timestamp: time.Now(),
	})
}

// GetAccuracy returns the realized accuracy recorded for one series, keyed
// by model label.
func (h *ForecastHandler) GetAccuracy(c *gin.Context) {
	key, ok := h.seriesFromPath(c)
	if !ok {
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}
	since := time.Now().AddDate(0, 0, -days)

	history, err := h.svc.AccuracyHistory(c.Request.Context(), key, since)
	if err != nil {
		middleware.RecordError(c, err, "accuracy lookup failed")
		h.logger.WithError(err).WithField("series", key.String()).Error("Failed to load accuracy history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load accuracy history"})
		return
	}
	if len(history) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No accuracy recorded for series"})
		return
	}

	c.JSON(http.StatusOK, AccuracyResponse{
		Series: key,
		Since:  since,
		Models: history,
	})
}

// GetModelWeights reports which models are blended for a series and at what
// weight.
func (h *ForecastHandler) GetModelWeights(c *gin.Context) {
	key, ok := h.seriesFromPath(c)
	if !ok {
		return
	}

	weights, source, err := h.svc.ModelWeights(c.Request.Context(), key)
	if err != nil {
		middleware.RecordError(c, err, "weights lookup failed")
		h.logger.WithError(err).WithField("series", key.String()).Error("Failed to load model weights")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load model weights"})
		return
	}
	if weights == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No fitted ensemble or completed runs for series"})
		return
	}

	c.JSON(http.StatusOK, WeightsResponse{
		Series:  key,
		Source:  source,
		Weights: weights,
	})
}

// seriesFromPath builds the series key from the product/store path params,
// writing the 400 response itself when either is missing.
func (h *ForecastHandler) seriesFromPath(c *gin.Context) (models.SeriesKey, bool) {
	key := models.SeriesKey{
		ProductID: c.Param("product"),
		StoreID:   c.Param("store"),
	}
	if !key.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product and store are required"})
		return models.SeriesKey{}, false
	}
	return key, true
}

// horizonFromQuery parses the horizon query parameter, falling back to the
// configured default when absent.
func (h *ForecastHandler) horizonFromQuery(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("horizon", strconv.Itoa(h.defaultHorizon))
	horizon, err := strconv.Atoi(raw)
	if err != nil || horizon < 1 || horizon > maxForecastHorizon {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("horizon must be an integer between 1 and %d", maxForecastHorizon)})
		return 0, false
	}
	return horizon, true
}

// respondError maps pipeline errors onto HTTP statuses: series without enough
// history are a client problem, a full model wipeout is an upstream one.
func (h *ForecastHandler) respondError(c *gin.Context, key models.SeriesKey, err error) {
	var insufficientErr *forecast.InsufficientDataError
	var allFailedErr *forecast.AllModelsFailedError
	switch {
	case errors.As(err, &insufficientErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": insufficientErr.Error()})
	case errors.As(err, &allFailedErr):
		middleware.RecordError(c, err, "all models failed")
		h.logger.WithError(err).WithField("series", key.String()).Error("All forecast models failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "All forecast models failed for series"})
	default:
		middleware.RecordError(c, err, "forecast pipeline failure")
		h.logger.WithError(err).WithField("series", key.String()).Error("Forecast request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute forecast"})
	}
}
