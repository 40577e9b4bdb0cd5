// Package forecast implements the demand forecasting core: three base
// forecasters (seasonal, sequence, regression), ensemble weighting policies,
// and the combiner that blends base predictions into a single forecast with
// confidence intervals. Models are fitted per series and are not safe for
// concurrent mutation; the services layer isolates one combiner per series.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// ModelKind identifies a base forecaster family.
type ModelKind string

const (
	// KindSeasonal is the autoregressive seasonal model (SARIMA family).
	KindSeasonal ModelKind = "seasonal"
	// KindSequence is the recurrent sequence model trained on sliding windows.
	KindSequence ModelKind = "sequence"
	// KindRegression is the gradient-boosted regression model over engineered features.
	KindRegression ModelKind = "regression"
)

// MinObservations is the minimum series length any base forecaster accepts.
const MinObservations = 10

// DefaultConfidence is the confidence level used for prediction intervals.
const DefaultConfidence = 0.95

// BaseForecaster is the contract every base model implements. Fit trains on a
// frame, Predict produces point forecasts with interval bounds for a horizon,
// and Validate scores the model on a holdout without mutating the fitted state
// used for prediction.
type BaseForecaster interface {
	Kind() ModelKind
	Fit(ctx context.Context, frame *timeseries.Frame) error
	Predict(ctx context.Context, horizon int) (*models.ForecastResult, error)
	Validate(ctx context.Context, train, holdout *timeseries.Frame) (models.AccuracyMetrics, error)
}

// floorNonNegative clamps forecasts and bounds so that no value is below zero
// and the ordering lower <= point <= upper holds at every step. Demand cannot
// be negative however the underlying model extrapolates.
func floorNonNegative(point, lower, upper []float64) {
	for i := range point {
		if point[i] < 0 {
			point[i] = 0
		}
		if lower[i] < 0 {
			lower[i] = 0
		}
		if upper[i] < 0 {
			upper[i] = 0
		}
		if lower[i] > point[i] {
			lower[i] = point[i]
		}
		if upper[i] < point[i] {
			upper[i] = point[i]
		}
	}
}

// sanitizeForecast replaces NaN and infinite values with a fallback level.
// Optimizers can diverge on degenerate series; the caller decides whether a
// sanitized forecast is still acceptable.
func sanitizeForecast(values []float64, fallback float64) (replaced int) {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = fallback
			replaced++
		}
	}
	return replaced
}

// newResult assembles a ForecastResult for a series, applying the
// non-negativity floor and bound ordering before returning it.
func newResult(key models.SeriesKey, label string, point, lower, upper []float64) *models.ForecastResult {
	floorNonNegative(point, lower, upper)
	return &models.ForecastResult{
		Series:          key,
		Horizon:         len(point),
		Points:          point,
		Lower:           lower,
		Upper:           upper,
		ConfidenceLevel: DefaultConfidence,
		ModelLabel:      label,
		GeneratedAt:     time.Now().UTC(),
	}
}

// checkHorizon validates a prediction horizon.
func checkHorizon(horizon int) error {
	if horizon < 1 {
		return NewInvalidHorizonError(horizon)
	}
	return nil
}

// InvalidHorizonError indicates a non-positive forecast horizon.
type InvalidHorizonError struct {
	Horizon int
}

// Error returns the error message string.
func (e *InvalidHorizonError) Error() string {
	return fmt.Sprintf("forecast horizon must be at least 1, got %d", e.Horizon)
}

// NewInvalidHorizonError creates a new InvalidHorizonError.
func NewInvalidHorizonError(horizon int) error {
	return &InvalidHorizonError{Horizon: horizon}
}
