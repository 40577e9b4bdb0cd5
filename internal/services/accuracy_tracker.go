package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/forecast"
	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/telemetry"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

const (
	// minRealizedDays is how many days must have elapsed before a stored
	// forecast is scored against actual sales.
	minRealizedDays = 3
	// priorLookback bounds how far back realized accuracy feeds the
	// dynamic-weight priors.
	priorLookback = 30 * 24 * time.Hour
)

// accuracyStore is the slice of the forecast repository the tracker needs.
type accuracyStore interface {
	LatestForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error)
	RecordAccuracy(ctx context.Context, key models.SeriesKey, modelLabel string, horizon int, metrics models.AccuracyMetrics, evaluatedAt time.Time) error
	ModelAccuracy(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error)
}

// demandReader exposes realized sales for the reconciliation join.
type demandReader interface {
	RealizedDemand(ctx context.Context, key models.SeriesKey, from, to time.Time) (map[time.Time]float64, error)
}

// AccuracyTracker joins stored forecasts with the sales that actually
// happened and persists per-model realized error. Those rows are the cross-run
// signal dynamic weighting consumes as priors on the next fit.
type AccuracyTracker struct {
	store  accuracyStore
	sales  demandReader
	logger *logrus.Logger
	tracer *telemetry.BusinessTracer
}

// NewAccuracyTracker creates an AccuracyTracker.
func NewAccuracyTracker(store accuracyStore, sales demandReader, logger *logrus.Logger) *AccuracyTracker {
	return &AccuracyTracker{
		store:  store,
		sales:  sales,
		logger: logger,
		tracer: telemetry.NewBusinessTracer(),
	}
}

// EvaluateSeries scores the most recent stored forecast for a series against
// realized demand and records the result under the forecast's model label.
// Returns nil metrics when there is no forecast yet or too few days have
// elapsed to judge it.
func (t *AccuracyTracker) EvaluateSeries(ctx context.Context, key models.SeriesKey, horizon int) (*models.AccuracyMetrics, error) {
	ctx, span := t.tracer.TraceAccuracyUpdate(ctx, key.String())
	defer span.End()

	fc, err := t.store.LatestForecast(ctx, key, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to load forecast for accuracy check: %w", err)
	}
	if fc == nil {
		return nil, nil
	}

	// Forecast step i covers the i-th day after generation.
	from := timeseries.Midnight(fc.GeneratedAt.UTC()).AddDate(0, 0, 1)
	to := from.AddDate(0, 0, len(fc.Points)-1)
	realized, err := t.sales.RealizedDemand(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load realized demand: %w", err)
	}

	// Days before today count as realized even when absent from the result
	// set: a missing sales row is a day with zero demand, not a future day.
	today := timeseries.Midnight(time.Now().UTC())
	var actual, predicted []float64
	for i, p := range fc.Points {
		day := from.AddDate(0, 0, i)
		if !day.Before(today) {
			break
		}
		actual = append(actual, realized[day])
		predicted = append(predicted, p)
	}

	if len(actual) < minRealizedDays {
		return nil, nil
	}

	metrics := forecast.Accuracy(actual, predicted)
	t.tracer.RecordAccuracyMetrics(span, metrics.MAE, metrics.RMSE, metrics.MAPE)

	if err := t.store.RecordAccuracy(ctx, key, fc.ModelLabel, horizon, metrics, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to record realized accuracy: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"series":        key.String(),
		"model_label":   fc.ModelLabel,
		"realized_days": len(actual),
		"mae":           metrics.MAE,
		"mape":          metrics.MAPE,
	}).Debug("Recorded realized forecast accuracy")

	return &metrics, nil
}

// EvaluateAll scores every series, logging and skipping per-series failures.
// Returns how many forecasts were actually scored.
func (t *AccuracyTracker) EvaluateAll(ctx context.Context, keys []models.SeriesKey, horizon int) int {
	evaluated := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		metrics, err := t.EvaluateSeries(ctx, key, horizon)
		if err != nil {
			t.logger.WithError(err).WithField("series", key.String()).
				Warn("Failed to evaluate forecast accuracy")
			continue
		}
		if metrics != nil {
			evaluated++
		}
	}
	return evaluated
}

// AccuracyPriors aggregates recent realized MAPE per model label across the
// given series. The result feeds the combiner so dynamic weights remember how
// each model family has actually been performing, not just the current fit.
// Lookup failures degrade to an empty map; priors are an optimization, never
// a reason to block a fit.
func (t *AccuracyTracker) AccuracyPriors(ctx context.Context, keys []models.SeriesKey) map[string]float64 {
	since := time.Now().UTC().Add(-priorLookback)
	sums := make(map[string]float64)
	counts := make(map[string]int)

	for _, key := range keys {
		history, err := t.store.ModelAccuracy(ctx, key, since)
		if err != nil {
			t.logger.WithError(err).WithField("series", key.String()).
				Debug("Failed to load accuracy history for priors")
			continue
		}
		for label, m := range history {
			if m.MAPE <= 0 {
				continue
			}
			sums[label] += m.MAPE
			counts[label]++
		}
	}

	priors := make(map[string]float64, len(sums))
	for label, sum := range sums {
		priors[label] = sum / float64(counts[label])
	}
	return priors
}

// History returns realized accuracy per model label recorded since the given
// time.
func (t *AccuracyTracker) History(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error) {
	return t.store.ModelAccuracy(ctx, key, since)
}

// RecordValidation persists the per-model validation metrics of a fresh fit
// so they join the accuracy history immediately, before any realized sales
// arrive. Failures are logged per model and do not fail the fit.
func (t *AccuracyTracker) RecordValidation(ctx context.Context, key models.SeriesKey, horizon int, validation map[string]models.AccuracyMetrics) {
	now := time.Now().UTC()
	for label, metrics := range validation {
		if err := t.store.RecordAccuracy(ctx, key, label, horizon, metrics, now); err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"series":      key.String(),
				"model_label": label,
			}).Warn("Failed to record validation accuracy")
		}
	}
}
