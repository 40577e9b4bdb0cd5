package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BusinessTracer provides utilities for tracing forecasting business logic.
// It allows detailed tracking of domain-specific activities like ensemble
// fitting, batch runs and stockout checks.
type BusinessTracer struct {
	tracer trace.Tracer
}

// NewBusinessTracer creates a new instance of BusinessTracer.
//
// Returns:
//   - A pointer to an initialized BusinessTracer.
func NewBusinessTracer() *BusinessTracer {
	return &BusinessTracer{tracer: GetBusinessTracer()}
}

// TraceEnsembleFit starts a span for tracing the fit of the ensemble on one series.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - series: The canonical series key being fitted.
//   - enabledModels: The base model families enabled for the fit.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceEnsembleFit(ctx context.Context, series string, enabledModels []string) (context.Context, trace.Span) {
	ctx, span := bt.tracer.Start(ctx, "ensemble_fit")
	span.SetAttributes(
		StringAttribute("series", series),
		StringSliceAttribute("enabled_models", enabledModels),
	)
	return ctx, span
}

// RecordFitOutcome adds the outcome of an ensemble fit to an existing span.
//
// Parameters:
//   - span: The span to update.
//   - outcome: The fit outcome to record.
func (bt *BusinessTracer) RecordFitOutcome(span trace.Span, outcome FitOutcome) {
	span.SetAttributes(
		StringSliceAttribute("surviving_models", outcome.SurvivingModels),
		StringSliceAttribute("evicted_models", outcome.EvictedModels),
		Float64Attribute("validation_mae", outcome.ValidationMAE),
		Float64Attribute("validation_rmse", outcome.ValidationRMSE),
		Int64Attribute("fit_time_ms", outcome.FitTime.Milliseconds()),
	)
	if len(outcome.SurvivingModels) == 0 {
		span.SetStatus(codes.Error, "all base models failed")
	}
}

// TraceForecastGeneration starts a span for tracing one served forecast.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - series: The canonical series key being forecast.
//   - horizon: The number of steps requested.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceForecastGeneration(ctx context.Context, series string, horizon int) (context.Context, trace.Span) {
	ctx, span := bt.tracer.Start(ctx, "forecast_generation")
	span.SetAttributes(
		StringAttribute("series", series),
		Int64Attribute("horizon", int64(horizon)),
	)
	return ctx, span
}

// RecordForecastOutcome records the served forecast's provenance onto a span.
//
// Parameters:
//   - span: The span to update.
//   - outcome: The forecast outcome to record.
func (bt *BusinessTracer) RecordForecastOutcome(span trace.Span, outcome ForecastOutcome) {
	span.SetAttributes(
		StringAttribute("model_label", outcome.ModelLabel),
		BoolAttribute("degraded", outcome.Degraded),
		BoolAttribute("cache_hit", outcome.CacheHit),
		Float64Attribute("total_demand", outcome.TotalDemand),
	)
}

// TraceBatchRun starts a span for tracing a scheduled batch forecasting cycle.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - runID: The UUID of the batch run.
//   - seriesCount: The number of series scheduled in this run.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceBatchRun(ctx context.Context, runID string, seriesCount int) (context.Context, trace.Span) {
	ctx, span := bt.tracer.Start(ctx, "batch_run")
	span.SetAttributes(
		StringAttribute("run_id", runID),
		Int64Attribute("series_count", int64(seriesCount)),
	)
	return ctx, span
}

// RecordBatchMetrics records aggregate batch statistics onto a span.
//
// Parameters:
//   - span: The span to update.
//   - metrics: The batch metrics to record.
func (bt *BusinessTracer) RecordBatchMetrics(span trace.Span, metrics BatchMetrics) {
	span.SetAttributes(
		Int64Attribute("series_succeeded", int64(metrics.Succeeded)),
		Int64Attribute("series_failed", int64(metrics.Failed)),
		Int64Attribute("series_degraded", int64(metrics.Degraded)),
		Int64Attribute("batch_time_ms", metrics.BatchTime.Milliseconds()),
	)
	if metrics.Failed > 0 && metrics.Succeeded == 0 {
		span.SetStatus(codes.Error, "every series in the batch failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// TraceStockoutCheck starts a span for tracing a stockout risk evaluation.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - series: The canonical series key being evaluated.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceStockoutCheck(ctx context.Context, series string) (context.Context, trace.Span) {
	ctx, span := bt.tracer.Start(ctx, "stockout_check")
	span.SetAttributes(StringAttribute("series", series))
	return ctx, span
}

// RecordStockoutResult records the outcome of a stockout evaluation onto a span.
//
// Parameters:
//   - span: The span to update.
//   - alerted: Whether an alert was raised.
//   - riskRatio: The projected-demand to stock ratio that was evaluated.
//   - err: Any error that occurred while delivering the alert.
func (bt *BusinessTracer) RecordStockoutResult(span trace.Span, alerted bool, riskRatio float64, err error) {
	span.SetAttributes(
		BoolAttribute("alerted", alerted),
		Float64Attribute("risk_ratio", riskRatio),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

// TraceAccuracyUpdate starts a span for tracing a realized-accuracy reconciliation.
//
// Parameters:
//   - ctx: The context to attach the span to.
//   - series: The canonical series key being reconciled.
//
// Returns:
//   - A context containing the new span.
//   - The created span.
func (bt *BusinessTracer) TraceAccuracyUpdate(ctx context.Context, series string) (context.Context, trace.Span) {
	ctx, span := bt.tracer.Start(ctx, "accuracy_update")
	span.SetAttributes(StringAttribute("series", series))
	return ctx, span
}

// RecordAccuracyMetrics records realized forecast accuracy onto a span.
//
// Parameters:
//   - span: The span to update.
//   - mae: Mean absolute error against realized sales.
//   - rmse: Root mean squared error against realized sales.
//   - mape: Mean absolute percentage error against realized sales.
func (bt *BusinessTracer) RecordAccuracyMetrics(span trace.Span, mae, rmse, mape float64) {
	span.SetAttributes(
		Float64Attribute("mae", mae),
		Float64Attribute("rmse", rmse),
		Float64Attribute("mape", mape),
	)
}

// FitOutcome defines the structure for tracking ensemble fit results in telemetry.
type FitOutcome struct {
	SurvivingModels []string
	EvictedModels   []string
	ValidationMAE   float64
	ValidationRMSE  float64
	FitTime         time.Duration
}

// ForecastOutcome defines the structure for tracking served forecasts in telemetry.
type ForecastOutcome struct {
	ModelLabel  string
	Degraded    bool
	CacheHit    bool
	TotalDemand float64
}

// BatchMetrics defines the structure for tracking batch run statistics in telemetry.
type BatchMetrics struct {
	Succeeded int
	Failed    int
	Degraded  int
	BatchTime time.Duration
}
