package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBusinessTracer(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)
	require.NotNil(t, bt.tracer)
}

func TestBusinessTracer_TraceEnsembleFit(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceEnsembleFit(ctx, "sku-1@store-1", []string{"seasonal", "sequence", "regression"})
	require.NotNil(t, span)

	// End the span to avoid resource leaks
	span.End()
}

func TestBusinessTracer_RecordFitOutcome(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceEnsembleFit(ctx, "sku-1@store-1", []string{"seasonal", "regression"})
	require.NotNil(t, span)

	outcome := FitOutcome{
		SurvivingModels: []string{"seasonal", "regression"},
		EvictedModels:   []string{"sequence"},
		ValidationMAE:   2.5,
		ValidationRMSE:  3.1,
		FitTime:         750 * time.Millisecond,
	}

	// This should not panic
	bt.RecordFitOutcome(span, outcome)
	span.End()
}

func TestBusinessTracer_RecordFitOutcomeAllFailed(t *testing.T) {
	bt := NewBusinessTracer()

	ctx := context.Background()
	_, span := bt.TraceEnsembleFit(ctx, "sku-2@store-1", []string{"seasonal"})
	require.NotNil(t, span)

	bt.RecordFitOutcome(span, FitOutcome{EvictedModels: []string{"seasonal"}})
	span.End()
}

func TestBusinessTracer_TraceForecastGeneration(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceForecastGeneration(ctx, "sku-1@store-1", 14)
	require.NotNil(t, span)

	bt.RecordForecastOutcome(span, ForecastOutcome{
		ModelLabel:  "ensemble",
		Degraded:    false,
		CacheHit:    true,
		TotalDemand: 412.5,
	})
	span.End()
}

func TestBusinessTracer_TraceBatchRun(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceBatchRun(ctx, "8f14e45f-ceea-467f-abc1-0123456789ab", 250)
	require.NotNil(t, span)

	metrics := BatchMetrics{
		Succeeded: 240,
		Failed:    10,
		Degraded:  4,
		BatchTime: 90 * time.Second,
	}

	// This should not panic
	bt.RecordBatchMetrics(span, metrics)
	span.End()
}

func TestBusinessTracer_RecordBatchMetricsAllFailed(t *testing.T) {
	bt := NewBusinessTracer()

	ctx := context.Background()
	_, span := bt.TraceBatchRun(ctx, "run-id", 3)
	require.NotNil(t, span)

	bt.RecordBatchMetrics(span, BatchMetrics{Failed: 3})
	span.End()
}

func TestBusinessTracer_TraceStockoutCheck(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceStockoutCheck(ctx, "sku-1@store-1")
	require.NotNil(t, span)

	bt.RecordStockoutResult(span, true, 1.4, nil)
	span.End()

	_, span = bt.TraceStockoutCheck(ctx, "sku-2@store-1")
	bt.RecordStockoutResult(span, false, 0.2, assert.AnError)
	span.End()
}

func TestBusinessTracer_TraceAccuracyUpdate(t *testing.T) {
	bt := NewBusinessTracer()
	require.NotNil(t, bt)

	ctx := context.Background()
	_, span := bt.TraceAccuracyUpdate(ctx, "sku-1@store-1")
	require.NotNil(t, span)

	bt.RecordAccuracyMetrics(span, 2.1, 2.9, 8.5)
	span.End()
}
