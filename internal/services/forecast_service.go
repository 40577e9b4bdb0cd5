package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/demandcast/demandcast-go/internal/cache"
	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/demandcast/demandcast-go/internal/forecast"
	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/registry"
	"github.com/demandcast/demandcast-go/internal/telemetry"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// Values persisted in the forecast_runs.triggered_by audit column.
const (
	TriggerScheduler = "scheduler"
	TriggerAPI       = "api"
	TriggerAdmin     = "admin"
)

const (
	// quarantineFailureThreshold is how many consecutive fit failures park a
	// series before the batch stops spending cycles on it.
	quarantineFailureThreshold = 3
	// quarantineTTL is how long a quarantined series sits out before the
	// batch retries it.
	quarantineTTL = 24 * time.Hour
	// maxInterpolatedRun bounds how long a zero run may be and still read as
	// missing data. Longer runs are kept as genuine absence of demand.
	maxInterpolatedRun = 2

	defaultBatchSize      = 100
	defaultMaxBatchErrors = 25
	defaultSeriesTimeout  = 2 * time.Minute
)

// SeriesSource is the slice of the sales repository the orchestrator reads.
type SeriesSource interface {
	GetDailySales(ctx context.Context, key models.SeriesKey, lookbackDays int) ([]models.SalesRecord, error)
	ListActiveSeries(ctx context.Context, minObservations int) ([]models.SeriesKey, error)
}

// ForecastSink is the slice of the forecast repository the orchestrator writes.
type ForecastSink interface {
	SaveForecasts(ctx context.Context, results []*models.ForecastResult) error
	SaveRun(ctx context.Context, run *models.ForecastRun) error
	LatestRun(ctx context.Context) (*models.ForecastRun, error)
	SaveModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string, snapshot []byte) error
	LoadModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string) ([]byte, error)
}

// FailureLedger tracks consecutive per-series fit failures and activates the
// quarantine once the threshold is crossed.
type FailureLedger interface {
	RecordFailure(ctx context.Context, key models.SeriesKey, reason string, threshold int) (bool, error)
	ResetFailures(ctx context.Context, key models.SeriesKey) error
}

// ForecastServiceDeps bundles the collaborators behind the orchestrator.
type ForecastServiceDeps struct {
	Sales      SeriesSource
	Forecasts  ForecastSink
	Cache      *cache.ForecastCache
	Registry   *registry.ModelRegistry
	Quarantine cache.QuarantineCache
	Failures   FailureLedger
	Tracker    *AccuracyTracker
	Alerts     *AlertService
	Monitor    *ResourceMonitor
}

// ForecastService orchestrates the forecasting pipeline: load history, fit
// the ensemble, persist and cache the results, check stockout risk. Serves
// both the request path (cache -> registry -> fresh fit) and the scheduled
// batch over every active series.
type ForecastService struct {
	cfg    *config.Config
	logger *logrus.Logger
	tracer *telemetry.BusinessTracer

	sales      SeriesSource
	forecasts  ForecastSink
	cache      *cache.ForecastCache
	registry   *registry.ModelRegistry
	quarantine cache.QuarantineCache
	failures   FailureLedger
	tracker    *AccuracyTracker
	alerts     *AlertService
	monitor    *ResourceMonitor
}

// NewForecastService creates the orchestrator.
func NewForecastService(cfg *config.Config, deps ForecastServiceDeps, logger *logrus.Logger) *ForecastService {
	return &ForecastService{
		cfg:        cfg,
		logger:     logger,
		tracer:     telemetry.NewBusinessTracer(),
		sales:      deps.Sales,
		forecasts:  deps.Forecasts,
		cache:      deps.Cache,
		registry:   deps.Registry,
		quarantine: deps.Quarantine,
		failures:   deps.Failures,
		tracker:    deps.Tracker,
		alerts:     deps.Alerts,
		monitor:    deps.Monitor,
	}
}

// GetForecast serves a forecast for one series: cached copy first, then a
// predict against the registry-resident ensemble, and only then a fresh fit.
// The bool reports whether the result came from the cache.
func (s *ForecastService) GetForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, bool, error) {
	ctx, span := s.tracer.TraceForecastGeneration(ctx, key.String(), horizon)
	defer span.End()

	if cached, ok := s.cache.Get(ctx, key, horizon); ok {
		s.recordServed(span, cached, true)
		return cached, true, nil
	}

	if combiner, ok := s.registry.Lookup(key); ok {
		result, err := combiner.Predict(ctx, key, horizon)
		if err == nil {
			s.cache.Set(ctx, result)
			s.recordServed(span, result, false)
			return result, false, nil
		}
		s.logger.WithError(err).WithField("series", key.String()).
			Debug("Resident ensemble could not serve, refitting")
	}

	result, err := s.computeForecast(ctx, key, horizon)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, false, err
	}
	s.recordServed(span, result, false)
	return result, false, nil
}

// GenerateForecast recomputes one series from scratch, dropping the resident
// ensemble and any cached forecasts first.
func (s *ForecastService) GenerateForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error) {
	s.registry.Invalidate(key)
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Warn("Failed to invalidate cached forecasts")
	}
	return s.computeForecast(ctx, key, horizon)
}

// ModelWeights reports the blend weights serving a series: live from the
// registry when the ensemble is resident, otherwise the last batch run's
// aggregate. The source tag is "live" or "last_run".
func (s *ForecastService) ModelWeights(ctx context.Context, key models.SeriesKey) (map[string]float64, string, error) {
	if combiner, ok := s.registry.Lookup(key); ok {
		if weights := combiner.Weights(); len(weights) > 0 {
			return weights, "live", nil
		}
	}

	run, err := s.forecasts.LatestRun(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load last run weights: %w", err)
	}
	if run == nil || len(run.Weights) == 0 {
		return nil, "", nil
	}
	return run.Weights, "last_run", nil
}

// AccuracyHistory returns recent realized accuracy per model label.
func (s *ForecastService) AccuracyHistory(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error) {
	return s.tracker.History(ctx, key, since)
}

// ReconcileAccuracy scores stored forecasts against realized sales for every
// active series. Returns how many forecasts were scored.
func (s *ForecastService) ReconcileAccuracy(ctx context.Context) int {
	keys, err := s.sales.ListActiveSeries(ctx, s.cfg.Forecast.MinObservations)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list series for accuracy reconciliation")
		return 0
	}
	return s.tracker.EvaluateAll(ctx, keys, s.cfg.Forecast.Horizon)
}

// BatchRun fits every active series in bounded chunks and persists one audit
// row for the cycle. Quarantined series are skipped, repeated failures feed
// the quarantine, and the run stops early when failures exceed the configured
// budget or memory pressure denies further fits.
func (s *ForecastService) BatchRun(ctx context.Context, triggeredBy string) (*models.ForecastRun, error) {
	started := time.Now().UTC()
	runID := uuid.New()

	keys, err := s.sales.ListActiveSeries(ctx, s.cfg.Forecast.MinObservations)
	if err != nil {
		return nil, fmt.Errorf("failed to list active series: %w", err)
	}

	ctx, span := s.tracer.TraceBatchRun(ctx, runID.String(), len(keys))
	defer span.End()

	eligible := make([]models.SeriesKey, 0, len(keys))
	skipped := 0
	for _, key := range keys {
		if quarantined, reason := s.quarantine.IsQuarantined(ctx, key); quarantined {
			skipped++
			s.logger.WithFields(logrus.Fields{
				"series": key.String(),
				"reason": reason,
			}).Debug("Skipping quarantined series")
			continue
		}
		eligible = append(eligible, key)
	}

	batchSize := s.cfg.Batch.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	maxErrors := s.cfg.Batch.MaxErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxBatchErrors
	}

	agg := newRunAggregate()
	var results []*models.ForecastResult

	for start := 0; start < len(eligible); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		if agg.failed > maxErrors {
			s.logger.WithFields(logrus.Fields{
				"failed":     agg.failed,
				"max_errors": maxErrors,
			}).Error("Batch run aborted after too many series failures")
			break
		}
		if !s.monitor.AdmitFit() {
			s.logger.WithField("remaining", len(eligible)-start).
				Warn("Deferring remaining series to the next cycle")
			break
		}

		end := min(start+batchSize, len(eligible))
		results = append(results, s.fitChunk(ctx, eligible[start:end], agg)...)

		if err := s.monitor.Refresh(ctx); err != nil {
			s.logger.WithError(err).Debug("Failed to refresh resource sample")
		}
	}

	run := &models.ForecastRun{
		ID:             runID,
		StartedAt:      started,
		CompletedAt:    time.Now().UTC(),
		SeriesTotal:    len(keys),
		SeriesFailed:   agg.failed,
		SeriesDegraded: agg.degraded,
		Weights:        agg.meanWeights(),
		EnsembleMethod: s.cfg.Forecast.EnsembleMethod,
		TriggeredBy:    triggeredBy,
	}
	run.ValidationMAE, run.ValidationRMSE = agg.meanValidation()

	s.tracer.RecordBatchMetrics(span, telemetry.BatchMetrics{
		Succeeded: agg.succeeded,
		Failed:    agg.failed,
		Degraded:  agg.degraded,
		BatchTime: time.Since(started),
	})

	if err := s.forecasts.SaveRun(ctx, run); err != nil {
		s.logger.WithError(err).Error("Failed to persist forecast run")
	}

	s.alerts.CheckAndAlert(ctx, results)

	s.logger.WithFields(logrus.Fields{
		"run_id":       runID.String(),
		"triggered_by": triggeredBy,
		"series_total": run.SeriesTotal,
		"succeeded":    agg.succeeded,
		"failed":       run.SeriesFailed,
		"degraded":     run.SeriesDegraded,
		"skipped":      skipped,
		"duration":     time.Since(started).Round(time.Millisecond).String(),
	}).Info("Forecast batch run completed")

	return run, ctx.Err()
}

// computeForecast runs the full single-series pipeline under the per-series
// timeout: load and preprocess history, fit the ensemble, predict, persist,
// cache, and check stockout risk. A failed fit falls back to the last stored
// seasonal snapshot when one exists.
func (s *ForecastService) computeForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error) {
	timeout := s.cfg.Forecast.SeriesTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultSeriesTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := s.loadFrame(ctx, key)
	if err != nil {
		s.recordSeriesFailure(ctx, key, err)
		return nil, err
	}

	priors := s.priorsFor(ctx, []models.SeriesKey{key})
	combiner := forecast.NewCombiner(s.combinerConfig(priors), s.logger)
	if err := combiner.Initialize(); err != nil {
		return nil, err
	}

	fitStart := time.Now()
	fitCtx, span := s.tracer.TraceEnsembleFit(ctx, key.String(), s.cfg.Forecast.EnabledModels)
	err = combiner.Fit(fitCtx, []*timeseries.Frame{frame}, s.cfg.Forecast.ValidationSplit)
	mae, rmse := combiner.ValidationMetrics()
	s.tracer.RecordFitOutcome(span, telemetry.FitOutcome{
		SurvivingModels: weightNames(combiner.Weights()),
		EvictedModels:   combiner.DegradedSeries()[key],
		ValidationMAE:   mae,
		ValidationRMSE:  rmse,
		FitTime:         time.Since(fitStart),
	})
	span.End()
	if err != nil {
		s.recordSeriesFailure(ctx, key, err)
		return s.snapshotFallback(ctx, key, horizon, err)
	}

	result, err := combiner.Predict(ctx, key, horizon)
	if err != nil {
		s.recordSeriesFailure(ctx, key, err)
		return s.snapshotFallback(ctx, key, horizon, err)
	}

	if err := s.failures.ResetFailures(ctx, key); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Debug("Failed to reset series failure count")
	}

	s.persistSeries(ctx, combiner, key, result)
	s.registry.Store(key, combiner)
	s.cache.Set(ctx, result)
	s.alerts.CheckAndAlert(ctx, []*models.ForecastResult{result})

	return result, nil
}

// fitChunk fits one cohort of series through a shared combiner, persists the
// successes, and feeds failures into the quarantine ledger. Returns the
// forecasts that were produced.
func (s *ForecastService) fitChunk(ctx context.Context, chunk []models.SeriesKey, agg *runAggregate) []*models.ForecastResult {
	frames := make([]*timeseries.Frame, 0, len(chunk))
	chunkKeys := make([]models.SeriesKey, 0, len(chunk))
	for _, key := range chunk {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := s.loadFrame(ctx, key)
		if err != nil {
			agg.fail()
			s.recordSeriesFailure(ctx, key, err)
			s.logger.WithError(err).WithField("series", key.String()).
				Warn("Skipping series with unusable history")
			continue
		}
		frames = append(frames, frame)
		chunkKeys = append(chunkKeys, key)
	}
	if len(frames) == 0 {
		return nil
	}

	priors := s.priorsFor(ctx, chunkKeys)
	combiner := forecast.NewCombiner(s.combinerConfig(priors), s.logger)
	if err := combiner.Initialize(); err != nil {
		agg.failN(len(frames))
		s.logger.WithError(err).Error("Ensemble configuration rejected, chunk abandoned")
		return nil
	}

	fitCtx, cancel := context.WithTimeout(ctx, s.chunkTimeout(len(frames)))
	defer cancel()

	fitStart := time.Now()
	tracedCtx, span := s.tracer.TraceEnsembleFit(fitCtx, fmt.Sprintf("batch/%d-series", len(frames)), s.cfg.Forecast.EnabledModels)
	err := combiner.Fit(tracedCtx, frames, s.cfg.Forecast.ValidationSplit)
	mae, rmse := combiner.ValidationMetrics()
	s.tracer.RecordFitOutcome(span, telemetry.FitOutcome{
		SurvivingModels: weightNames(combiner.Weights()),
		ValidationMAE:   mae,
		ValidationRMSE:  rmse,
		FitTime:         time.Since(fitStart),
	})
	span.End()
	if err != nil {
		agg.failN(len(frames))
		if !isContextErr(err) {
			for _, key := range chunkKeys {
				s.recordSeriesFailure(ctx, key, err)
			}
		}
		s.logger.WithError(err).WithField("series_count", len(frames)).
			Error("Every series in the chunk failed to fit")
		return nil
	}

	failed := combiner.FailedSeries()
	degraded := combiner.DegradedSeries()
	predictions, predictErrs := combiner.PredictAll(ctx, s.cfg.Forecast.Horizon)

	var results []*models.ForecastResult
	storedKeys := make([]models.SeriesKey, 0, len(predictions))
	for _, key := range chunkKeys {
		if cause, ok := failed[key]; ok {
			agg.fail()
			s.recordSeriesFailure(ctx, key, cause)
			continue
		}
		if cause, ok := predictErrs[key]; ok {
			agg.fail()
			s.recordSeriesFailure(ctx, key, cause)
			continue
		}
		result, ok := predictions[key]
		if !ok {
			continue
		}

		agg.succeed(result.Degraded || len(degraded[key]) > 0)
		results = append(results, result)
		storedKeys = append(storedKeys, key)

		if err := s.failures.ResetFailures(ctx, key); err != nil {
			s.logger.WithError(err).WithField("series", key.String()).
				Debug("Failed to reset series failure count")
		}
		if validation := combiner.SeriesValidation(key); len(validation) > 0 {
			s.tracker.RecordValidation(ctx, key, result.Horizon, validation)
		}
		s.persistSnapshot(ctx, combiner, key)
	}

	if len(results) > 0 {
		if err := s.forecasts.SaveForecasts(ctx, results); err != nil {
			s.logger.WithError(err).Error("Failed to persist forecast batch")
		}
		for _, result := range results {
			s.cache.Set(ctx, result)
		}
		s.registry.StoreBatch(storedKeys, combiner)
	}

	agg.addWeights(combiner.Weights(), len(results))
	agg.addValidation(mae, rmse, len(results))

	return results
}

// loadFrame fetches and preprocesses the sales history for one series.
func (s *ForecastService) loadFrame(ctx context.Context, key models.SeriesKey) (*timeseries.Frame, error) {
	records, err := s.sales.GetDailySales(ctx, key, s.cfg.Forecast.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load sales history for %s: %w", key, err)
	}
	if len(records) == 0 {
		return nil, forecast.NewInsufficientDataError(key.String(), s.cfg.Forecast.MinObservations, 0)
	}

	frame, err := timeseries.FromRecords(key, records)
	if err != nil {
		return nil, fmt.Errorf("failed to build frame for %s: %w", key, err)
	}

	frame = s.preprocess(frame)
	if frame.Len() < s.cfg.Forecast.MinObservations {
		return nil, forecast.NewInsufficientDataError(key.String(), s.cfg.Forecast.MinObservations, frame.Len())
	}
	return frame, nil
}

// preprocess repairs the raw history before fitting: regularize to a daily
// grid, interpolate short zero runs, clamp negatives, cap outliers.
func (s *ForecastService) preprocess(frame *timeseries.Frame) *timeseries.Frame {
	regular := timeseries.Regularize(frame)
	interpolated := timeseries.InterpolateZeroRuns(regular, maxInterpolatedRun)
	clamped := timeseries.ClampNonNegative(regular)
	capped := timeseries.CapOutliers(regular)

	if interpolated+clamped+capped > 0 {
		s.logger.WithFields(logrus.Fields{
			"series":       regular.Key.String(),
			"interpolated": interpolated,
			"clamped":      clamped,
			"capped":       capped,
		}).Debug("Repaired series history before fitting")
	}
	return regular
}

// snapshotFallback serves a degraded seasonal-only forecast from the last
// persisted model snapshot. The result is deliberately not cached so the next
// request retries a full fit. Without a usable snapshot the original fit
// error is returned.
func (s *ForecastService) snapshotFallback(ctx context.Context, key models.SeriesKey, horizon int, fitErr error) (*models.ForecastResult, error) {
	blob, err := s.forecasts.LoadModelSnapshot(ctx, key, string(forecast.KindSeasonal))
	if err != nil || len(blob) == 0 {
		return nil, fitErr
	}

	seasonal := forecast.NewSeasonalForecaster(s.cfg.Forecast.SeasonalPeriod, s.logger)
	if err := seasonal.Restore(blob); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Warn("Stored seasonal snapshot is unusable")
		return nil, fitErr
	}

	result, err := seasonal.Predict(ctx, horizon)
	if err != nil {
		return nil, fitErr
	}
	result.Degraded = true

	s.logger.WithError(fitErr).WithField("series", key.String()).
		Warn("Live fit failed, serving degraded forecast from stored snapshot")
	return result, nil
}

// persistSeries writes everything a successful single-series fit produces:
// the forecast row, per-model validation accuracy, and the seasonal snapshot.
func (s *ForecastService) persistSeries(ctx context.Context, combiner *forecast.Combiner, key models.SeriesKey, result *models.ForecastResult) {
	if err := s.forecasts.SaveForecasts(ctx, []*models.ForecastResult{result}); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Error("Failed to persist forecast")
	}
	if validation := combiner.SeriesValidation(key); len(validation) > 0 {
		s.tracker.RecordValidation(ctx, key, result.Horizon, validation)
	}
	s.persistSnapshot(ctx, combiner, key)
}

// persistSnapshot stores the fitted seasonal model for the snapshot fallback.
// Only the seasonal family serializes; anything else is logged and skipped.
func (s *ForecastService) persistSnapshot(ctx context.Context, combiner *forecast.Combiner, key models.SeriesKey) {
	blob, err := combiner.ModelSnapshot(key, forecast.KindSeasonal)
	if err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Debug("Seasonal snapshot unavailable")
		return
	}
	if err := s.forecasts.SaveModelSnapshot(ctx, key, string(forecast.KindSeasonal), blob); err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Warn("Failed to persist seasonal snapshot")
	}
}

// recordSeriesFailure bumps the consecutive-failure count and activates the
// quarantine at the threshold. Context cancellations are not held against
// the series.
func (s *ForecastService) recordSeriesFailure(ctx context.Context, key models.SeriesKey, cause error) {
	if isContextErr(cause) {
		return
	}
	activated, err := s.failures.RecordFailure(ctx, key, cause.Error(), quarantineFailureThreshold)
	if err != nil {
		s.logger.WithError(err).WithField("series", key.String()).
			Warn("Failed to record series failure")
		return
	}
	if activated {
		s.quarantine.Add(ctx, key, cause.Error(), quarantineTTL)
		s.logger.WithFields(logrus.Fields{
			"series": key.String(),
			"cause":  cause.Error(),
		}).Warn("Series quarantined after repeated fit failures")
	}
}

// priorsFor loads realized-accuracy priors when the weighting policy can use
// them. Equal weighting ignores validation error entirely, so the lookups are
// skipped.
func (s *ForecastService) priorsFor(ctx context.Context, keys []models.SeriesKey) map[string]float64 {
	if forecast.WeightPolicy(s.cfg.Forecast.EnsembleMethod) != forecast.WeightDynamic {
		return nil
	}
	return s.tracker.AccuracyPriors(ctx, keys)
}

func (s *ForecastService) combinerConfig(priors map[string]float64) forecast.CombinerConfig {
	kinds := make([]forecast.ModelKind, 0, len(s.cfg.Forecast.EnabledModels))
	for _, name := range s.cfg.Forecast.EnabledModels {
		kinds = append(kinds, forecast.ModelKind(name))
	}
	return forecast.CombinerConfig{
		EnabledModels:  kinds,
		Policy:         forecast.WeightPolicy(s.cfg.Forecast.EnsembleMethod),
		MetaLearner:    forecast.MetaLearner(s.cfg.Forecast.MetaLearner),
		SeasonalPeriod: s.cfg.Forecast.SeasonalPeriod,
		SequenceWindow: s.cfg.Forecast.SequenceLength,
		MaxHorizon:     s.cfg.Forecast.Horizon,
		Workers:        s.monitor.WorkerBudget(s.cfg.Forecast.MaxConcurrentSeries),
		AccuracyPriors: priors,
	}
}

// chunkTimeout scales the per-series budget by how many series each worker
// fits sequentially.
func (s *ForecastService) chunkTimeout(series int) time.Duration {
	perSeries := s.cfg.Forecast.SeriesTimeoutDuration()
	if perSeries <= 0 {
		perSeries = defaultSeriesTimeout
	}
	workers := s.monitor.WorkerBudget(s.cfg.Forecast.MaxConcurrentSeries)
	rounds := (series + workers - 1) / workers
	return time.Duration(rounds+1) * perSeries
}

func (s *ForecastService) recordServed(span trace.Span, result *models.ForecastResult, cacheHit bool) {
	s.tracer.RecordForecastOutcome(span, telemetry.ForecastOutcome{
		ModelLabel:  result.ModelLabel,
		Degraded:    result.Degraded,
		CacheHit:    cacheHit,
		TotalDemand: result.TotalDemand(),
	})
}

func weightNames(weights map[string]float64) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	return names
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runAggregate accumulates per-chunk outcomes into the run-level audit row.
// Weights and validation metrics are averaged weighted by how many series
// each chunk actually served.
type runAggregate struct {
	succeeded int
	failed    int
	degraded  int

	weightSums map[string]float64
	weightN    int

	maeSum  float64
	rmseSum float64
	valN    int
}

func newRunAggregate() *runAggregate {
	return &runAggregate{weightSums: make(map[string]float64)}
}

func (a *runAggregate) fail()       { a.failed++ }
func (a *runAggregate) failN(n int) { a.failed += n }

func (a *runAggregate) succeed(degraded bool) {
	a.succeeded++
	if degraded {
		a.degraded++
	}
}

func (a *runAggregate) addWeights(weights map[string]float64, served int) {
	if served == 0 || len(weights) == 0 {
		return
	}
	for name, w := range weights {
		a.weightSums[name] += w * float64(served)
	}
	a.weightN += served
}

func (a *runAggregate) meanWeights() map[string]float64 {
	if a.weightN == 0 {
		return nil
	}
	out := make(map[string]float64, len(a.weightSums))
	for name, sum := range a.weightSums {
		out[name] = sum / float64(a.weightN)
	}
	return out
}

func (a *runAggregate) addValidation(mae, rmse float64, served int) {
	if served == 0 {
		return
	}
	a.maeSum += mae * float64(served)
	a.rmseSum += rmse * float64(served)
	a.valN += served
}

func (a *runAggregate) meanValidation() (mae, rmse float64) {
	if a.valN == 0 {
		return 0, 0
	}
	return a.maeSum / float64(a.valN), a.rmseSum / float64(a.valN)
}
