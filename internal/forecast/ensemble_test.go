package forecast

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// scriptedModel is a deterministic BaseForecaster for combiner tests. It
// predicts a constant level and fails on demand.
type scriptedModel struct {
	kind    ModelKind
	level   float64
	band    float64
	minLen  int
	fitErr  error
	predErr error

	fitted bool
}

func (s *scriptedModel) Kind() ModelKind { return s.kind }

func (s *scriptedModel) Fit(_ context.Context, frame *timeseries.Frame) error {
	if s.fitErr != nil {
		return s.fitErr
	}
	if s.minLen > 0 && frame.Len() < s.minLen {
		return NewInsufficientDataError(frame.Key.String(), s.minLen, frame.Len())
	}
	s.fitted = true
	return nil
}

func (s *scriptedModel) Predict(_ context.Context, horizon int) (*models.ForecastResult, error) {
	if !s.fitted {
		return nil, NewNotFittedError("scripted predict")
	}
	if s.predErr != nil {
		return nil, s.predErr
	}
	point := make([]float64, horizon)
	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	for i := range point {
		point[i] = s.level
		lower[i] = s.level - s.band
		upper[i] = s.level + s.band
	}
	return newResult(models.SeriesKey{ProductID: "scripted", StoreID: "scripted"}, string(s.kind), point, lower, upper), nil
}

func (s *scriptedModel) Validate(context.Context, *timeseries.Frame, *timeseries.Frame) (models.AccuracyMetrics, error) {
	return models.AccuracyMetrics{}, nil
}

// scriptedFactory returns a fresh copy of the script per construction, so
// series fitted in parallel never share model state.
func scriptedFactory(scripts map[ModelKind]scriptedModel) func(ModelKind) (BaseForecaster, error) {
	return func(kind ModelKind) (BaseForecaster, error) {
		script, ok := scripts[kind]
		if !ok {
			return nil, fmt.Errorf("no script for kind %q", kind)
		}
		clone := script
		return &clone, nil
	}
}

func constantFrame(product string, n int, level float64) *timeseries.Frame {
	demand := make([]float64, n)
	for i := range demand {
		demand[i] = level
	}
	return newFrame(product, demand)
}

func twoModelConfig(scripts map[ModelKind]scriptedModel, policy WeightPolicy) CombinerConfig {
	return CombinerConfig{
		EnabledModels: []ModelKind{KindSeasonal, KindRegression},
		Policy:        policy,
		Factory:       scriptedFactory(scripts),
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "base_models_initialized", StateBaseModelsInitialized.String())
	assert.Equal(t, "trained", StateTrained.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestCombinerLifecycle(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	assert.Equal(t, StateUninitialized, c.State())

	err := c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2)
	var notFitted *NotFittedError
	require.ErrorAs(t, err, &notFitted, "fit before initialize must be rejected")

	require.NoError(t, c.Initialize())
	assert.Equal(t, StateBaseModelsInitialized, c.State())

	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))
	assert.Equal(t, StateReady, c.State())

	weights := c.Weights()
	require.Len(t, weights, 2)
	assert.InDelta(t, 1.0, weightSum(weights), weightSumTolerance)

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 7)
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	assert.Equal(t, 7, result.Horizon)
	assert.Equal(t, "ensemble", result.ModelLabel)
	assert.False(t, result.Degraded)
	assert.Equal(t, []string{string(KindRegression), string(KindSeasonal)}, result.Models)
	assert.InDelta(t, 1.0, weightSum(result.Weights), weightSumTolerance)
	for _, p := range result.Points {
		assert.InDelta(t, 15.0, p, 1e-9, "equal blend of levels 12 and 18")
	}
}

func TestCombinerInitializeValidation(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal: {kind: KindSeasonal, level: 10},
	}
	tests := []struct {
		name string
		cfg  CombinerConfig
	}{
		{
			name: "no models enabled",
			cfg:  CombinerConfig{Factory: scriptedFactory(scripts)},
		},
		{
			name: "unknown policy",
			cfg: CombinerConfig{
				EnabledModels: []ModelKind{KindSeasonal},
				Policy:        WeightPolicy("median"),
				Factory:       scriptedFactory(scripts),
			},
		},
		{
			name: "stacking with unknown learner",
			cfg: CombinerConfig{
				EnabledModels: []ModelKind{KindSeasonal},
				Policy:        WeightStacking,
				MetaLearner:   MetaLearner("mlp"),
				Factory:       scriptedFactory(scripts),
			},
		},
		{
			name: "no constructible model",
			cfg: CombinerConfig{
				EnabledModels: []ModelKind{KindSequence},
				Factory:       scriptedFactory(scripts),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCombiner(tt.cfg, testLogger())
			assert.Error(t, c.Initialize())
			assert.Equal(t, StateUninitialized, c.State())
		})
	}
}

func TestCombinerInitializeExcludesUnavailableKind(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	cfg := CombinerConfig{
		EnabledModels: []ModelKind{KindSeasonal, KindSequence, KindRegression},
		Policy:        WeightEqual,
		Factory:       scriptedFactory(scripts),
	}
	c := NewCombiner(cfg, testLogger())
	require.NoError(t, c.Initialize(), "one unavailable kind must not block the rest")

	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))

	weights := c.Weights()
	require.Len(t, weights, 2)
	assert.NotContains(t, weights, string(KindSequence))

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 3)
	require.NoError(t, err)
	assert.False(t, result.Degraded, "a kind excluded at initialize is not a per-series degradation")
}

func TestCombinerGracefulDegradation(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindSequence:   {kind: KindSequence, level: 99, fitErr: fmt.Errorf("training diverged")},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	cfg := CombinerConfig{
		EnabledModels: []ModelKind{KindSeasonal, KindSequence, KindRegression},
		Policy:        WeightEqual,
		Factory:       scriptedFactory(scripts),
	}
	c := NewCombiner(cfg, testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2),
		"one failing model must not fail the fit")
	assert.Equal(t, StateReady, c.State())

	weights := c.Weights()
	require.Len(t, weights, 2)
	assert.NotContains(t, weights, string(KindSequence), "evicted model must not keep a weight")
	assert.InDelta(t, 1.0, weightSum(weights), weightSumTolerance)

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 5)
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	assert.True(t, result.Degraded)
	assert.NotContains(t, result.Models, string(KindSequence))
	assert.NotContains(t, result.Weights, string(KindSequence))
	for _, p := range result.Points {
		assert.InDelta(t, 15.0, p, 1e-9, "blend renormalizes over the survivors")
	}

	degraded := c.DegradedSeries()
	require.Contains(t, degraded, key)
	assert.Equal(t, []string{string(KindSequence)}, degraded[key])
}

func TestCombinerAllModelsFailed(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, fitErr: fmt.Errorf("no convergence")},
		KindRegression: {kind: KindRegression, fitErr: fmt.Errorf("no samples")},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())

	err := c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2)
	var allFailed *AllModelsFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, StateBaseModelsInitialized, c.State(), "total failure must not advance the state")

	assert.Len(t, c.FailedSeries(), 1)

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	_, err = c.Predict(context.Background(), key, 5)
	var notFitted *NotFittedError
	require.ErrorAs(t, err, &notFitted)
}

func TestCombinerDynamicWeightsFavorAccurateModel(t *testing.T) {
	// Against constant demand 10, level 12 gives 20% error and level 18
	// gives 80%, so inverse-error weighting lands at a 4:1 split.
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightDynamic), testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))

	weights := c.Weights()
	require.Len(t, weights, 2)
	assert.InDelta(t, 4.0, weights[string(KindSeasonal)]/weights[string(KindRegression)], 1e-3)
	assert.InDelta(t, 1.0, weightSum(weights), weightSumTolerance)

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 4)
	require.NoError(t, err)
	for _, p := range result.Points {
		assert.InDelta(t, 0.8*12+0.2*18, p, 1e-3)
	}
}

func TestCombinerPredictExcludesFailingModel(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, predErr: fmt.Errorf("horizon overflow")},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 5)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, []string{string(KindSeasonal)}, result.Models)
	assert.InDelta(t, 1.0, result.Weights[string(KindSeasonal)], weightSumTolerance)
	for _, p := range result.Points {
		assert.InDelta(t, 12.0, p, 1e-9, "the surviving model carries full weight")
	}
}

func TestCombinerPredictAllModelsFail(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, predErr: fmt.Errorf("boom")},
		KindRegression: {kind: KindRegression, level: 18, predErr: fmt.Errorf("boom")},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	_, err := c.Predict(context.Background(), key, 5)
	var allFailed *AllModelsFailedError
	require.ErrorAs(t, err, &allFailed)
}

func TestCombinerPerSeriesFailureIsolation(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1, minLen: 10},
		KindRegression: {kind: KindRegression, level: 18, band: 1, minLen: 10},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())

	frames := []*timeseries.Frame{
		constantFrame("healthy", 15, 10),
		constantFrame("tiny", 3, 10),
	}
	require.NoError(t, c.Fit(context.Background(), frames, 0.2),
		"one failed series must not fail the batch")

	healthy := models.SeriesKey{ProductID: "healthy", StoreID: "store-1"}
	tiny := models.SeriesKey{ProductID: "tiny", StoreID: "store-1"}

	results, failed := c.PredictAll(context.Background(), 5)
	require.Contains(t, results, healthy)
	require.Contains(t, failed, tiny)

	var allFailed *AllModelsFailedError
	_, err := c.Predict(context.Background(), tiny, 5)
	require.ErrorAs(t, err, &allFailed)
}

func TestCombinerEqualOverrideWhenNoValidation(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightDynamic), testLogger())
	require.NoError(t, c.Initialize())

	// Four observations leave no validation window at a 0.2 split.
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 4, 10)}, 0.2))

	key := models.SeriesKey{ProductID: "p1", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 3)
	require.NoError(t, err)
	for _, p := range result.Points {
		assert.InDelta(t, 15.0, p, 1e-9, "no validation data means an equal blend")
	}

	mae, rmse := c.ValidationMetrics()
	assert.Zero(t, mae)
	assert.Zero(t, rmse)
}

func TestCombinerValidationMetricsRecorded(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2))

	mae, rmse := c.ValidationMetrics()
	assert.InDelta(t, 5.0, mae, 1e-9, "equal blend of 12 and 18 misses constant 10 by 5")
	assert.InDelta(t, 5.0, rmse, 1e-9)
}

func TestCombinerStackingTrainsMeta(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	cfg := twoModelConfig(scripts, WeightStacking)
	cfg.MetaLearner = MetaRidge
	c := NewCombiner(cfg, testLogger())
	require.NoError(t, c.Initialize())

	frames := []*timeseries.Frame{
		constantFrame("p1", 15, 5),
		constantFrame("p2", 15, 10),
		constantFrame("p3", 15, 15),
		constantFrame("p4", 15, 20),
	}
	require.NoError(t, c.Fit(context.Background(), frames, 0.2))
	require.NotNil(t, c.MetaModel())
	assert.GreaterOrEqual(t, c.MetaModel().CVMAE(), 0.0)

	// Audit weights exist alongside the meta-model.
	assert.InDelta(t, 1.0, weightSum(c.Weights()), weightSumTolerance)

	key := models.SeriesKey{ProductID: "p4", StoreID: "store-1"}
	result, err := c.Predict(context.Background(), key, 6)
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	assert.Equal(t, "ensemble/ridge", result.ModelLabel)

	for _, p := range result.Points[1:] {
		assert.Equal(t, result.Points[0], p, "stacking emits one blended level across the horizon")
	}
	// The history-mean feature dominates on constant series, so the ridge
	// output lands near the series level.
	assert.InDelta(t, 20.0, result.Points[0], 2.0)
}

func TestCombinerRetrainReplacesSeries(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())

	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("old", 15, 10)}, 0.2))
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{constantFrame("new", 15, 10)}, 0.2))

	keys := c.SeriesKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, "new", keys[0].ProductID)
	assert.Equal(t, StateReady, c.State())
}

func TestCombinerFitCancelledContext(t *testing.T) {
	scripts := map[ModelKind]scriptedModel{
		KindSeasonal:   {kind: KindSeasonal, level: 12, band: 1},
		KindRegression: {kind: KindRegression, level: 18, band: 1},
	}
	c := NewCombiner(twoModelConfig(scripts, WeightEqual), testLogger())
	require.NoError(t, c.Initialize())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Fit(ctx, []*timeseries.Frame{constantFrame("p1", 15, 10)}, 0.2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateBaseModelsInitialized, c.State())
}

func TestEqualBlendRecreatesWeeklyPattern(t *testing.T) {
	if testing.Short() {
		t.Skip("trains real models")
	}

	n := 60
	frame := newFrame("sku-weekly", weeklySine(n, 50, 10))
	ctx := context.Background()

	seasonal := NewSeasonalForecaster(7, testLogger())
	require.NoError(t, seasonal.Fit(ctx, frame))
	regression := NewRegressionForecaster(7, testLogger())
	require.NoError(t, regression.Fit(ctx, frame))

	preds := make(map[string][]float64)
	for name, model := range map[string]BaseForecaster{
		string(KindSeasonal):   seasonal,
		string(KindRegression): regression,
	} {
		result, err := model.Predict(ctx, 7)
		require.NoError(t, err)
		preds[name] = result.Points
	}

	weights, err := EqualWeights([]string{string(KindSeasonal), string(KindRegression)})
	require.NoError(t, err)
	blend, used, err := blendValues(preds, weights, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, used[string(KindSeasonal)], weightSumTolerance)

	for h := 0; h < 7; h++ {
		truth := 50 + 10*math.Sin(2*math.Pi*float64(n+h)/7)
		assert.InDelta(t, truth, blend[h], 0.15*truth,
			"step %d should stay within 15%% of the continued cycle", h)
	}
}

func TestCombinerWeeklyCycleScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("trains real models")
	}

	frame := newFrame("sku-weekly", weeklySine(60, 50, 10))
	cfg := CombinerConfig{
		EnabledModels:  []ModelKind{KindSeasonal, KindSequence, KindRegression},
		Policy:         WeightDynamic,
		SeasonalPeriod: 7,
		SequenceWindow: 14,
		MaxHorizon:     7,
	}
	c := NewCombiner(cfg, testLogger())
	require.NoError(t, c.Initialize())
	require.NoError(t, c.Fit(context.Background(), []*timeseries.Frame{frame}, 0.2))

	assert.InDelta(t, 1.0, weightSum(c.Weights()), weightSumTolerance)

	result, err := c.Predict(context.Background(), frame.Key, 7)
	require.NoError(t, err)
	require.NoError(t, result.Validate())

	// Base models are fitted on the training portion, so the served horizon
	// continues the cycle from the validation cut.
	trainLen := 48
	for h := 0; h < 7; h++ {
		truth := 50 + 10*math.Sin(2*math.Pi*float64(trainLen+h)/7)
		assert.InDelta(t, truth, result.Points[h], 0.15*truth,
			"step %d should stay within 15%% of the weekly cycle", h)
	}
}
