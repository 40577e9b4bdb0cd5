package forecast

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureSetWidthMatchesNames(t *testing.T) {
	fs := newFeatureSet(newFrame("sku-1", weeklySine(40, 50, 10)))

	names := fs.names()
	assert.Len(t, names, fs.width())
	assert.Contains(t, names, "lag_7")
	assert.Contains(t, names, "roll_std_14")
	assert.Contains(t, names, "weekend")
	assert.Contains(t, names, "step")

	v := fs.vector(35, 1, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC))
	assert.Len(t, v, fs.width())
}

func TestFeatureVectorValues(t *testing.T) {
	demand := make([]float64, 40)
	for i := range demand {
		demand[i] = float64(i + 1)
	}
	fs := newFeatureSet(newFrame("sku-2", demand))

	saturday := time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)
	v := fs.vector(35, 2, saturday)

	// Lag block reads backwards from the cut.
	assert.Equal(t, 35.0, v[0], "lag_1")
	assert.Equal(t, 34.0, v[1], "lag_2")
	assert.Equal(t, 29.0, v[3], "lag_7")
	assert.Equal(t, 6.0, v[5], "lag_30")

	// Rolling window 7 covers demand values 29..35.
	assert.InDelta(t, 32.0, v[6], 1e-9, "roll_mean_7")
	assert.InDelta(t, math.Sqrt(28.0/6.0), v[7], 1e-9, "roll_std_7")

	assert.InDelta(t, 32.0, v[12], 1e-9, "sma_7 tracks the trailing window mean")

	assert.Equal(t, 1.0, v[18], "saturday is a weekend")
	assert.Equal(t, 2.0, v[19], "step")
	assert.Equal(t, 0.0, v[20], "price defaults when no covariate")
	assert.Equal(t, 0.0, v[21], "stock defaults when no covariate")
}

func TestCalendarFeaturesCyclical(t *testing.T) {
	sunday := calendarFeatures(time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))
	monday := calendarFeatures(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))

	require.Len(t, sunday, calendarWidth)
	assert.Equal(t, 1.0, sunday[4])
	assert.Equal(t, 0.0, monday[4])

	// Adjacent weekdays stay close in the cyclic encoding.
	dist := math.Hypot(sunday[0]-monday[0], sunday[1]-monday[1])
	assert.Less(t, dist, 1.0)
}

func TestTrainingSamplesStepCycling(t *testing.T) {
	demand := make([]float64, 12)
	for i := range demand {
		demand[i] = float64(i)
	}
	fs := newFeatureSet(newFrame("sku-3", demand))

	X, y := fs.trainingSamples(7, 3)
	require.Len(t, X, 5)
	require.Len(t, y, 5)

	stepIdx := fs.width() - 3
	assert.Equal(t, 1.0, X[0][stepIdx])
	assert.Equal(t, 2.0, X[1][stepIdx])
	assert.Equal(t, 3.0, X[2][stepIdx])
	assert.Equal(t, 1.0, X[3][stepIdx])
	assert.Equal(t, []float64{7, 8, 9, 10, 11}, y)
}

func TestRegressionTreeLearnsStepFunction(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}}
	y := []float64{0, 0, 0, 10, 10, 10}
	idx := []int{0, 1, 2, 3, 4, 5}

	tree := newRegressionTree(3, 1)
	tree.fit(X, y, idx)

	assert.InDelta(t, 0.0, tree.predict([]float64{1}), 1e-9)
	assert.InDelta(t, 10.0, tree.predict([]float64{4}), 1e-9)
}

func TestRegressionTreeMinLeafForcesSingleLeaf(t *testing.T) {
	X := [][]float64{{0}, {1}, {2}, {3}}
	y := []float64{1, 2, 3, 4}

	tree := newRegressionTree(3, 4)
	tree.fit(X, y, []int{0, 1, 2, 3})

	assert.InDelta(t, 2.5, tree.predict([]float64{0}), 1e-9)
	assert.InDelta(t, 2.5, tree.predict([]float64{9}), 1e-9)
}

func TestGradientBoostReducesTrainingError(t *testing.T) {
	n := 60
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i) / 10
		X[i] = []float64{x, math.Sin(x)}
		y[i] = 3*x + 5*math.Sin(x)
	}

	boost := newGradientBoost(50, 3, 0.1, 0.8)
	boost.fit(X, y)

	baseline, fitted := 0.0, 0.0
	for i := range y {
		baseline += (y[i] - boost.base) * (y[i] - boost.base)
		resid := y[i] - boost.predict(X[i])
		fitted += resid * resid
	}
	assert.Less(t, fitted, baseline/4, "boosting should cut training error well below the mean baseline")
	assert.Greater(t, boost.residualStd(X, y), 0.0)
}

func TestGradientBoostDeterministic(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}, {4}, {5}, {6}, {7}, {8}}
	y := []float64{2, 4, 6, 8, 10, 12, 14, 16}

	a := newGradientBoost(20, 2, 0.2, 0.7)
	a.fit(X, y)
	b := newGradientBoost(20, 2, 0.2, 0.7)
	b.fit(X, y)

	for _, x := range X {
		assert.Equal(t, a.predict(x), b.predict(x), "seeded sampling must be reproducible")
	}
}

func TestRandomForestStaysWithinTargetRange(t *testing.T) {
	n := 40
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		X[i] = []float64{float64(i), float64(i % 7)}
		y[i] = 20 + 5*math.Sin(float64(i))
	}

	forest := newRandomForest(30, 5)
	forest.fit(X, y)

	for i := 0; i < n; i += 5 {
		pred := forest.predict(X[i])
		assert.GreaterOrEqual(t, pred, 15.0)
		assert.LessOrEqual(t, pred, 25.0)
	}
}

func TestRegressionForecasterFitPredict(t *testing.T) {
	frame := newFrame("sku-10", weeklySine(60, 50, 10))

	f := NewRegressionForecaster(7, testLogger())
	require.Equal(t, KindRegression, f.Kind())
	require.NoError(t, f.Fit(context.Background(), frame))

	result, err := f.Predict(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	assert.Equal(t, 7, result.Horizon)
	assert.Equal(t, string(KindRegression), result.ModelLabel)

	for i, p := range result.Points {
		assert.InDelta(t, 50.0, p, 25.0, "step %d should stay near the base level", i)
	}
}

func TestRegressionForecasterInsufficientData(t *testing.T) {
	f := NewRegressionForecaster(7, testLogger())
	err := f.Fit(context.Background(), newFrame("sku-11", []float64{1, 2, 3}))

	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
}

func TestRegressionForecasterPredictBeforeFit(t *testing.T) {
	f := NewRegressionForecaster(7, testLogger())
	_, err := f.Predict(context.Background(), 7)

	var notFitted *NotFittedError
	require.ErrorAs(t, err, &notFitted)
}

func TestRegressionForecasterNonNegativeOnDecliningSeries(t *testing.T) {
	demand := make([]float64, 45)
	for i := range demand {
		demand[i] = math.Max(0, 15-0.5*float64(i))
	}
	f := NewRegressionForecaster(7, testLogger())
	require.NoError(t, f.Fit(context.Background(), newFrame("sku-12", demand)))

	result, err := f.Predict(context.Background(), 14)
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	for i := range result.Points {
		assert.GreaterOrEqual(t, result.Lower[i], 0.0, "step %d lower bound", i)
	}
}

func TestRegressionForecasterValidate(t *testing.T) {
	frame := newFrame("sku-13", weeklySine(70, 40, 8))
	train, holdout := frame.SplitAt(0.2)

	f := NewRegressionForecaster(7, testLogger())
	metrics, err := f.Validate(context.Background(), train, holdout)
	require.NoError(t, err)
	assert.Greater(t, metrics.MAE, 0.0)
	assert.GreaterOrEqual(t, metrics.RMSE, metrics.MAE)
}

func TestRegressionForecasterFeatureNames(t *testing.T) {
	f := NewRegressionForecaster(7, testLogger())
	assert.Nil(t, f.FeatureNames())

	require.NoError(t, f.Fit(context.Background(), newFrame("sku-14", weeklySine(40, 30, 5))))
	names := f.FeatureNames()
	assert.Contains(t, names, "lag_1")
	assert.Contains(t, names, "ema_7")
}
