package forecast

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/stats"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// Boosting hyperparameters for the regression forecaster.
const (
	regressionEstimators = 100
	regressionDepth      = 6
	regressionLearnRate  = 0.1
	regressionSubsample  = 0.8
	regressionMinCut     = 7
)

// RegressionForecaster treats demand forecasting as supervised regression
// over engineered lag, rolling, smoother, and calendar features. Every
// horizon step is predicted directly from features known at forecast time,
// never from earlier predictions, so one bad step cannot poison the rest of
// the horizon.
type RegressionForecaster struct {
	logger  *logrus.Logger
	maxStep int

	key      models.SeriesKey
	frame    *timeseries.Frame
	features *featureSet
	model    *gradientBoost
	residStd float64
}

// NewRegressionForecaster creates a regression forecaster. maxStep bounds the
// lead times seen during training and should match the usual request horizon.
func NewRegressionForecaster(maxStep int, logger *logrus.Logger) *RegressionForecaster {
	if maxStep < 1 {
		maxStep = 1
	}
	return &RegressionForecaster{
		logger:  logger,
		maxStep: maxStep,
	}
}

// Kind returns the model family identifier.
func (r *RegressionForecaster) Kind() ModelKind {
	return KindRegression
}

// Fit expands the frame into supervised samples and trains the boosted
// ensemble on them.
func (r *RegressionForecaster) Fit(ctx context.Context, frame *timeseries.Frame) error {
	if frame.Len() < MinObservations {
		return NewInsufficientDataError(frame.Key.String(), MinObservations, frame.Len())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.key = frame.Key
	r.frame = frame
	r.features = newFeatureSet(frame)

	X, y := r.features.trainingSamples(regressionMinCut, r.maxStep)
	if len(X) < 2 {
		return NewInsufficientDataError(frame.Key.String(), regressionMinCut+2, frame.Len())
	}

	model := newGradientBoost(regressionEstimators, regressionDepth, regressionLearnRate, regressionSubsample)
	model.fit(X, y)
	r.model = model
	r.residStd = model.residualStd(X, y)

	r.logger.WithFields(logrus.Fields{
		"series":  r.key.String(),
		"samples": len(X),
		"trees":   len(model.trees),
	}).Debug("Regression model fitted")
	return nil
}

// Predict builds one feature vector per horizon step at the end of the
// training history and runs each through the ensemble. Interval width starts
// from the training residual spread and grows with the step index.
func (r *RegressionForecaster) Predict(ctx context.Context, horizon int) (*models.ForecastResult, error) {
	if r.model == nil {
		return nil, NewNotFittedError("regression predict")
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := r.frame.Len()
	dates := r.frame.FutureDates(horizon)
	z := stats.NormalQuantile((1 + DefaultConfidence) / 2)

	point := make([]float64, horizon)
	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		v := r.features.vector(n, h+1, dates[h])
		point[h] = r.model.predict(v)
		// Residual spread is measured one step out; distant steps carry more
		// uncertainty than the training residuals show.
		width := z * r.residStd * math.Sqrt(float64(h+1))
		lower[h] = point[h] - width
		upper[h] = point[h] + width
	}
	return newResult(r.key, string(KindRegression), point, lower, upper), nil
}

// Validate trains a scratch copy on the train frame and scores it against the
// holdout.
func (r *RegressionForecaster) Validate(ctx context.Context, train, holdout *timeseries.Frame) (models.AccuracyMetrics, error) {
	if holdout.Len() == 0 {
		return models.AccuracyMetrics{}, NewInsufficientDataError(train.Key.String(), 1, 0)
	}
	scratch := NewRegressionForecaster(r.maxStep, r.logger)
	if err := scratch.Fit(ctx, train); err != nil {
		return models.AccuracyMetrics{}, err
	}
	result, err := scratch.Predict(ctx, holdout.Len())
	if err != nil {
		return models.AccuracyMetrics{}, err
	}
	return Accuracy(holdout.Demand, result.Points), nil
}

// FeatureNames exposes the engineered feature labels in model order.
func (r *RegressionForecaster) FeatureNames() []string {
	if r.features == nil {
		return nil
	}
	return r.features.names()
}
