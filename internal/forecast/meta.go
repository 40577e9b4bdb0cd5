package forecast

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// MetaLearner selects the regression family used by the stacking policy.
type MetaLearner string

const (
	// MetaRidge is L2-regularized linear regression, the default.
	MetaRidge MetaLearner = "ridge"
	// MetaForest is a bagged tree ensemble.
	MetaForest MetaLearner = "rf"
	// MetaBoost is a gradient-boosted tree ensemble.
	MetaBoost MetaLearner = "gbt"
)

// Meta-learner hyperparameters.
const (
	ridgeAlpha      = 1.0
	metaForestTrees = 100
	metaForestDepth = 10
	metaBoostTrees  = 100
	metaBoostDepth  = 6
	metaBoostRate   = 0.1
	metaCVFolds     = 3
)

// ValidMetaLearner reports whether m names a known meta-learner.
func ValidMetaLearner(m MetaLearner) bool {
	switch m {
	case MetaRidge, MetaForest, MetaBoost:
		return true
	}
	return false
}

// MetaSample is one stacking training row: features built from base-model
// validation forecasts and the target they should have blended to.
type MetaSample struct {
	Features []float64
	Target   float64
}

// BuildMetaVector constructs the stacking feature vector. names fixes the
// base-model order; preds holds each base model's forecast over the window,
// history the raw demand series, and asOf the forecast date for the calendar
// block. A model with no predictions contributes zeros.
func BuildMetaVector(names []string, preds map[string][]float64, history []float64, asOf time.Time) []float64 {
	v := make([]float64, 0, 4*len(names)+5+4)
	for _, name := range names {
		p := preds[name]
		if len(p) == 0 {
			v = append(v, 0, 0, 0, 0)
			continue
		}
		trend := 0.0
		if len(p) > 1 {
			trend = p[len(p)-1] - p[0]
		}
		v = append(v, timeseries.Mean(p), timeseries.Std(p), trend, p[len(p)-1])
	}

	if len(history) > 0 {
		rollStd := timeseries.RollingStd(history, 7)
		v = append(v,
			timeseries.Mean(history),
			timeseries.Std(history),
			timeseries.DiffMeanTrend(history),
			timeseries.CoefficientOfVariation(history),
			timeseries.Mean(rollStd),
		)
	} else {
		v = append(v, 0, 0, 0, 0, 0)
	}

	quarter := float64((int(asOf.Month())-1)/3 + 1)
	weekend := 0.0
	if wd := asOf.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1.0
	}
	v = append(v, float64(asOf.Month()), quarter, float64(asOf.Weekday()), weekend)
	return v
}

// MetaVectorNames returns the feature labels in BuildMetaVector order.
func MetaVectorNames(names []string) []string {
	labels := make([]string, 0, 4*len(names)+5+4)
	for _, name := range names {
		labels = append(labels,
			fmt.Sprintf("%s_mean", name),
			fmt.Sprintf("%s_std", name),
			fmt.Sprintf("%s_trend", name),
			fmt.Sprintf("%s_last", name),
		)
	}
	labels = append(labels, "hist_mean", "hist_std", "hist_trend", "hist_cv", "hist_volatility")
	return append(labels, "month", "quarter", "dayofweek", "is_weekend")
}

// MetaModel is the trained stacking blender. At prediction time the same
// feature construction runs over live base outputs and the regression output
// is the blended forecast value.
type MetaModel struct {
	learner MetaLearner
	names   []string
	ridge   *ridgeRegression
	forest  *randomForest
	boost   *gradientBoost
	cvMAE   float64
}

// TrainMetaModel fits the selected meta-learner on time-ordered samples.
// Forward-chaining cross-validation scores each fold on data strictly after
// its training range, so the reported MAE carries no look-ahead leakage.
func TrainMetaModel(learner MetaLearner, names []string, samples []MetaSample) (*MetaModel, error) {
	if !ValidMetaLearner(learner) {
		return nil, fmt.Errorf("unknown meta-learner %q", learner)
	}
	if len(samples) < 2 {
		return nil, NewInsufficientDataError("meta", 2, len(samples))
	}

	ordered := append([]string(nil), names...)
	sort.Strings(ordered)

	m := &MetaModel{learner: learner, names: ordered}
	m.cvMAE = m.crossValidate(samples)

	X, y := splitSamples(samples)
	if err := m.fit(X, y); err != nil {
		return nil, err
	}
	return m, nil
}

// Names returns the base-model order the feature vectors must follow.
func (m *MetaModel) Names() []string {
	return m.names
}

// CVMAE returns the forward-chaining cross-validation MAE.
func (m *MetaModel) CVMAE() float64 {
	return m.cvMAE
}

func splitSamples(samples []MetaSample) ([][]float64, []float64) {
	X := make([][]float64, len(samples))
	y := make([]float64, len(samples))
	for i, s := range samples {
		X[i] = s.Features
		y[i] = s.Target
	}
	return X, y
}

// crossValidate walks expanding time-ordered folds: train on everything up to
// the fold boundary, score on the fold window.
func (m *MetaModel) crossValidate(samples []MetaSample) float64 {
	n := len(samples)
	folds := metaCVFolds
	if folds > n-1 {
		folds = n - 1
	}
	if folds < 1 {
		return 0
	}

	foldSize := n / (folds + 1)
	if foldSize < 1 {
		foldSize = 1
	}

	var absErr float64
	count := 0
	for f := 1; f <= folds; f++ {
		trainEnd := f * foldSize
		testEnd := trainEnd + foldSize
		if f == folds || testEnd > n {
			testEnd = n
		}
		if trainEnd < 1 || trainEnd >= testEnd {
			continue
		}

		X, y := splitSamples(samples[:trainEnd])
		scratch := &MetaModel{learner: m.learner, names: m.names}
		if err := scratch.fit(X, y); err != nil {
			continue
		}
		for _, s := range samples[trainEnd:testEnd] {
			absErr += math.Abs(scratch.predictRow(s.Features) - s.Target)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return absErr / float64(count)
}

func (m *MetaModel) fit(X [][]float64, y []float64) error {
	switch m.learner {
	case MetaRidge:
		ridge, err := fitRidge(X, y, ridgeAlpha)
		if err != nil {
			return err
		}
		m.ridge = ridge
	case MetaForest:
		m.forest = newRandomForest(metaForestTrees, metaForestDepth)
		m.forest.fit(X, y)
	case MetaBoost:
		m.boost = newGradientBoost(metaBoostTrees, metaBoostDepth, metaBoostRate, 1.0)
		m.boost.fit(X, y)
	}
	return nil
}

// Predict blends live base-model outputs through the trained regression.
func (m *MetaModel) Predict(features []float64) (float64, error) {
	if m.ridge == nil && m.forest == nil && m.boost == nil {
		return 0, NewNotFittedError("meta predict")
	}
	return m.predictRow(features), nil
}

func (m *MetaModel) predictRow(x []float64) float64 {
	switch m.learner {
	case MetaRidge:
		return m.ridge.predict(x)
	case MetaForest:
		return m.forest.predict(x)
	default:
		return m.boost.predict(x)
	}
}

// ridgeRegression is L2-regularized least squares with an unpenalized
// intercept, solved in closed form.
type ridgeRegression struct {
	coef      []float64
	intercept float64
	xMean     []float64
	yMean     float64
}

// fitRidge centers the data, solves (X'X + alpha*I) b = X'y on the centered
// matrix, and recovers the intercept from the means.
func fitRidge(X [][]float64, y []float64, alpha float64) (*ridgeRegression, error) {
	n := len(X)
	if n == 0 {
		return nil, NewInsufficientDataError("ridge", 1, 0)
	}
	d := len(X[0])

	xMean := make([]float64, d)
	for _, row := range X {
		for j, v := range row {
			xMean[j] += v
		}
	}
	for j := range xMean {
		xMean[j] /= float64(n)
	}
	yMean := 0.0
	for _, v := range y {
		yMean += v
	}
	yMean /= float64(n)

	xc := mat.NewDense(n, d, nil)
	yc := mat.NewVecDense(n, nil)
	for i, row := range X {
		for j, v := range row {
			xc.Set(i, j, v-xMean[j])
		}
		yc.SetVec(i, y[i]-yMean)
	}

	var gram mat.Dense
	gram.Mul(xc.T(), xc)
	for j := 0; j < d; j++ {
		gram.Set(j, j, gram.At(j, j)+alpha)
	}

	var xty mat.VecDense
	xty.MulVec(xc.T(), yc)

	var beta mat.VecDense
	if err := beta.SolveVec(&gram, &xty); err != nil {
		return nil, fmt.Errorf("ridge system is singular: %w", err)
	}

	coef := make([]float64, d)
	intercept := yMean
	for j := 0; j < d; j++ {
		coef[j] = beta.AtVec(j)
		intercept -= coef[j] * xMean[j]
	}
	return &ridgeRegression{coef: coef, intercept: intercept, xMean: xMean, yMean: yMean}, nil
}

func (r *ridgeRegression) predict(x []float64) float64 {
	out := r.intercept
	for j, c := range r.coef {
		if j < len(x) {
			out += c * x[j]
		}
	}
	return out
}
