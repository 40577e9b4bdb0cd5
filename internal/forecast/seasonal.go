package forecast

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/stats"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// Search bounds for the seasonal order selection. Stepwise search keeps the
// number of fitted candidates small even at these caps.
const (
	seasonalMaxP  = 5
	seasonalMaxQ  = 5
	seasonalMaxSP = 2
	seasonalMaxSQ = 2
	seasonalMaxD  = 2
)

// seasonalMaxAttempts is the hard budget of estimation attempts per search.
// The stepwise walk terminates on its own; the budget bounds the worst case
// when many candidates estimate slowly before failing.
const seasonalMaxAttempts = 48

// seasonalStrengthThreshold decides when a series is seasonal enough to take
// one round of seasonal differencing. 0.64 is the usual variance-ratio cutoff.
const seasonalStrengthThreshold = 0.64

// SeasonalForecaster fits an ARIMA-family model with automatic order
// selection. Differencing orders come from a unit-root test and a seasonal
// strength measure; (p,q) and seasonal (P,Q) are chosen by a stepwise walk
// that minimizes AIC. If no candidate converges the forecaster falls back to
// a fixed (1,1,1) model instead of failing the series outright.
type SeasonalForecaster struct {
	logger *logrus.Logger
	period int

	key       models.SeriesKey
	model     *arimaModel
	evaluated int
	fellBack  bool
}

// NewSeasonalForecaster creates a seasonal forecaster for the given seasonal
// period. Daily retail demand uses period 7.
func NewSeasonalForecaster(period int, logger *logrus.Logger) *SeasonalForecaster {
	if period < 1 {
		period = 1
	}
	return &SeasonalForecaster{
		logger: logger,
		period: period,
	}
}

// Kind returns the model family identifier.
func (s *SeasonalForecaster) Kind() ModelKind {
	return KindSeasonal
}

// Fit selects and estimates the best order for the frame's demand series.
func (s *SeasonalForecaster) Fit(ctx context.Context, frame *timeseries.Frame) error {
	y := frame.Demand
	if len(y) < MinObservations {
		return NewInsufficientDataError(frame.Key.String(), MinObservations, len(y))
	}
	s.key = frame.Key

	d := stats.SuggestDifferencing(y, seasonalMaxD)

	sd := 0
	seasonal := s.period > 1 && len(y) >= 3*s.period
	if seasonal {
		if strength := stats.SeasonalStrength(y, s.period); strength >= seasonalStrengthThreshold {
			sd = 1
		}
	}

	model, evaluated, err := s.search(ctx, y, d, sd, seasonal)
	if err != nil {
		return err
	}
	s.model = model
	s.evaluated = evaluated

	fields := logrus.Fields{
		"series":    s.key.String(),
		"order":     model.order.String(),
		"aic":       model.ic.AIC,
		"bic":       model.ic.BIC,
		"evaluated": evaluated,
		"fallback":  s.fellBack,
	}
	if diag := model.diagnostics(); diag != nil {
		fields["ljung_box_p"] = diag.PValue
		if diag.Autocorrelated() {
			s.logger.WithFields(fields).Debug("Seasonal model fitted, residuals still autocorrelated")
			return nil
		}
	}
	s.logger.WithFields(fields).Debug("Seasonal model fitted")
	return nil
}

// orderSpec is a candidate point in the stepwise search space.
type orderSpec struct {
	p, q, sp, sq int
}

// search walks the order space starting from a handful of simple models and
// moving to the best AIC neighbor until no move improves. Candidates that fail
// to estimate are skipped; if nothing at all converges the fixed fallback
// order is tried before giving up.
func (s *SeasonalForecaster) search(ctx context.Context, y []float64, d, sd int, seasonal bool) (*arimaModel, int, error) {
	start := []orderSpec{
		{0, 0, 0, 0}, {1, 0, 0, 0}, {0, 1, 0, 0}, {1, 1, 0, 0}, {2, 2, 0, 0},
	}
	if seasonal {
		start = append(start, orderSpec{1, 1, 1, 1}, orderSpec{0, 0, 1, 1})
	}

	evaluated := 0
	attempts := 0
	bestAIC := math.Inf(1)
	var best *arimaModel
	var bestSpec orderSpec

	try := func(spec orderSpec) *arimaModel {
		if attempts >= seasonalMaxAttempts {
			return nil
		}
		if spec.p < 0 || spec.p > seasonalMaxP || spec.q < 0 || spec.q > seasonalMaxQ {
			return nil
		}
		if spec.sp < 0 || spec.sp > seasonalMaxSP || spec.sq < 0 || spec.sq > seasonalMaxSQ {
			return nil
		}
		attempts++
		order := arimaOrder{P: spec.p, D: d, Q: spec.q}
		if seasonal {
			order.SP, order.SD, order.SQ, order.Period = spec.sp, sd, spec.sq, s.period
		}
		m := newARIMA(order)
		if err := m.fit(y); err != nil {
			return nil
		}
		evaluated++
		return m
	}

	for _, spec := range start {
		if err := ctx.Err(); err != nil {
			return nil, evaluated, err
		}
		if m := try(spec); m != nil && m.ic.AIC < bestAIC {
			bestAIC = m.ic.AIC
			best = m
			bestSpec = spec
		}
	}

	for improved := best != nil; improved; {
		improved = false
		neighbors := []orderSpec{
			{bestSpec.p + 1, bestSpec.q, bestSpec.sp, bestSpec.sq},
			{bestSpec.p - 1, bestSpec.q, bestSpec.sp, bestSpec.sq},
			{bestSpec.p, bestSpec.q + 1, bestSpec.sp, bestSpec.sq},
			{bestSpec.p, bestSpec.q - 1, bestSpec.sp, bestSpec.sq},
			{bestSpec.p + 1, bestSpec.q + 1, bestSpec.sp, bestSpec.sq},
			{bestSpec.p - 1, bestSpec.q - 1, bestSpec.sp, bestSpec.sq},
		}
		if seasonal {
			neighbors = append(neighbors,
				orderSpec{bestSpec.p, bestSpec.q, bestSpec.sp + 1, bestSpec.sq},
				orderSpec{bestSpec.p, bestSpec.q, bestSpec.sp - 1, bestSpec.sq},
				orderSpec{bestSpec.p, bestSpec.q, bestSpec.sp, bestSpec.sq + 1},
				orderSpec{bestSpec.p, bestSpec.q, bestSpec.sp, bestSpec.sq - 1},
			)
		}
		for _, spec := range neighbors {
			if err := ctx.Err(); err != nil {
				return nil, evaluated, err
			}
			if m := try(spec); m != nil && m.ic.AIC < bestAIC {
				bestAIC = m.ic.AIC
				best = m
				bestSpec = spec
				improved = true
			}
		}
	}

	if best != nil {
		return best, evaluated, nil
	}

	// Degraded-but-available policy: a fixed low order, no seasonal terms.
	fallback := newARIMA(arimaOrder{P: 1, D: 1, Q: 1})
	if err := fallback.fit(y); err != nil {
		return nil, evaluated, NewModelFitError(string(KindSeasonal), s.key.String(), err)
	}
	s.fellBack = true
	s.logger.WithField("series", s.key.String()).Warn("Seasonal order search failed, using fixed (1,1,1) fallback")
	return fallback, evaluated + 1, nil
}

// Predict produces the horizon forecast with confidence bounds, floored at
// zero.
func (s *SeasonalForecaster) Predict(ctx context.Context, horizon int) (*models.ForecastResult, error) {
	if s.model == nil {
		return nil, NewNotFittedError("seasonal predict")
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	point, lower, upper, err := s.model.forecast(horizon, DefaultConfidence)
	if err != nil {
		return nil, err
	}
	fallbackLevel := timeseries.Mean(s.model.original)
	if n := sanitizeForecast(point, fallbackLevel); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"series":   s.key.String(),
			"replaced": n,
		}).Warn("Seasonal forecast produced non-finite values")
		sanitizeForecast(lower, fallbackLevel)
		sanitizeForecast(upper, fallbackLevel)
	}
	return newResult(s.key, string(KindSeasonal), point, lower, upper), nil
}

// Validate fits a scratch model on train and scores it against the holdout
// demand. The production fit, if any, is left untouched.
func (s *SeasonalForecaster) Validate(ctx context.Context, train, holdout *timeseries.Frame) (models.AccuracyMetrics, error) {
	if holdout.Len() == 0 {
		return models.AccuracyMetrics{}, NewInsufficientDataError(train.Key.String(), 1, 0)
	}
	scratch := NewSeasonalForecaster(s.period, s.logger)
	if err := scratch.Fit(ctx, train); err != nil {
		return models.AccuracyMetrics{}, err
	}
	result, err := scratch.Predict(ctx, holdout.Len())
	if err != nil {
		return models.AccuracyMetrics{}, err
	}
	return Accuracy(holdout.Demand, result.Points), nil
}

// Diagnostics exposes the Ljung-Box residual test of the fitted model, nil
// before Fit.
func (s *SeasonalForecaster) Diagnostics() *stats.LjungBoxResult {
	if s.model == nil {
		return nil
	}
	return s.model.diagnostics()
}
