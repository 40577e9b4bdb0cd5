package forecast

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// Sequence model hyperparameters. The window covers a month of daily demand;
// training follows the same momentum descent with patience and best-weight
// restore the seasonal estimator uses.
const (
	sequenceWindow     = 30
	sequenceHidden     = 16
	sequenceEpochs     = 100
	sequencePatience   = 10
	sequenceLearnRate  = 0.01
	sequenceMomentum   = 0.9
	sequenceDecay      = 0.99
	sequenceDropout    = 0.2
	sequenceGradClip   = 5.0
	sequenceMCPasses   = 30
	sequenceSeed       = 42
	fallbackBandFactor = 0.20
)

// sequenceInputs is the per-timestep input width: scaled demand, rolling
// mean, exponential mean, and the calendar block.
const sequenceInputs = 3 + calendarWidth

// SequenceForecaster is a gated recurrent network over sliding demand
// windows. It predicts one step at a time and feeds each prediction back
// into the window to roll out the full horizon. Confidence intervals come
// from Monte-Carlo dropout passes; a flat fallback band is used when the
// stochastic envelope is unavailable.
type SequenceForecaster struct {
	logger *logrus.Logger
	window int

	key      models.SeriesKey
	frame    *timeseries.Frame
	weights  *gruWeights
	scaleMin float64
	scaleMax float64
	padded   bool
}

// NewSequenceForecaster creates a sequence forecaster with the given window
// length. Histories shorter than the window are zero-padded at the front.
func NewSequenceForecaster(window int, logger *logrus.Logger) *SequenceForecaster {
	if window < 2 {
		window = sequenceWindow
	}
	return &SequenceForecaster{
		logger: logger,
		window: window,
	}
}

// Kind returns the model family identifier.
func (s *SequenceForecaster) Kind() ModelKind {
	return KindSequence
}

// Fit scales the demand to the unit interval, expands it into sliding
// windows, and trains the recurrent weights with backpropagation through
// time.
func (s *SequenceForecaster) Fit(ctx context.Context, frame *timeseries.Frame) error {
	n := frame.Len()
	if n < MinObservations {
		return NewInsufficientDataError(frame.Key.String(), MinObservations, n)
	}
	s.key = frame.Key
	s.frame = frame

	s.scaleMin, s.scaleMax = minMax(frame.Demand)
	if s.scaleMax <= s.scaleMin {
		// Flat series: nothing to learn, prediction is the constant level.
		s.weights = nil
		return nil
	}

	if n < s.window+1 {
		s.padded = true
		s.logger.WithFields(logrus.Fields{
			"series": s.key.String(),
			"window": s.window,
			"length": n,
		}).Warn("History shorter than sequence window, padding with zeros")
	}

	inputs, targets := s.buildWindows(frame)
	if len(inputs) == 0 {
		return NewInsufficientDataError(frame.Key.String(), s.window+1, n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(sequenceSeed))
	weights := newGRUWeights(sequenceInputs, sequenceHidden, rng)
	if err := weights.train(ctx, inputs, targets, rng); err != nil {
		return NewModelFitError(string(KindSequence), s.key.String(), err)
	}
	s.weights = weights
	return nil
}

// scale maps demand onto [0,1] with the bounds captured at fit time.
func (s *SequenceForecaster) scale(v float64) float64 {
	return (v - s.scaleMin) / (s.scaleMax - s.scaleMin)
}

// unscale maps a model output back to demand units.
func (s *SequenceForecaster) unscale(v float64) float64 {
	return v*(s.scaleMax-s.scaleMin) + s.scaleMin
}

// inputAt builds the per-timestep input vector. scaled is the scaled demand
// series including any rolled-out predictions; i indexes into it, date is the
// calendar date of that position.
func inputAt(scaled []float64, i int, date time.Time) []float64 {
	v := make([]float64, 0, sequenceInputs)
	v = append(v, scaled[i])

	lo := i - 6
	if lo < 0 {
		lo = 0
	}
	v = append(v, timeseries.Mean(scaled[lo:i+1]))

	ew := scaled[0]
	for j := 1; j <= i; j++ {
		ew = 0.3*scaled[j] + 0.7*ew
	}
	v = append(v, ew)

	return append(v, calendarFeatures(date)...)
}

// buildWindows expands the frame into (window, next value) training pairs in
// scaled space. If the history is shorter than the window the leading slots
// stay zero.
func (s *SequenceForecaster) buildWindows(frame *timeseries.Frame) (inputs [][][]float64, targets []float64) {
	n := frame.Len()
	scaled := make([]float64, n)
	for i, v := range frame.Demand {
		scaled[i] = s.scale(v)
	}

	firstTarget := s.window
	if s.padded {
		firstTarget = n / 2
		if firstTarget < 1 {
			firstTarget = 1
		}
	}

	for t := firstTarget; t < n; t++ {
		win := make([][]float64, s.window)
		for k := 0; k < s.window; k++ {
			src := t - s.window + k
			if src < 0 {
				win[k] = make([]float64, sequenceInputs)
				continue
			}
			win[k] = inputAt(scaled, src, frame.Dates[src])
		}
		inputs = append(inputs, win)
		targets = append(targets, scaled[t])
	}
	return inputs, targets
}

// Predict rolls the network forward one step at a time, feeding predictions
// back into the window. The interval envelope is the 2.5th and 97.5th
// percentile over stochastic dropout passes.
func (s *SequenceForecaster) Predict(ctx context.Context, horizon int) (*models.ForecastResult, error) {
	if s.frame == nil {
		return nil, NewNotFittedError("sequence predict")
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.weights == nil {
		// Flat-series shortcut from Fit.
		point := make([]float64, horizon)
		lower := make([]float64, horizon)
		upper := make([]float64, horizon)
		for h := range point {
			point[h] = s.scaleMin
			lower[h] = s.scaleMin * (1 - fallbackBandFactor)
			upper[h] = s.scaleMin * (1 + fallbackBandFactor)
		}
		return newResult(s.key, string(KindSequence), point, lower, upper), nil
	}

	point := s.rollout(horizon, nil)

	passes := make([][]float64, 0, sequenceMCPasses)
	rng := rand.New(rand.NewSource(sequenceSeed + 1))
	for p := 0; p < sequenceMCPasses; p++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		passes = append(passes, s.rollout(horizon, rng))
	}

	lower := make([]float64, horizon)
	upper := make([]float64, horizon)
	envelope := true
	sample := make([]float64, len(passes))
	for h := 0; h < horizon; h++ {
		for p := range passes {
			sample[p] = passes[p][h]
		}
		sort.Float64s(sample)
		lo := stat.Quantile(0.025, stat.Empirical, sample, nil)
		hi := stat.Quantile(0.975, stat.Empirical, sample, nil)
		if math.IsNaN(lo) || math.IsNaN(hi) {
			envelope = false
			break
		}
		lower[h] = lo
		upper[h] = hi
	}
	if !envelope {
		for h := 0; h < horizon; h++ {
			band := fallbackBandFactor * math.Abs(point[h]) * math.Sqrt(float64(h+1))
			lower[h] = point[h] - band
			upper[h] = point[h] + band
		}
	}

	fallbackLevel := timeseries.Mean(s.frame.Demand)
	if n := sanitizeForecast(point, fallbackLevel); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"series":   s.key.String(),
			"replaced": n,
		}).Warn("Sequence forecast produced non-finite values")
		sanitizeForecast(lower, fallbackLevel)
		sanitizeForecast(upper, fallbackLevel)
	}
	return newResult(s.key, string(KindSequence), point, lower, upper), nil
}

// rollout produces a horizon of predictions in demand units. A nil rng means
// a deterministic pass; otherwise dropout stays active for the Monte-Carlo
// envelope.
func (s *SequenceForecaster) rollout(horizon int, rng *rand.Rand) []float64 {
	n := s.frame.Len()
	scaled := make([]float64, n, n+horizon)
	for i, v := range s.frame.Demand {
		scaled[i] = s.scale(v)
	}
	dates := append(append([]time.Time(nil), s.frame.Dates...), s.frame.FutureDates(horizon)...)

	out := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		end := len(scaled)
		win := make([][]float64, s.window)
		for k := 0; k < s.window; k++ {
			src := end - s.window + k
			if src < 0 {
				win[k] = make([]float64, sequenceInputs)
				continue
			}
			win[k] = inputAt(scaled, src, dates[src])
		}
		pred := s.weights.forward(win, rng)
		if pred < 0 {
			pred = 0
		}
		if pred > 1.5 {
			pred = 1.5
		}
		scaled = append(scaled, pred)
		out[h] = s.unscale(pred)
	}
	return out
}

// Validate trains a scratch copy on the train frame and scores it against
// the holdout.
func (s *SequenceForecaster) Validate(ctx context.Context, train, holdout *timeseries.Frame) (models.AccuracyMetrics, error) {
	if holdout.Len() == 0 {
		return models.AccuracyMetrics{}, NewInsufficientDataError(train.Key.String(), 1, 0)
	}
	scratch := NewSequenceForecaster(s.window, s.logger)
	if err := scratch.Fit(ctx, train); err != nil {
		return models.AccuracyMetrics{}, err
	}
	result, err := scratch.Predict(ctx, holdout.Len())
	if err != nil {
		return models.AccuracyMetrics{}, err
	}
	return Accuracy(holdout.Demand, result.Points), nil
}

func minMax(x []float64) (lo, hi float64) {
	if len(x) == 0 {
		return 0, 0
	}
	lo, hi = x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
