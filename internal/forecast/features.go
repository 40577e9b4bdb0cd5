package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"

	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// Engineered feature configuration shared by the regression model and the
// meta-learner. Lags cover the short memory, the weekly cycle, and the
// monthly cycle of daily demand.
var (
	demandLags     = []int{1, 2, 3, 7, 14, 30}
	rollingWindows = []int{7, 14, 30}
)

// smoothingPeriod is the window for the SMA and EMA smoother features.
const smoothingPeriod = 7

// featureSet precomputes the per-series inputs the feature vector needs, so
// building one vector is O(number of features) instead of O(series length).
type featureSet struct {
	frame *timeseries.Frame
	sma   []float64
	ema   []float64
}

// newFeatureSet prepares smoothed series for the frame. SMA and EMA come from
// the indicator pipeline; the leading window, where the indicator has no
// output yet, is filled with trailing partial means so every index is usable.
func newFeatureSet(frame *timeseries.Frame) *featureSet {
	return &featureSet{
		frame: frame,
		sma:   alignedSMA(frame.Demand, smoothingPeriod),
		ema:   alignedEMA(frame.Demand, smoothingPeriod),
	}
}

// alignedSMA returns the simple moving average aligned to the input indices.
func alignedSMA(x []float64, period int) []float64 {
	out := timeseries.RollingMean(x, period)
	if len(x) < period {
		return out
	}
	smaIndicator := trend.NewSmaWithPeriod[float64](period)
	values := helper.ChanToSlice(smaIndicator.Compute(helper.SliceToChan(x)))
	for j, v := range values {
		out[j+period-1] = v
	}
	return out
}

// alignedEMA returns the exponential moving average aligned to the input
// indices.
func alignedEMA(x []float64, period int) []float64 {
	out := timeseries.EWMA(x, 2/float64(period+1))
	if len(x) < period {
		return out
	}
	emaIndicator := trend.NewEmaWithPeriod[float64](period)
	values := helper.ChanToSlice(emaIndicator.Compute(helper.SliceToChan(x)))
	for j, v := range values {
		out[j+period-1] = v
	}
	return out
}

// names returns the feature labels in the same order vector emits values.
func (fs *featureSet) names() []string {
	names := make([]string, 0, fs.width())
	for _, lag := range demandLags {
		names = append(names, fmt.Sprintf("lag_%d", lag))
	}
	for _, w := range rollingWindows {
		names = append(names, fmt.Sprintf("roll_mean_%d", w), fmt.Sprintf("roll_std_%d", w))
	}
	names = append(names,
		fmt.Sprintf("sma_%d", smoothingPeriod),
		fmt.Sprintf("ema_%d", smoothingPeriod),
	)
	names = append(names, calendarFeatureNames()...)
	names = append(names, "step", "price", "stock")
	return names
}

// width returns the feature vector length.
func (fs *featureSet) width() int {
	return len(demandLags) + 2*len(rollingWindows) + 2 + calendarWidth + 3
}

// vector builds the feature vector for a forecast origin and step. cut is the
// number of known observations (the origin sits after index cut-1), step is
// how many days ahead the target lies, and date is the target date. Only
// demand up to the cut is read, so the same construction serves training
// samples and live prediction.
func (fs *featureSet) vector(cut, step int, date time.Time) []float64 {
	demand := fs.frame.Demand
	v := make([]float64, 0, fs.width())

	for _, lag := range demandLags {
		idx := cut - lag
		if idx < 0 {
			idx = 0
		}
		v = append(v, demand[idx])
	}

	for _, w := range rollingWindows {
		lo := cut - w
		if lo < 0 {
			lo = 0
		}
		window := demand[lo:cut]
		v = append(v, timeseries.Mean(window), timeseries.Std(window))
	}

	v = append(v, fs.sma[cut-1], fs.ema[cut-1])
	v = append(v, calendarFeatures(date)...)
	v = append(v, float64(step))

	price, stock := 0.0, 0.0
	if len(fs.frame.Price) >= cut && cut > 0 {
		price = fs.frame.Price[cut-1]
	}
	if len(fs.frame.Stock) >= cut && cut > 0 {
		stock = fs.frame.Stock[cut-1]
	}
	v = append(v, price, stock)
	return v
}

// calendarWidth is the number of calendar features.
const calendarWidth = 5

// calendarFeatureNames returns labels for the calendar block.
func calendarFeatureNames() []string {
	return []string{"dow_sin", "dow_cos", "month_sin", "month_cos", "weekend"}
}

// calendarFeatures encodes a date cyclically. Sine and cosine pairs keep
// Sunday adjacent to Monday and December adjacent to January, which plain
// ordinal encodings break.
func calendarFeatures(date time.Time) []float64 {
	dow := float64(date.Weekday())
	month := float64(date.Month() - 1)

	weekend := 0.0
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1.0
	}
	return []float64{
		math.Sin(2 * math.Pi * dow / 7),
		math.Cos(2 * math.Pi * dow / 7),
		math.Sin(2 * math.Pi * month / 12),
		math.Cos(2 * math.Pi * month / 12),
		weekend,
	}
}

// trainingSamples expands a frame into supervised samples. Each target index
// becomes one sample; the step cycles through 1..maxStep so the model sees
// every lead time it will be asked to predict. Targets before minCut are
// skipped to guarantee at least a short history behind every sample.
func (fs *featureSet) trainingSamples(minCut, maxStep int) (X [][]float64, y []float64) {
	n := fs.frame.Len()
	if maxStep < 1 {
		maxStep = 1
	}
	for t := minCut; t < n; t++ {
		step := (t-minCut)%maxStep + 1
		cut := t - step + 1
		if cut < 1 {
			continue
		}
		X = append(X, fs.vector(cut, step, fs.frame.Dates[t]))
		y = append(y, fs.frame.Demand[t])
	}
	return X, y
}
