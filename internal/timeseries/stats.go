package timeseries

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Diff returns the n-th order difference of x.
func Diff(x []float64, n int) []float64 {
	out := append([]float64(nil), x...)
	for k := 0; k < n; k++ {
		if len(out) < 2 {
			return nil
		}
		next := make([]float64, len(out)-1)
		for i := 1; i < len(out); i++ {
			next[i-1] = out[i] - out[i-1]
		}
		out = next
	}
	return out
}

// SeasonalDiff returns the lag-period difference of x.
func SeasonalDiff(x []float64, period int) []float64 {
	if period <= 0 || len(x) <= period {
		return nil
	}
	out := make([]float64, len(x)-period)
	for i := period; i < len(x); i++ {
		out[i-period] = x[i] - x[i-period]
	}
	return out
}

// RollingMean returns the trailing window mean at each position. Positions
// before a full window use the partial window, so the result has the same
// length as the input.
func RollingMean(x []float64, window int) []float64 {
	out := make([]float64, len(x))
	sum := 0.0
	for i, v := range x {
		sum += v
		if i >= window {
			sum -= x[i-window]
			out[i] = sum / float64(window)
		} else {
			out[i] = sum / float64(i+1)
		}
	}
	return out
}

// RollingStd returns the trailing window sample standard deviation at each
// position, with partial windows before a full window is available.
func RollingStd(x []float64, window int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		if i-start < 1 {
			out[i] = 0
			continue
		}
		out[i] = stat.StdDev(x[start:i+1], nil)
	}
	return out
}

// EWMA returns the exponentially weighted moving average of x with smoothing
// factor alpha in (0, 1].
func EWMA(x []float64, alpha float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

// Mean returns the arithmetic mean of x, 0 for an empty slice.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// Std returns the sample standard deviation of x, 0 when fewer than two values.
func Std(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// Trend returns the first-to-last change of x.
func Trend(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return x[len(x)-1] - x[0]
}

// DiffMeanTrend returns the mean first difference, the average per-step drift.
func DiffMeanTrend(x []float64) float64 {
	d := Diff(x, 1)
	if len(d) == 0 {
		return 0
	}
	return floats.Sum(d) / float64(len(d))
}

// CoefficientOfVariation returns std/mean, 0 when the mean is ~0.
func CoefficientOfVariation(x []float64) float64 {
	m := Mean(x)
	if math.Abs(m) < 1e-12 {
		return 0
	}
	return Std(x) / m
}
