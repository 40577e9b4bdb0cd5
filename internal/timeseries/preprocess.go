package timeseries

import (
	"sort"
	"time"
)

// Regularize returns a frame on a complete daily grid between the first and
// last observation. Missing days become explicit zero-demand rows; price and
// stock covariates carry the last known value forward. The historical-data
// provider is expected to deliver regular frames already, so this is a repair
// step, not the normal path.
func Regularize(f *Frame) *Frame {
	if f.Len() < 2 {
		return f
	}

	first, last := f.Dates[0], f.Last()
	days := int(last.Sub(first)/Day) + 1
	if days == f.Len() {
		return f
	}

	out := &Frame{
		Key:    f.Key,
		Dates:  make([]time.Time, 0, days),
		Demand: make([]float64, 0, days),
	}
	hasPrice := len(f.Price) == f.Len()
	hasStock := len(f.Stock) == f.Len()
	if hasPrice {
		out.Price = make([]float64, 0, days)
	}
	if hasStock {
		out.Stock = make([]float64, 0, days)
	}

	src := 0
	lastPrice, lastStock := 0.0, 0.0
	for d := first; !d.After(last); d = d.Add(Day) {
		if src < f.Len() && f.Dates[src].Equal(d) {
			out.Demand = append(out.Demand, f.Demand[src])
			if hasPrice {
				lastPrice = f.Price[src]
			}
			if hasStock {
				lastStock = f.Stock[src]
			}
			src++
		} else {
			out.Demand = append(out.Demand, 0)
		}
		out.Dates = append(out.Dates, d)
		if hasPrice {
			out.Price = append(out.Price, lastPrice)
		}
		if hasStock {
			out.Stock = append(out.Stock, lastStock)
		}
	}

	return out
}

// ClampNonNegative floors demand at zero in place and returns the number of
// values that were clamped.
func ClampNonNegative(f *Frame) int {
	clamped := 0
	for i, v := range f.Demand {
		if v < 0 {
			f.Demand[i] = 0
			clamped++
		}
	}
	return clamped
}

// CapOutliers caps demand values outside 1.5x the interquartile range in
// place and returns how many values were capped. Promotional spikes otherwise
// dominate the statistical fits.
func CapOutliers(f *Frame) int {
	n := f.Len()
	if n < 4 {
		return 0
	}

	sorted := append([]float64(nil), f.Demand...)
	sort.Float64s(sorted)
	q1 := quantileSorted(sorted, 0.25)
	q3 := quantileSorted(sorted, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return 0
	}

	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr
	if lo < 0 {
		lo = 0
	}

	capped := 0
	for i, v := range f.Demand {
		switch {
		case v < lo:
			f.Demand[i] = lo
			capped++
		case v > hi:
			f.Demand[i] = hi
			capped++
		}
	}
	return capped
}

// InterpolateZeroRuns linearly interpolates interior runs of zero demand no
// longer than maxRun, treating them as missing data rather than true zero
// sales. Leading and trailing zeros are left untouched.
func InterpolateZeroRuns(f *Frame, maxRun int) int {
	n := f.Len()
	if n < 3 || maxRun < 1 {
		return 0
	}

	filled := 0
	i := 1
	for i < n-1 {
		if f.Demand[i] != 0 {
			i++
			continue
		}
		start := i
		for i < n-1 && f.Demand[i] == 0 {
			i++
		}
		end := i // first non-zero index after the run, or n-1
		runLen := end - start
		if f.Demand[end] == 0 || runLen > maxRun || f.Demand[start-1] == 0 {
			continue
		}
		left, right := f.Demand[start-1], f.Demand[end]
		for j := start; j < end; j++ {
			t := float64(j-start+1) / float64(runLen+1)
			f.Demand[j] = left + t*(right-left)
			filled++
		}
	}
	return filled
}

// quantileSorted returns the q-th quantile of an ascending-sorted slice using
// linear interpolation between closest ranks.
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
