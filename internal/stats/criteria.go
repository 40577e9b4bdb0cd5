package stats

import "math"

// InformationCriteria bundles the model-selection scores computed from a fit's
// log-likelihood.
type InformationCriteria struct {
	AIC    float64
	AICc   float64
	BIC    float64
	LogLik float64
}

// CalculateIC computes AIC, small-sample corrected AICc, and BIC.
func CalculateIC(logLik float64, nObs, nParams int) InformationCriteria {
	k := float64(nParams)
	n := float64(nObs)

	aic := -2*logLik + 2*k
	bic := -2*logLik + k*math.Log(n)

	aicc := math.Inf(1)
	if n-k-1 > 0 {
		aicc = aic + 2*k*(k+1)/(n-k-1)
	}

	return InformationCriteria{AIC: aic, AICc: aicc, BIC: bic, LogLik: logLik}
}

// SeasonalStrength measures the share of variance explained by a seasonal
// pattern of the given period, in [0, 1]. Values >= 0.64 indicate seasonality
// strong enough to warrant a seasonal difference.
func SeasonalStrength(x []float64, period int) float64 {
	n := len(x)
	if period <= 1 || n < 2*period {
		return 0
	}

	// Detrend with a centered moving average of one period.
	trend := make([]float64, n)
	half := period / 2
	for i := range x {
		lo, hi := i-half, i+half
		if lo < 0 {
			lo = 0
		}
		if hi >= n {
			hi = n - 1
		}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			sum += x[j]
		}
		trend[i] = sum / float64(hi-lo+1)
	}

	detrended := make([]float64, n)
	for i := range x {
		detrended[i] = x[i] - trend[i]
	}

	// Seasonal component: mean of detrended values per phase.
	seasonal := make([]float64, period)
	counts := make([]int, period)
	for i, v := range detrended {
		seasonal[i%period] += v
		counts[i%period]++
	}
	for i := range seasonal {
		if counts[i] > 0 {
			seasonal[i] /= float64(counts[i])
		}
	}

	residual := make([]float64, n)
	seasonalPlusResid := make([]float64, n)
	for i := range detrended {
		s := seasonal[i%period]
		residual[i] = detrended[i] - s
		seasonalPlusResid[i] = detrended[i]
	}

	varR := sampleVariance(residual)
	varSR := sampleVariance(seasonalPlusResid)
	if varSR == 0 {
		return 0
	}

	strength := 1 - varR/varSR
	if strength < 0 {
		return 0
	}
	return strength
}

func sampleVariance(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)
	sum := 0.0
	for _, v := range x {
		d := v - mean
		sum += d * d
	}
	return sum / float64(n-1)
}
