// Package stats provides the statistical tests and criteria used by the
// forecasting engine: unit-root testing, autocorrelation, residual
// diagnostics, and information criteria.
package stats

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ADFResult holds the outcome of an augmented Dickey-Fuller unit-root test.
type ADFResult struct {
	Statistic    float64
	PValue       float64
	Lags         int
	NObs         int
	IsStationary bool
}

// ADF runs the augmented Dickey-Fuller test (constant, no trend) on x.
// The null hypothesis is a unit root; p < 0.05 rejects it, so IsStationary
// means the series can be modelled without further differencing. maxLag <= 0
// selects floor((n-1)^(1/3)).
func ADF(x []float64, maxLag int) *ADFResult {
	n := len(x)
	if n < 10 {
		return nil
	}

	if maxLag <= 0 {
		maxLag = int(math.Floor(math.Pow(float64(n-1), 1.0/3.0)))
	}
	if maxLag >= n-1 {
		maxLag = n - 2
	}

	diff := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diff[i-1] = x[i] - x[i-1]
	}

	// Regression: dy_t = alpha + beta*y_{t-1} + sum gamma_i * dy_{t-i}.
	// beta's t-statistic is the test statistic.
	nObs := n - maxLag - 1
	if nObs < 10 {
		return nil
	}

	k := 2 + maxLag
	X := mat.NewDense(nObs, k, nil)
	y := mat.NewVecDense(nObs, nil)
	for i := 0; i < nObs; i++ {
		t := i + maxLag
		y.SetVec(i, diff[t])
		X.Set(i, 0, 1)
		X.Set(i, 1, x[t])
		for j := 1; j <= maxLag; j++ {
			X.Set(i, 1+j, diff[t-j])
		}
	}

	coeffs, se, ok := olsWithStdErr(X, y)
	if !ok {
		return nil
	}
	if se[1] == 0 {
		return nil
	}

	tStat := coeffs[1] / se[1]
	pValue := mackinnonPValue(tStat)

	return &ADFResult{
		Statistic:    tStat,
		PValue:       pValue,
		Lags:         maxLag,
		NObs:         nObs,
		IsStationary: pValue < 0.05,
	}
}

// olsWithStdErr solves the least-squares problem and returns coefficient
// standard errors from s^2 * diag((X'X)^-1).
func olsWithStdErr(X *mat.Dense, y *mat.VecDense) (coeffs, stdErr []float64, ok bool) {
	n, k := X.Dims()
	if n <= k {
		return nil, nil, false
	}

	var xtx mat.Dense
	xtx.Mul(X.T(), X)

	var xtxInv mat.Dense
	if err := xtxInv.Inverse(&xtx); err != nil {
		return nil, nil, false
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), y)

	var beta mat.VecDense
	beta.MulVec(&xtxInv, &xty)

	var fitted mat.VecDense
	fitted.MulVec(X, &beta)

	sse := 0.0
	for i := 0; i < n; i++ {
		r := y.AtVec(i) - fitted.AtVec(i)
		sse += r * r
	}
	s2 := sse / float64(n-k)

	coeffs = make([]float64, k)
	stdErr = make([]float64, k)
	for i := 0; i < k; i++ {
		coeffs[i] = beta.AtVec(i)
		stdErr[i] = math.Sqrt(s2 * xtxInv.At(i, i))
	}
	return coeffs, stdErr, true
}

// mackinnonPValue maps an ADF t-statistic to an approximate p-value using the
// MacKinnon critical-value table for the constant-only regression.
func mackinnonPValue(stat float64) float64 {
	switch {
	case stat < -3.96:
		return 0.001
	case stat < -3.43:
		return 0.01
	case stat < -2.86:
		return 0.05
	case stat < -2.57:
		return 0.10
	case stat < -1.94:
		return 0.25
	case stat < -1.62:
		return 0.50
	default:
		return math.Min(0.5+(stat+1.62)*0.25, 0.99)
	}
}

// SuggestDifferencing returns the number of first differences (0..maxD) needed
// to make x stationary according to repeated ADF tests.
func SuggestDifferencing(x []float64, maxD int) int {
	current := append([]float64(nil), x...)
	for d := 0; d < maxD; d++ {
		result := ADF(current, 0)
		if result != nil && result.IsStationary {
			return d
		}
		if len(current) < 2 {
			return d
		}
		next := make([]float64, len(current)-1)
		for i := 1; i < len(current); i++ {
			next[i-1] = current[i] - current[i-1]
		}
		current = next
		if len(current) < 10 {
			return d + 1
		}
	}
	return maxD
}
