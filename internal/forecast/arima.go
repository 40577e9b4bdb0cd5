package forecast

import (
	"errors"
	"fmt"
	"math"

	"github.com/demandcast/demandcast-go/internal/stats"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// arimaOrder is a SARIMA specification (p,d,q)(P,D,Q)m.
type arimaOrder struct {
	P, D, Q    int
	SP, SD, SQ int
	Period     int
}

// String renders the order in the conventional (p,d,q)(P,D,Q)[m] notation.
func (o arimaOrder) String() string {
	if o.Period > 1 {
		return fmt.Sprintf("(%d,%d,%d)(%d,%d,%d)[%d]", o.P, o.D, o.Q, o.SP, o.SD, o.SQ, o.Period)
	}
	return fmt.Sprintf("(%d,%d,%d)", o.P, o.D, o.Q)
}

// params returns the number of estimated coefficients including the intercept.
func (o arimaOrder) params() int {
	return o.P + o.Q + o.SP + o.SQ + 1
}

// minObservations returns the shortest series this order can be estimated on.
func (o arimaOrder) minObservations() int {
	return o.P + o.D + o.Q + (o.SP+o.SD+o.SQ)*o.Period + 20
}

// arimaModel holds a fitted SARIMA model on the differenced scale. Estimation
// uses conditional sum of squares with gradient descent; exact likelihood is
// out of reach without a state-space filter and CSS is close enough for
// order selection on daily demand data.
type arimaModel struct {
	order     arimaOrder
	ar        []float64
	ma        []float64
	sar       []float64
	sma       []float64
	intercept float64
	variance  float64
	logLik    float64
	ic        stats.InformationCriteria

	original  []float64
	work      []float64
	residuals []float64
	fittedVal []float64
	trained   bool
}

const (
	cssMaxIter      = 200
	cssTolerance    = 1e-8
	cssLearningRate = 0.005
	cssMomentum     = 0.9
	cssDecay        = 0.99
	cssCoeffBound   = 0.99
	cssPatience     = 20
)

func newARIMA(order arimaOrder) *arimaModel {
	return &arimaModel{
		order: order,
		ar:    make([]float64, order.P),
		ma:    make([]float64, order.Q),
		sar:   make([]float64, order.SP),
		sma:   make([]float64, order.SQ),
	}
}

// fit estimates the model on y. The series is differenced first (non-seasonal
// then seasonal), coefficients are seeded from the ACF, and the CSS objective
// is minimized by momentum gradient descent.
func (m *arimaModel) fit(y []float64) error {
	if len(y) < m.order.minObservations() {
		return fmt.Errorf("series too short for order %s: need %d, have %d",
			m.order, m.order.minObservations(), len(y))
	}

	m.original = append([]float64(nil), y...)

	work := timeseries.Diff(y, m.order.D)
	if work == nil {
		return errors.New("differencing produced an empty series")
	}
	for i := 0; i < m.order.SD; i++ {
		work = timeseries.SeasonalDiff(work, m.order.Period)
		if work == nil {
			return errors.New("seasonal differencing produced an empty series")
		}
	}
	m.work = work

	m.seedCoefficients()
	m.estimate()
	m.finalize()

	m.trained = true
	return nil
}

// seedCoefficients initializes the intercept and coefficients. AR terms start
// at half the corresponding autocorrelation, MA terms at a small constant.
func (m *arimaModel) seedCoefficients() {
	m.intercept = timeseries.Mean(m.work)

	if m.order.P > 0 {
		if acf := stats.ACF(m.work, m.order.P); acf != nil {
			for i := 0; i < m.order.P && i+1 < len(acf); i++ {
				m.ar[i] = acf[i+1] * 0.5
			}
		}
	}
	if m.order.SP > 0 {
		if acf := stats.ACF(m.work, m.order.SP*m.order.Period); acf != nil {
			for i := 0; i < m.order.SP; i++ {
				if idx := (i + 1) * m.order.Period; idx < len(acf) {
					m.sar[i] = acf[idx] * 0.5
				}
			}
		}
	}
	for i := range m.ma {
		m.ma[i] = 0.1
	}
	for i := range m.sma {
		m.sma[i] = 0.1
	}
}

// stepAhead computes the one-step prediction at index t on the differenced
// scale. resid must hold residuals for all indices before t; entries at or
// beyond the observed range must be zero so future shocks drop out.
func (m *arimaModel) stepAhead(t int, y, resid []float64) float64 {
	pred := m.intercept
	for i := 0; i < m.order.P && t-i-1 >= 0; i++ {
		pred += m.ar[i] * (y[t-i-1] - m.intercept)
	}
	for i := 0; i < m.order.SP; i++ {
		if lag := (i + 1) * m.order.Period; t-lag >= 0 {
			pred += m.sar[i] * (y[t-lag] - m.intercept)
		}
	}
	for i := 0; i < m.order.Q && t-i-1 >= 0; i++ {
		pred += m.ma[i] * resid[t-i-1]
	}
	for i := 0; i < m.order.SQ; i++ {
		if lag := (i + 1) * m.order.Period; t-lag >= 0 {
			pred += m.sma[i] * resid[t-lag]
		}
	}
	return pred
}

// estimate runs the momentum gradient descent over the CSS objective. The
// best coefficient set seen is restored at the end, so a diverging tail of
// iterations cannot worsen the fit.
func (m *arimaModel) estimate() {
	y := m.work
	n := len(y)
	p, q := m.order.P, m.order.Q
	sp, sq := m.order.SP, m.order.SQ
	period := m.order.Period

	arVel := make([]float64, p)
	maVel := make([]float64, q)
	sarVel := make([]float64, sp)
	smaVel := make([]float64, sq)

	startIdx := maxInt(maxInt(p, q), maxInt(sp*period, sq*period))
	if startIdx >= n-10 {
		startIdx = 0
	}

	bestSSE := math.Inf(1)
	bestAR := make([]float64, p)
	bestMA := make([]float64, q)
	bestSAR := make([]float64, sp)
	bestSMA := make([]float64, sq)
	stale := 0
	lr := cssLearningRate

	for iter := 0; iter < cssMaxIter; iter++ {
		resid := make([]float64, n)
		sse := 0.0
		for t := startIdx; t < n; t++ {
			resid[t] = y[t] - m.stepAhead(t, y, resid)
			sse += resid[t] * resid[t]
		}

		if sse < bestSSE {
			bestSSE = sse
			copy(bestAR, m.ar)
			copy(bestMA, m.ma)
			copy(bestSAR, m.sar)
			copy(bestSMA, m.sma)
			stale = 0
		} else {
			stale++
		}
		if stale > cssPatience {
			break
		}

		arGrad := make([]float64, p)
		maGrad := make([]float64, q)
		sarGrad := make([]float64, sp)
		smaGrad := make([]float64, sq)
		for t := startIdx; t < n; t++ {
			for i := 0; i < p && t-i-1 >= 0; i++ {
				arGrad[i] -= 2 * resid[t] * (y[t-i-1] - m.intercept)
			}
			for i := 0; i < sp; i++ {
				if lag := (i + 1) * period; t-lag >= 0 {
					sarGrad[i] -= 2 * resid[t] * (y[t-lag] - m.intercept)
				}
			}
			for i := 0; i < q && t-i-1 >= 0; i++ {
				maGrad[i] -= 2 * resid[t] * resid[t-i-1]
			}
			for i := 0; i < sq; i++ {
				if lag := (i + 1) * period; t-lag >= 0 {
					smaGrad[i] -= 2 * resid[t] * resid[t-lag]
				}
			}
		}

		updateCoeffs(m.ar, arVel, arGrad, lr, n)
		updateCoeffs(m.sar, sarVel, sarGrad, lr, n)
		updateCoeffs(m.ma, maVel, maGrad, lr, n)
		updateCoeffs(m.sma, smaVel, smaGrad, lr, n)
		lr *= cssDecay

		if iter > 0 && math.Abs(sse-bestSSE) < cssTolerance {
			break
		}
	}

	copy(m.ar, bestAR)
	copy(m.ma, bestMA)
	copy(m.sar, bestSAR)
	copy(m.sma, bestSMA)
}

// updateCoeffs applies one momentum step and keeps coefficients inside the
// invertibility bound.
func updateCoeffs(coeffs, vel, grad []float64, lr float64, n int) {
	for i := range coeffs {
		vel[i] = cssMomentum*vel[i] + lr*grad[i]/float64(n)
		coeffs[i] -= vel[i]
		coeffs[i] = clampFloat(coeffs[i], -cssCoeffBound, cssCoeffBound)
	}
}

// finalize recomputes residuals and fitted values over the full differenced
// series with the restored best coefficients, then derives the residual
// variance, log-likelihood, and information criteria.
func (m *arimaModel) finalize() {
	y := m.work
	n := len(y)

	m.residuals = make([]float64, n)
	m.fittedVal = make([]float64, n)
	for t := 0; t < n; t++ {
		m.fittedVal[t] = m.stepAhead(t, y, m.residuals)
		m.residuals[t] = y[t] - m.fittedVal[t]
	}

	startIdx := maxInt(maxInt(m.order.P, m.order.Q), maxInt(m.order.SP*m.order.Period, m.order.SQ*m.order.Period))
	if startIdx >= n-10 {
		startIdx = 0
	}
	sse := 0.0
	count := 0
	for t := startIdx; t < n; t++ {
		sse += m.residuals[t] * m.residuals[t]
		count++
	}
	k := m.order.params()
	if count > k {
		m.variance = sse / float64(count-k)
	} else if count > 0 {
		m.variance = sse / float64(count)
	}

	fullSSE := 0.0
	for _, r := range m.residuals {
		fullSSE += r * r
	}
	if m.variance > 0 {
		nf := float64(n)
		m.logLik = -nf/2*math.Log(2*math.Pi) - nf/2*math.Log(m.variance) - fullSSE/(2*m.variance)
	} else {
		m.logLik = math.Inf(-1)
	}
	m.ic = stats.CalculateIC(m.logLik, n, k)
}

// forecast produces point predictions with interval bounds on the original
// scale. Future shocks are zero, so the recursion reduces to the AR and
// intercept structure once the MA memory is exhausted.
func (m *arimaModel) forecast(steps int, confidence float64) (point, lower, upper []float64, err error) {
	if !m.trained {
		return nil, nil, nil, NewNotFittedError("forecast")
	}
	if steps < 1 {
		return nil, nil, nil, NewInvalidHorizonError(steps)
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = DefaultConfidence
	}

	y := m.work
	n := len(y)

	extY := make([]float64, n+steps)
	copy(extY, y)
	extResid := make([]float64, n+steps)
	copy(extResid, m.residuals)

	for h := 0; h < steps; h++ {
		t := n + h
		extY[t] = m.stepAhead(t, extY, extResid)
	}

	point = make([]float64, steps)
	copy(point, extY[n:])
	point = m.integrate(point)

	z := stats.NormalQuantile((1 + confidence) / 2)
	lower = make([]float64, steps)
	upper = make([]float64, steps)
	for h := 0; h < steps; h++ {
		se := math.Sqrt(m.variance)
		if m.order.D > 0 {
			se *= math.Sqrt(float64(h + 1))
		}
		if m.order.SD > 0 && m.order.Period > 0 {
			se *= math.Sqrt(float64(h/m.order.Period + 1))
		}
		lower[h] = point[h] - z*se
		upper[h] = point[h] + z*se
	}
	return point, lower, upper, nil
}

// integrate undoes the differencing applied in fit. Seasonal differencing is
// reversed first because fit applied it last.
func (m *arimaModel) integrate(forecasts []float64) []float64 {
	d, sd, period := m.order.D, m.order.SD, m.order.Period
	original := m.original
	n := len(original)

	result := append([]float64(nil), forecasts...)

	nonSeasonal := timeseries.Diff(original, d)
	if nonSeasonal == nil {
		nonSeasonal = original
	}

	if sd > 0 && period > 0 {
		nDiff := len(nonSeasonal)
		for i := 0; i < sd; i++ {
			for j := range result {
				if j < period {
					if idx := nDiff - period + j; idx >= 0 && idx < nDiff {
						result[j] += nonSeasonal[idx]
					}
				} else {
					result[j] += result[j-period]
				}
			}
		}
	}

	for i := 0; i < d; i++ {
		last := original[n-1]
		for j := range result {
			if j == 0 {
				result[j] += last
			} else {
				result[j] += result[j-1]
			}
		}
	}
	return result
}

// diagnostics runs a Ljung-Box test on the fit residuals.
func (m *arimaModel) diagnostics() *stats.LjungBoxResult {
	if !m.trained {
		return nil
	}
	lags := 10
	if len(m.residuals) < 3*lags {
		lags = len(m.residuals) / 3
	}
	if lags < 1 {
		return nil
	}
	return stats.LjungBox(m.residuals, lags, m.order.P+m.order.Q+m.order.SP+m.order.SQ)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
