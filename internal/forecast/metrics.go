package forecast

import (
	"math"

	"github.com/demandcast/demandcast-go/internal/models"
)

// Accuracy computes MAE, RMSE, and MAPE between actual and predicted values.
// MAPE skips zero actuals to avoid division by zero; if every actual is zero
// the MAPE term is reported as zero and MAE/RMSE still carry the error signal.
func Accuracy(actual, predicted []float64) models.AccuracyMetrics {
	n := len(actual)
	if n == 0 || n != len(predicted) {
		return models.AccuracyMetrics{}
	}

	var absSum, sqSum, pctSum float64
	pctCount := 0
	for i := 0; i < n; i++ {
		diff := actual[i] - predicted[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if actual[i] != 0 {
			pctSum += math.Abs(diff/actual[i]) * 100
			pctCount++
		}
	}

	m := models.AccuracyMetrics{
		MAE:  absSum / float64(n),
		RMSE: math.Sqrt(sqSum / float64(n)),
	}
	if pctCount > 0 {
		m.MAPE = pctSum / float64(pctCount)
	}
	return m
}
