package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ForecastResult is a multi-step demand forecast for one series, produced by a
// single model or by the ensemble blend. Immutable once returned.
type ForecastResult struct {
	Series          SeriesKey `json:"series"`
	Horizon         int       `json:"horizon"`
	Points          []float64 `json:"points"`
	Lower           []float64 `json:"lower"`
	Upper           []float64 `json:"upper"`
	ConfidenceLevel float64   `json:"confidence_level"`
	ModelLabel      string    `json:"model_label"`
	Degraded        bool      `json:"degraded"`
	GeneratedAt     time.Time `json:"generated_at"`

	// Blend provenance, set only on ensemble results: the base models that
	// contributed and the weight each carried.
	Models  []string           `json:"models,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
}

// Validate checks the structural invariants every forecast must satisfy:
// horizon-length slices, non-negative values, and lower <= point <= upper.
func (r *ForecastResult) Validate() error {
	if r.Horizon < 1 {
		return fmt.Errorf("horizon must be >= 1, got %d", r.Horizon)
	}
	if len(r.Points) != r.Horizon || len(r.Lower) != r.Horizon || len(r.Upper) != r.Horizon {
		return fmt.Errorf("forecast slices must all have length %d (points=%d lower=%d upper=%d)",
			r.Horizon, len(r.Points), len(r.Lower), len(r.Upper))
	}
	for i := 0; i < r.Horizon; i++ {
		if r.Points[i] < 0 || r.Lower[i] < 0 || r.Upper[i] < 0 {
			return fmt.Errorf("negative forecast value at step %d", i)
		}
		if r.Lower[i] > r.Points[i] || r.Points[i] > r.Upper[i] {
			return fmt.Errorf("bound ordering violated at step %d: lower=%f point=%f upper=%f",
				i, r.Lower[i], r.Points[i], r.Upper[i])
		}
	}
	return nil
}

// TotalDemand returns the sum of the point forecast over the horizon.
func (r *ForecastResult) TotalDemand() float64 {
	total := 0.0
	for _, p := range r.Points {
		total += p
	}
	return total
}

// AccuracyMetrics holds the standard forecast accuracy measures.
type AccuracyMetrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	MAPE float64 `json:"mape"`
}

// ForecastRun is the audit record for one batch forecasting cycle.
type ForecastRun struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	StartedAt       time.Time          `json:"started_at" db:"started_at"`
	CompletedAt     time.Time          `json:"completed_at" db:"completed_at"`
	SeriesTotal     int                `json:"series_total" db:"series_total"`
	SeriesFailed    int                `json:"series_failed" db:"series_failed"`
	SeriesDegraded  int                `json:"series_degraded" db:"series_degraded"`
	Weights         map[string]float64 `json:"weights" db:"weights"`
	ValidationMAE   float64            `json:"validation_mae" db:"validation_mae"`
	ValidationRMSE  float64            `json:"validation_rmse" db:"validation_rmse"`
	EnsembleMethod  string             `json:"ensemble_method" db:"ensemble_method"`
	TriggeredBy     string             `json:"triggered_by" db:"triggered_by"`
}

// ForecastRequest represents the API request for generating a forecast.
type ForecastRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	StoreID   string `json:"store_id" binding:"required"`
	Horizon   int    `json:"horizon"`
}

// StockoutAlert flags a series whose projected demand threatens to exhaust stock.
type StockoutAlert struct {
	Series          SeriesKey       `json:"series"`
	CurrentStock    float64         `json:"current_stock"`
	ProjectedDemand float64         `json:"projected_demand"`
	RiskRatio       float64         `json:"risk_ratio"`
	RevenueAtRisk   decimal.Decimal `json:"revenue_at_risk"`
	Horizon         int             `json:"horizon"`
	CreatedAt       time.Time       `json:"created_at"`
}
