package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesKeyString(t *testing.T) {
	key := SeriesKey{ProductID: "sku-1001", StoreID: "store-7"}
	assert.Equal(t, "sku-1001@store-7", key.String())
}

func TestSeriesKeyValid(t *testing.T) {
	tests := []struct {
		name     string
		key      SeriesKey
		expected bool
	}{
		{
			name:     "both components present",
			key:      SeriesKey{ProductID: "sku-1", StoreID: "store-1"},
			expected: true,
		},
		{
			name:     "missing product",
			key:      SeriesKey{StoreID: "store-1"},
			expected: false,
		},
		{
			name:     "missing store",
			key:      SeriesKey{ProductID: "sku-1"},
			expected: false,
		},
		{
			name:     "empty",
			key:      SeriesKey{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.key.Valid())
		})
	}
}

func TestSalesRecordJSON(t *testing.T) {
	record := SalesRecord{
		ProductID:  "sku-1",
		StoreID:    "store-1",
		SaleDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		UnitsSold:  42,
		UnitPrice:  decimal.NewFromFloat(19.99),
		StockLevel: 120,
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var decoded SalesRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, record.ProductID, decoded.ProductID)
	assert.Equal(t, record.UnitsSold, decoded.UnitsSold)
	assert.True(t, record.UnitPrice.Equal(decoded.UnitPrice))
}

func validResult() *ForecastResult {
	return &ForecastResult{
		Series:          SeriesKey{ProductID: "sku-1", StoreID: "store-1"},
		Horizon:         3,
		Points:          []float64{10, 11, 12},
		Lower:           []float64{8, 9, 10},
		Upper:           []float64{12, 13, 14},
		ConfidenceLevel: 0.95,
		ModelLabel:      "ensemble",
		GeneratedAt:     time.Now(),
	}
}

func TestForecastResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ForecastResult)
		wantErr string
	}{
		{
			name:   "valid result passes",
			mutate: func(r *ForecastResult) {},
		},
		{
			name:    "zero horizon",
			mutate:  func(r *ForecastResult) { r.Horizon = 0 },
			wantErr: "horizon",
		},
		{
			name:    "length mismatch",
			mutate:  func(r *ForecastResult) { r.Points = r.Points[:2] },
			wantErr: "length",
		},
		{
			name:    "negative point",
			mutate:  func(r *ForecastResult) { r.Points[1] = -0.5 },
			wantErr: "negative",
		},
		{
			name: "lower above point",
			mutate: func(r *ForecastResult) {
				r.Lower[0] = r.Points[0] + 1
				r.Upper[0] = r.Points[0] + 2
			},
			wantErr: "bound ordering",
		},
		{
			name:    "upper below point",
			mutate:  func(r *ForecastResult) { r.Upper[2] = r.Points[2] - 1 },
			wantErr: "bound ordering",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validResult()
			tt.mutate(result)
			err := result.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestForecastResultTotalDemand(t *testing.T) {
	result := validResult()
	assert.InDelta(t, 33.0, result.TotalDemand(), 1e-9)
}

func TestStockoutAlertRevenue(t *testing.T) {
	alert := StockoutAlert{
		Series:          SeriesKey{ProductID: "sku-9", StoreID: "store-2"},
		CurrentStock:    20,
		ProjectedDemand: 55,
		RiskRatio:       2.75,
		RevenueAtRisk:   decimal.NewFromFloat(349.65),
		Horizon:         7,
		CreatedAt:       time.Now(),
	}

	data, err := json.Marshal(alert)
	require.NoError(t, err)

	var decoded StockoutAlert
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, alert.RevenueAtRisk.Equal(decoded.RevenueAtRisk))
	assert.Equal(t, alert.Series, decoded.Series)
}
