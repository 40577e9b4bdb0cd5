package forecast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/demandcast/demandcast-go/internal/models"
)

// Snapshotter is implemented by base forecasters whose fitted state can be
// serialized and restored without refitting. The seasonal model supports it;
// the sequence and regression families carry too much training state to make
// a snapshot worthwhile.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// seasonalSnapshot is the wire form of a fitted seasonal model: the selected
// order, the estimated coefficients, and the series state the forecast
// recursion reads. Fit-time artifacts (information criteria, fitted values)
// are recomputable and stay out of the blob.
type seasonalSnapshot struct {
	ProductID string     `json:"product_id"`
	StoreID   string     `json:"store_id"`
	Period    int        `json:"period"`
	Order     arimaOrder `json:"order"`
	AR        []float64  `json:"ar"`
	MA        []float64  `json:"ma"`
	SAR       []float64  `json:"sar"`
	SMA       []float64  `json:"sma"`
	Intercept float64    `json:"intercept"`
	Variance  float64    `json:"variance"`
	Original  []float64  `json:"original"`
	Work      []float64  `json:"work"`
	Residuals []float64  `json:"residuals"`
	FellBack  bool       `json:"fell_back"`
	SavedAt   time.Time  `json:"saved_at"`
}

// Snapshot serializes the fitted model state as JSON.
func (s *SeasonalForecaster) Snapshot() ([]byte, error) {
	if s.model == nil || !s.model.trained {
		return nil, NewNotFittedError("seasonal snapshot")
	}
	m := s.model
	snap := seasonalSnapshot{
		ProductID: s.key.ProductID,
		StoreID:   s.key.StoreID,
		Period:    s.period,
		Order:     m.order,
		AR:        append([]float64(nil), m.ar...),
		MA:        append([]float64(nil), m.ma...),
		SAR:       append([]float64(nil), m.sar...),
		SMA:       append([]float64(nil), m.sma...),
		Intercept: m.intercept,
		Variance:  m.variance,
		Original:  append([]float64(nil), m.original...),
		Work:      append([]float64(nil), m.work...),
		Residuals: append([]float64(nil), m.residuals...),
		FellBack:  s.fellBack,
		SavedAt:   time.Now().UTC(),
	}
	return json.Marshal(snap)
}

// Restore rebuilds the fitted state from Snapshot output, replacing whatever
// the forecaster held. The restored model predicts without refitting; the
// order-search bookkeeping is not carried, so a later Fit runs the full
// search again.
func (s *SeasonalForecaster) Restore(data []byte) error {
	var snap seasonalSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode seasonal snapshot: %w", err)
	}
	if len(snap.Original) == 0 || len(snap.Work) == 0 {
		return fmt.Errorf("seasonal snapshot holds no series data")
	}
	if len(snap.Residuals) != len(snap.Work) {
		return fmt.Errorf("seasonal snapshot residuals do not match the differenced series: %d vs %d",
			len(snap.Residuals), len(snap.Work))
	}
	if len(snap.AR) != snap.Order.P || len(snap.MA) != snap.Order.Q ||
		len(snap.SAR) != snap.Order.SP || len(snap.SMA) != snap.Order.SQ {
		return fmt.Errorf("seasonal snapshot coefficients do not match order %s", snap.Order)
	}
	if snap.Period < 1 {
		snap.Period = 1
	}

	s.key = models.SeriesKey{ProductID: snap.ProductID, StoreID: snap.StoreID}
	s.period = snap.Period
	s.fellBack = snap.FellBack
	s.evaluated = 0
	s.model = &arimaModel{
		order:     snap.Order,
		ar:        snap.AR,
		ma:        snap.MA,
		sar:       snap.SAR,
		sma:       snap.SMA,
		intercept: snap.Intercept,
		variance:  snap.Variance,
		original:  snap.Original,
		work:      snap.Work,
		residuals: snap.Residuals,
		trained:   true,
	}
	return nil
}
