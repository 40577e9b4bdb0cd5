// Package timeseries provides the daily-regular demand series frame consumed by
// the forecasting engine, together with the preprocessing steps that repair raw
// sales history before model fitting.
package timeseries

import (
	"errors"
	"fmt"
	"time"

	"github.com/demandcast/demandcast-go/internal/models"
)

// Day is the fixed frame frequency. Models assume a regular daily grid.
const Day = 24 * time.Hour

// Frame is an ordered daily demand series for one product/store pair with
// optional covariates. Dates are strictly increasing with no duplicates; use
// Regularize to repair gaps before fitting.
type Frame struct {
	Key    models.SeriesKey
	Dates  []time.Time
	Demand []float64
	Price  []float64
	Stock  []float64
}

// FromRecords builds a Frame from sales rows, which must belong to a single
// series. Rows are expected in ascending date order (the repository query
// guarantees it); dates are truncated to midnight UTC.
func FromRecords(key models.SeriesKey, records []models.SalesRecord) (*Frame, error) {
	if len(records) == 0 {
		return nil, errors.New("no sales records for series " + key.String())
	}

	f := &Frame{
		Key:    key,
		Dates:  make([]time.Time, 0, len(records)),
		Demand: make([]float64, 0, len(records)),
		Price:  make([]float64, 0, len(records)),
		Stock:  make([]float64, 0, len(records)),
	}

	for _, rec := range records {
		d := Midnight(rec.SaleDate)
		if n := len(f.Dates); n > 0 && !d.After(f.Dates[n-1]) {
			return nil, fmt.Errorf("sales records out of order for %s at %s", key, d.Format("2006-01-02"))
		}
		f.Dates = append(f.Dates, d)
		f.Demand = append(f.Demand, rec.UnitsSold)
		f.Price = append(f.Price, rec.UnitPrice.InexactFloat64())
		f.Stock = append(f.Stock, rec.StockLevel)
	}

	return f, nil
}

// Midnight truncates t to the start of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Len returns the number of observations.
func (f *Frame) Len() int {
	return len(f.Demand)
}

// Last returns the date of the final observation.
func (f *Frame) Last() time.Time {
	if len(f.Dates) == 0 {
		return time.Time{}
	}
	return f.Dates[len(f.Dates)-1]
}

// LastStock returns the most recent stock level, or 0 when no stock covariate
// was supplied.
func (f *Frame) LastStock() float64 {
	if len(f.Stock) == 0 {
		return 0
	}
	return f.Stock[len(f.Stock)-1]
}

// LastPrice returns the most recent unit price, or 0 when unknown.
func (f *Frame) LastPrice() float64 {
	if len(f.Price) == 0 {
		return 0
	}
	return f.Price[len(f.Price)-1]
}

// Slice returns a copy of observations [start, end).
func (f *Frame) Slice(start, end int) *Frame {
	if start < 0 {
		start = 0
	}
	if end > f.Len() {
		end = f.Len()
	}
	if start >= end {
		return &Frame{Key: f.Key}
	}

	out := &Frame{
		Key:    f.Key,
		Dates:  append([]time.Time(nil), f.Dates[start:end]...),
		Demand: append([]float64(nil), f.Demand[start:end]...),
	}
	if len(f.Price) == f.Len() {
		out.Price = append([]float64(nil), f.Price[start:end]...)
	}
	if len(f.Stock) == f.Len() {
		out.Stock = append([]float64(nil), f.Stock[start:end]...)
	}
	return out
}

// SplitAt divides the frame time-ordered into a training part and a trailing
// holdout part of the given fraction. Forecasting validation must never shuffle.
func (f *Frame) SplitAt(holdout float64) (train, valid *Frame) {
	n := f.Len()
	cut := n - int(float64(n)*holdout)
	if cut < 1 {
		cut = 1
	}
	if cut > n {
		cut = n
	}
	return f.Slice(0, cut), f.Slice(cut, n)
}

// Window returns a copy of the trailing n observations (the whole frame when
// n exceeds its length).
func (f *Frame) Window(n int) *Frame {
	if n >= f.Len() {
		return f.Slice(0, f.Len())
	}
	return f.Slice(f.Len()-n, f.Len())
}

// Validate checks the frame invariants: strictly increasing dates on a daily
// grid and non-negative demand.
func (f *Frame) Validate() error {
	if f.Len() == 0 {
		return errors.New("empty frame")
	}
	if len(f.Dates) != len(f.Demand) {
		return fmt.Errorf("dates/demand length mismatch: %d vs %d", len(f.Dates), len(f.Demand))
	}
	for i := 1; i < len(f.Dates); i++ {
		gap := f.Dates[i].Sub(f.Dates[i-1])
		if gap <= 0 {
			return fmt.Errorf("dates not strictly increasing at index %d", i)
		}
		if gap != Day {
			return fmt.Errorf("non-daily gap of %s before %s", gap, f.Dates[i].Format("2006-01-02"))
		}
	}
	for i, v := range f.Demand {
		if v < 0 {
			return fmt.Errorf("negative demand %f at index %d", v, i)
		}
	}
	return nil
}

// FutureDates returns the horizon dates following the last observation.
func (f *Frame) FutureDates(horizon int) []time.Time {
	out := make([]time.Time, horizon)
	last := f.Last()
	for i := 0; i < horizon; i++ {
		out[i] = last.Add(time.Duration(i+1) * Day)
	}
	return out
}
