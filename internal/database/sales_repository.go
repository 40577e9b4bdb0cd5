package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// StockSnapshot is the most recent stock observation for a series.
type StockSnapshot struct {
	// StockLevel is the units on hand at the last observation.
	StockLevel float64 `json:"stock_level" db:"stock_level"`
	// UnitPrice is the selling price at the last observation.
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
	// AsOf is the date of the last observation.
	AsOf time.Time `json:"as_of" db:"sale_date"`
}

// SalesRepository reads the daily sales history that feeds forecasting.
type SalesRepository struct {
	pool DatabasePool
}

// NewSalesRepository creates a new sales repository.
func NewSalesRepository(pool DatabasePool) *SalesRepository {
	return &SalesRepository{
		pool: pool,
	}
}

// GetDailySales returns the daily demand rows for one series over the
// lookback window, oldest first. Days with no sales come back as explicit
// zero-demand rows so callers always see a daily-regular grid.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//	lookbackDays: Window length in days, counted back from today.
//
// Returns:
//
//	[]models.SalesRecord: Daily rows in ascending date order.
//	error: Error if retrieval fails.
func (r *SalesRepository) GetDailySales(ctx context.Context, key models.SeriesKey, lookbackDays int) ([]models.SalesRecord, error) {
	query := `
		SELECT product_id, store_id, sale_date, units_sold, unit_price, stock_level
		FROM sales_daily
		WHERE product_id = $1 AND store_id = $2
		AND sale_date >= CURRENT_DATE - $3::int
		ORDER BY sale_date ASC
	`

	rows, err := r.pool.Query(ctx, query, key.ProductID, key.StoreID, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily sales for %s: %w", key, err)
	}
	defer rows.Close()

	var records []models.SalesRecord
	for rows.Next() {
		var rec models.SalesRecord
		err := rows.Scan(
			&rec.ProductID,
			&rec.StoreID,
			&rec.SaleDate,
			&rec.UnitsSold,
			&rec.UnitPrice,
			&rec.StockLevel,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sales row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sales rows: %w", err)
	}

	return fillMissingDays(records), nil
}

// ListActiveSeries returns every product/store pair with enough history to
// forecast.
//
// Parameters:
//
//	ctx: Context.
//	minObservations: Minimum number of daily rows a series needs.
//
// Returns:
//
//	[]models.SeriesKey: Series keys in stable order.
//	error: Error if retrieval fails.
func (r *SalesRepository) ListActiveSeries(ctx context.Context, minObservations int) ([]models.SeriesKey, error) {
	query := `
		SELECT product_id, store_id
		FROM sales_daily
		GROUP BY product_id, store_id
		HAVING COUNT(*) >= $1
		ORDER BY product_id, store_id
	`

	rows, err := r.pool.Query(ctx, query, minObservations)
	if err != nil {
		return nil, fmt.Errorf("failed to list active series: %w", err)
	}
	defer rows.Close()

	var keys []models.SeriesKey
	for rows.Next() {
		var key models.SeriesKey
		if err := rows.Scan(&key.ProductID, &key.StoreID); err != nil {
			return nil, fmt.Errorf("failed to scan series key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating series keys: %w", err)
	}

	return keys, nil
}

// EnsureProduct registers a product ID if it is not already known. The
// display name is derived from the ID, so "oat-milk" becomes "Oat Milk".
func (r *SalesRepository) EnsureProduct(ctx context.Context, productID string) error {
	query := `
		INSERT INTO products (product_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (product_id) DO NOTHING
	`

	// cases.Caser is stateful, so build one per call.
	title := cases.Title(language.English)
	displayName := title.String(strings.ReplaceAll(productID, "-", " "))

	if _, err := r.pool.Exec(ctx, query, productID, displayName); err != nil {
		return fmt.Errorf("failed to ensure product %s: %w", productID, err)
	}

	return nil
}

// LatestStock returns the most recent stock observation for a series, or nil
// when the series has no sales rows at all.
func (r *SalesRepository) LatestStock(ctx context.Context, key models.SeriesKey) (*StockSnapshot, error) {
	query := `
		SELECT stock_level, unit_price, sale_date
		FROM sales_daily
		WHERE product_id = $1 AND store_id = $2
		ORDER BY sale_date DESC
		LIMIT 1
	`

	var snap StockSnapshot
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID).Scan(
		&snap.StockLevel,
		&snap.UnitPrice,
		&snap.AsOf,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest stock for %s: %w", key, err)
	}

	return &snap, nil
}

// RealizedDemand returns the units sold per day for a series between from and
// to inclusive, keyed by midnight UTC. Days without sales are simply absent,
// which reads as zero demand.
func (r *SalesRepository) RealizedDemand(ctx context.Context, key models.SeriesKey, from, to time.Time) (map[time.Time]float64, error) {
	query := `
		SELECT sale_date, units_sold
		FROM sales_daily
		WHERE product_id = $1 AND store_id = $2
		AND sale_date >= $3 AND sale_date <= $4
	`

	rows, err := r.pool.Query(ctx, query, key.ProductID, key.StoreID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get realized demand for %s: %w", key, err)
	}
	defer rows.Close()

	demand := make(map[time.Time]float64)
	for rows.Next() {
		var day time.Time
		var units float64
		if err := rows.Scan(&day, &units); err != nil {
			return nil, fmt.Errorf("failed to scan realized demand row: %w", err)
		}
		demand[timeseries.Midnight(day)] = units
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating realized demand rows: %w", err)
	}

	return demand, nil
}

// fillMissingDays inserts explicit zero-demand rows between observed sales
// days. Price and stock carry forward from the previous observation.
func fillMissingDays(records []models.SalesRecord) []models.SalesRecord {
	if len(records) < 2 {
		return records
	}

	filled := make([]models.SalesRecord, 0, len(records))
	filled = append(filled, records[0])
	for i := 1; i < len(records); i++ {
		prev := filled[len(filled)-1]
		cur := timeseries.Midnight(records[i].SaleDate)
		for next := timeseries.Midnight(prev.SaleDate).Add(timeseries.Day); next.Before(cur); next = next.Add(timeseries.Day) {
			filled = append(filled, models.SalesRecord{
				ProductID:  prev.ProductID,
				StoreID:    prev.StoreID,
				SaleDate:   next,
				UnitsSold:  0,
				UnitPrice:  prev.UnitPrice,
				StockLevel: prev.StockLevel,
			})
		}
		filled = append(filled, records[i])
	}

	return filled
}
