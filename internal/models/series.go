package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SeriesKey identifies one demand series: a product sold at a store.
type SeriesKey struct {
	ProductID string `json:"product_id" db:"product_id"`
	StoreID   string `json:"store_id" db:"store_id"`
}

// String returns the canonical "product@store" form used in logs and cache keys.
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s@%s", k.ProductID, k.StoreID)
}

// Valid reports whether both components are present.
func (k SeriesKey) Valid() bool {
	return k.ProductID != "" && k.StoreID != ""
}

// Product represents a catalog entry.
type Product struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Category    string    `json:"category,omitempty" db:"category"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SalesRecord represents one day of sales for a product at a store.
type SalesRecord struct {
	ProductID  string          `json:"product_id" db:"product_id"`
	StoreID    string          `json:"store_id" db:"store_id"`
	SaleDate   time.Time       `json:"sale_date" db:"sale_date"`
	UnitsSold  float64         `json:"units_sold" db:"units_sold"`
	UnitPrice  decimal.Decimal `json:"unit_price" db:"unit_price"`
	StockLevel float64         `json:"stock_level" db:"stock_level"`
}

// SalesHistoryRequest represents request parameters for a history lookup.
type SalesHistoryRequest struct {
	ProductID    string `json:"product_id" form:"product_id"`
	StoreID      string `json:"store_id" form:"store_id"`
	LookbackDays int    `json:"lookback_days" form:"lookback_days"`
}
