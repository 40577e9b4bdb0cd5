package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/demandcast/demandcast-go/internal/models"
)

// ForecastRepository persists forecast results, run audit rows and realized
// accuracy.
type ForecastRepository struct {
	pool DatabasePool
}

// NewForecastRepository creates a new forecast repository.
func NewForecastRepository(pool DatabasePool) *ForecastRepository {
	return &ForecastRepository{
		pool: pool,
	}
}

// SaveForecasts writes a batch of results in one transaction, one row per
// series, so a partially persisted batch never becomes visible.
func (r *ForecastRepository) SaveForecasts(ctx context.Context, results []*models.ForecastResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin forecast transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO forecasts (product_id, store_id, horizon, points, lower_bounds, upper_bounds, confidence_level, model_label, degraded, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	for _, res := range results {
		_, err := tx.Exec(ctx, query,
			res.Series.ProductID,
			res.Series.StoreID,
			res.Horizon,
			res.Points,
			res.Lower,
			res.Upper,
			res.ConfidenceLevel,
			res.ModelLabel,
			res.Degraded,
			res.GeneratedAt,
		)
		if err != nil {
			RecordDatabaseError(ctx, err, "save_forecasts")
			return fmt.Errorf("failed to insert forecast for %s: %w", res.Series, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit forecast batch: %w", err)
	}

	AddDatabaseSpanAttributes(ctx, "forecasts", int64(len(results)))
	return nil
}

// SaveRun writes the audit row for one forecasting run.
func (r *ForecastRepository) SaveRun(ctx context.Context, run *models.ForecastRun) error {
	query := `
		INSERT INTO forecast_runs (id, started_at, completed_at, series_total, series_failed, series_degraded, weights, validation_mae, validation_rmse, ensemble_method, triggered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.StartedAt,
		run.CompletedAt,
		run.SeriesTotal,
		run.SeriesFailed,
		run.SeriesDegraded,
		run.Weights,
		run.ValidationMAE,
		run.ValidationRMSE,
		run.EnsembleMethod,
		run.TriggeredBy,
	)
	if err != nil {
		RecordDatabaseError(ctx, err, "save_run")
		return fmt.Errorf("failed to save forecast run: %w", err)
	}

	return nil
}

// LatestForecast returns the most recent stored forecast for a series at the
// given horizon, or nil when none exists.
func (r *ForecastRepository) LatestForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error) {
	query := `
		SELECT horizon, points, lower_bounds, upper_bounds, confidence_level, model_label, degraded, generated_at
		FROM forecasts
		WHERE product_id = $1 AND store_id = $2 AND horizon = $3
		ORDER BY generated_at DESC
		LIMIT 1
	`

	res := models.ForecastResult{Series: key}
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID, horizon).Scan(
		&res.Horizon,
		&res.Points,
		&res.Lower,
		&res.Upper,
		&res.ConfidenceLevel,
		&res.ModelLabel,
		&res.Degraded,
		&res.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest forecast for %s: %w", key, err)
	}

	return &res, nil
}

// RecordAccuracy stores the realized accuracy of one stored forecast against
// the sales that actually happened.
//
// Parameters:
//
//	ctx: Context.
//	key: Product/store pair.
//	modelLabel: The model (or ensemble) that produced the forecast.
//	horizon: Forecast length in days.
//	metrics: Realized error metrics.
//	evaluatedAt: When the comparison ran.
//
// Returns:
//
//	error: Error if the insert fails.
func (r *ForecastRepository) RecordAccuracy(ctx context.Context, key models.SeriesKey, modelLabel string, horizon int, metrics models.AccuracyMetrics, evaluatedAt time.Time) error {
	query := `
		INSERT INTO forecast_accuracy (product_id, store_id, model_label, horizon, mae, rmse, mape, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		key.ProductID,
		key.StoreID,
		modelLabel,
		horizon,
		metrics.MAE,
		metrics.RMSE,
		metrics.MAPE,
		evaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record accuracy for %s: %w", key, err)
	}

	return nil
}

// ModelAccuracy returns the most recent realized metrics per model label for
// a series, limited to evaluations at or after since. Dynamic weighting uses
// this to favor models that have been accurate lately.
func (r *ForecastRepository) ModelAccuracy(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error) {
	query := `
		SELECT DISTINCT ON (model_label) model_label, mae, rmse, mape
		FROM forecast_accuracy
		WHERE product_id = $1 AND store_id = $2 AND evaluated_at >= $3
		ORDER BY model_label, evaluated_at DESC
	`

	rows, err := r.pool.Query(ctx, query, key.ProductID, key.StoreID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get model accuracy for %s: %w", key, err)
	}
	defer rows.Close()

	accuracy := make(map[string]models.AccuracyMetrics)
	for rows.Next() {
		var label string
		var m models.AccuracyMetrics
		if err := rows.Scan(&label, &m.MAE, &m.RMSE, &m.MAPE); err != nil {
			return nil, fmt.Errorf("failed to scan model accuracy row: %w", err)
		}
		accuracy[label] = m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model accuracy rows: %w", err)
	}

	return accuracy, nil
}

// LatestRun returns the audit row of the most recent forecasting run, or nil
// when no run has completed yet.
func (r *ForecastRepository) LatestRun(ctx context.Context) (*models.ForecastRun, error) {
	query := `
		SELECT id, started_at, completed_at, series_total, series_failed, series_degraded, weights, validation_mae, validation_rmse, ensemble_method, triggered_by
		FROM forecast_runs
		ORDER BY started_at DESC
		LIMIT 1
	`

	var run models.ForecastRun
	err := r.pool.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.StartedAt,
		&run.CompletedAt,
		&run.SeriesTotal,
		&run.SeriesFailed,
		&run.SeriesDegraded,
		&run.Weights,
		&run.ValidationMAE,
		&run.ValidationRMSE,
		&run.EnsembleMethod,
		&run.TriggeredBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest forecast run: %w", err)
	}

	return &run, nil
}

// SaveModelSnapshot upserts the serialized state of one fitted base model so
// a restart can serve forecasts before the first full refit.
func (r *ForecastRepository) SaveModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string, snapshot []byte) error {
	query := `
		INSERT INTO model_snapshots (product_id, store_id, model_kind, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (product_id, store_id, model_kind)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = CURRENT_TIMESTAMP
	`

	if _, err := r.pool.Exec(ctx, query, key.ProductID, key.StoreID, modelKind, snapshot); err != nil {
		return fmt.Errorf("failed to save %s snapshot for %s: %w", modelKind, key, err)
	}

	return nil
}

// LoadModelSnapshot returns the serialized state of one fitted base model, or
// nil when no snapshot has been stored.
func (r *ForecastRepository) LoadModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string) ([]byte, error) {
	query := `
		SELECT snapshot
		FROM model_snapshots
		WHERE product_id = $1 AND store_id = $2 AND model_kind = $3
	`

	var snapshot []byte
	err := r.pool.QueryRow(ctx, query, key.ProductID, key.StoreID, modelKind).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s snapshot for %s: %w", modelKind, key, err)
	}

	return snapshot, nil
}
