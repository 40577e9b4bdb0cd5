package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandcast/demandcast-go/internal/models"
)

func testForecastResult(key models.SeriesKey, generatedAt time.Time) *models.ForecastResult {
	return &models.ForecastResult{
		Series:          key,
		Horizon:         3,
		Points:          []float64{10, 11, 12},
		Lower:           []float64{8, 8.5, 9},
		Upper:           []float64{12, 13.5, 15},
		ConfidenceLevel: 0.95,
		ModelLabel:      "ensemble",
		Degraded:        false,
		GeneratedAt:     generatedAt,
	}
}

// TestForecastRepository_NewForecastRepository tests the constructor
func TestForecastRepository_NewForecastRepository(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	assert.NotNil(t, repo)
	assert.Equal(t, adapter, repo.pool)
}

// TestForecastRepository_SaveForecasts_Success tests the transactional batch insert
func TestForecastRepository_SaveForecasts_Success(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	generatedAt := time.Now()

	first := testForecastResult(models.SeriesKey{ProductID: "oat-milk-1l", StoreID: "store-042"}, generatedAt)
	second := testForecastResult(models.SeriesKey{ProductID: "rye-bread-500g", StoreID: "store-042"}, generatedAt)

	insertPattern := `
		INSERT INTO forecasts \(product_id, store_id, horizon, points, lower_bounds, upper_bounds, confidence_level, model_label, degraded, generated_at\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10\)
	`

	mockPool.ExpectBegin()
	mockPool.ExpectExec(insertPattern).
		WithArgs(first.Series.ProductID, first.Series.StoreID, first.Horizon, first.Points, first.Lower, first.Upper, first.ConfidenceLevel, first.ModelLabel, first.Degraded, first.GeneratedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(insertPattern).
		WithArgs(second.Series.ProductID, second.Series.StoreID, second.Horizon, second.Points, second.Lower, second.Upper, second.ConfidenceLevel, second.ModelLabel, second.Degraded, second.GeneratedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	err = repo.SaveForecasts(ctx, []*models.ForecastResult{first, second})
	assert.NoError(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_SaveForecasts_Empty tests that an empty batch is a no-op
func TestForecastRepository_SaveForecasts_Empty(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)

	err = repo.SaveForecasts(context.Background(), nil)
	assert.NoError(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_SaveForecasts_InsertError tests rollback on a failed insert
func TestForecastRepository_SaveForecasts_InsertError(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()

	result := testForecastResult(testSeriesKey(), time.Now())

	mockPool.ExpectBegin()
	mockPool.ExpectExec(`INSERT INTO forecasts`).
		WithArgs(result.Series.ProductID, result.Series.StoreID, result.Horizon, result.Points, result.Lower, result.Upper, result.ConfidenceLevel, result.ModelLabel, result.Degraded, result.GeneratedAt).
		WillReturnError(assert.AnError)
	mockPool.ExpectRollback()

	err = repo.SaveForecasts(ctx, []*models.ForecastResult{result})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert forecast")

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_SaveRun tests the audit row insert
func TestForecastRepository_SaveRun(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()

	run := &models.ForecastRun{
		ID:             uuid.New(),
		StartedAt:      time.Now().Add(-time.Minute),
		CompletedAt:    time.Now(),
		SeriesTotal:    25,
		SeriesFailed:   2,
		SeriesDegraded: 3,
		Weights:        map[string]float64{"seasonal": 0.5, "sequence": 0.3, "regression": 0.2},
		ValidationMAE:  1.8,
		ValidationRMSE: 2.4,
		EnsembleMethod: "dynamic",
		TriggeredBy:    "schedule",
	}

	mockPool.ExpectExec(`
		INSERT INTO forecast_runs \(id, started_at, completed_at, series_total, series_failed, series_degraded, weights, validation_mae, validation_rmse, ensemble_method, triggered_by\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$11\)
	`).WithArgs(run.ID, run.StartedAt, run.CompletedAt, run.SeriesTotal, run.SeriesFailed, run.SeriesDegraded, run.Weights, run.ValidationMAE, run.ValidationRMSE, run.EnsembleMethod, run.TriggeredBy).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.SaveRun(ctx, run)
	assert.NoError(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LatestForecast_Found tests reading the newest stored forecast
func TestForecastRepository_LatestForecast_Found(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()
	generatedAt := time.Now()

	mockPool.ExpectQuery(`
		SELECT horizon, points, lower_bounds, upper_bounds, confidence_level, model_label, degraded, generated_at
		FROM forecasts
		WHERE product_id = \$1 AND store_id = \$2 AND horizon = \$3
		ORDER BY generated_at DESC
		LIMIT 1
	`).WithArgs(key.ProductID, key.StoreID, 3).WillReturnRows(
		pgxmock.NewRows([]string{"horizon", "points", "lower_bounds", "upper_bounds", "confidence_level", "model_label", "degraded", "generated_at"}).
			AddRow(3, []float64{10, 11, 12}, []float64{8, 8.5, 9}, []float64{12, 13.5, 15}, 0.95, "ensemble", false, generatedAt),
	)

	res, err := repo.LatestForecast(ctx, key, 3)
	assert.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, key, res.Series)
	assert.Equal(t, 3, res.Horizon)
	assert.Equal(t, []float64{10, 11, 12}, res.Points)
	assert.Equal(t, "ensemble", res.ModelLabel)
	assert.False(t, res.Degraded)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LatestForecast_None tests a series without stored forecasts
func TestForecastRepository_LatestForecast_None(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()

	mockPool.ExpectQuery(`
		SELECT horizon, points, lower_bounds, upper_bounds, confidence_level, model_label, degraded, generated_at
		FROM forecasts
		WHERE product_id = \$1 AND store_id = \$2 AND horizon = \$3
		ORDER BY generated_at DESC
		LIMIT 1
	`).WithArgs(key.ProductID, key.StoreID, 14).WillReturnError(pgx.ErrNoRows)

	res, err := repo.LatestForecast(ctx, key, 14)
	assert.NoError(t, err)
	assert.Nil(t, res)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_RecordAccuracy tests storing realized accuracy
func TestForecastRepository_RecordAccuracy(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()
	evaluatedAt := time.Now()
	metrics := models.AccuracyMetrics{MAE: 1.5, RMSE: 2.1, MAPE: 12.5}

	mockPool.ExpectExec(`
		INSERT INTO forecast_accuracy \(product_id, store_id, model_label, horizon, mae, rmse, mape, evaluated_at\)
		VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8\)
	`).WithArgs(key.ProductID, key.StoreID, "ensemble", 14, metrics.MAE, metrics.RMSE, metrics.MAPE, evaluatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.RecordAccuracy(ctx, key, "ensemble", 14, metrics, evaluatedAt)
	assert.NoError(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_ModelAccuracy tests the per-model accuracy lookup
func TestForecastRepository_ModelAccuracy(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()
	since := time.Now().Add(-30 * 24 * time.Hour)

	rows := pgxmock.NewRows([]string{"model_label", "mae", "rmse", "mape"}).
		AddRow("seasonal", 2.0, 2.8, 14.0).
		AddRow("sequence", 2.6, 3.3, 19.5).
		AddRow("regression", 2.2, 3.0, 16.1)

	mockPool.ExpectQuery(`
		SELECT DISTINCT ON \(model_label\) model_label, mae, rmse, mape
		FROM forecast_accuracy
		WHERE product_id = \$1 AND store_id = \$2 AND evaluated_at >= \$3
		ORDER BY model_label, evaluated_at DESC
	`).WithArgs(key.ProductID, key.StoreID, since).WillReturnRows(rows)

	accuracy, err := repo.ModelAccuracy(ctx, key, since)
	assert.NoError(t, err)
	require.Len(t, accuracy, 3)
	assert.Equal(t, 14.0, accuracy["seasonal"].MAPE)
	assert.Equal(t, 19.5, accuracy["sequence"].MAPE)
	assert.Equal(t, 2.2, accuracy["regression"].MAE)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LatestRun_Found tests reading the newest run audit row
func TestForecastRepository_LatestRun_Found(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()

	runID := uuid.New()
	startedAt := time.Now().Add(-time.Hour)
	completedAt := time.Now()
	weights := map[string]float64{"seasonal": 0.4, "sequence": 0.35, "regression": 0.25}

	mockPool.ExpectQuery(`
		SELECT id, started_at, completed_at, series_total, series_failed, series_degraded, weights, validation_mae, validation_rmse, ensemble_method, triggered_by
		FROM forecast_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).WillReturnRows(
		pgxmock.NewRows([]string{"id", "started_at", "completed_at", "series_total", "series_failed", "series_degraded", "weights", "validation_mae", "validation_rmse", "ensemble_method", "triggered_by"}).
			AddRow(runID, startedAt, completedAt, 25, 2, 3, weights, 1.8, 2.4, "dynamic", "admin"),
	)

	run, err := repo.LatestRun(ctx)
	assert.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, 25, run.SeriesTotal)
	assert.Equal(t, 2, run.SeriesFailed)
	assert.Equal(t, weights, run.Weights)
	assert.Equal(t, "dynamic", run.EnsembleMethod)
	assert.Equal(t, "admin", run.TriggeredBy)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LatestRun_None tests the empty audit table
func TestForecastRepository_LatestRun_None(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)

	mockPool.ExpectQuery(`
		SELECT id, started_at, completed_at, series_total, series_failed, series_degraded, weights, validation_mae, validation_rmse, ensemble_method, triggered_by
		FROM forecast_runs
		ORDER BY started_at DESC
		LIMIT 1
	`).WillReturnError(pgx.ErrNoRows)

	run, err := repo.LatestRun(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, run)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_SaveModelSnapshot tests the snapshot upsert
func TestForecastRepository_SaveModelSnapshot(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()
	snapshot := []byte(`{"level":12.3,"trend":0.2}`)

	mockPool.ExpectExec(`
		INSERT INTO model_snapshots \(product_id, store_id, model_kind, snapshot, updated_at\)
		VALUES \(\$1, \$2, \$3, \$4, CURRENT_TIMESTAMP\)
		ON CONFLICT \(product_id, store_id, model_kind\)
		DO UPDATE SET snapshot = EXCLUDED\.snapshot, updated_at = CURRENT_TIMESTAMP
	`).WithArgs(key.ProductID, key.StoreID, "seasonal", snapshot).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = repo.SaveModelSnapshot(ctx, key, "seasonal", snapshot)
	assert.NoError(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LoadModelSnapshot tests snapshot reads
func TestForecastRepository_LoadModelSnapshot(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()
	snapshot := []byte(`{"level":12.3,"trend":0.2}`)

	mockPool.ExpectQuery(`
		SELECT snapshot
		FROM model_snapshots
		WHERE product_id = \$1 AND store_id = \$2 AND model_kind = \$3
	`).WithArgs(key.ProductID, key.StoreID, "seasonal").WillReturnRows(
		pgxmock.NewRows([]string{"snapshot"}).AddRow(snapshot),
	)

	loaded, err := repo.LoadModelSnapshot(ctx, key, "seasonal")
	assert.NoError(t, err)
	assert.Equal(t, snapshot, loaded)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// TestForecastRepository_LoadModelSnapshot_None tests the missing-snapshot path
func TestForecastRepository_LoadModelSnapshot_None(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err, "Failed to create mock pool")
	defer mockPool.Close()

	adapter := NewMockPoolAdapter(mockPool)
	repo := NewForecastRepository(adapter)
	ctx := context.Background()
	key := testSeriesKey()

	mockPool.ExpectQuery(`
		SELECT snapshot
		FROM model_snapshots
		WHERE product_id = \$1 AND store_id = \$2 AND model_kind = \$3
	`).WithArgs(key.ProductID, key.StoreID, "sequence").WillReturnError(pgx.ErrNoRows)

	loaded, err := repo.LoadModelSnapshot(ctx, key, "sequence")
	assert.NoError(t, err)
	assert.Nil(t, loaded)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}
