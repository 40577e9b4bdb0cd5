package services

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/models"
)

// testLogger returns a logger that discards output during tests.
func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// MockSeriesSource is a mock implementation of SeriesSource.
type MockSeriesSource struct {
	mock.Mock
}

func (m *MockSeriesSource) GetDailySales(ctx context.Context, key models.SeriesKey, lookbackDays int) ([]models.SalesRecord, error) {
	args := m.Called(ctx, key, lookbackDays)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SalesRecord), args.Error(1)
}

func (m *MockSeriesSource) ListActiveSeries(ctx context.Context, minObservations int) ([]models.SeriesKey, error) {
	args := m.Called(ctx, minObservations)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SeriesKey), args.Error(1)
}

// MockForecastSink is a mock implementation of ForecastSink.
type MockForecastSink struct {
	mock.Mock
}

func (m *MockForecastSink) SaveForecasts(ctx context.Context, results []*models.ForecastResult) error {
	args := m.Called(ctx, results)
	return args.Error(0)
}

func (m *MockForecastSink) SaveRun(ctx context.Context, run *models.ForecastRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockForecastSink) LatestRun(ctx context.Context) (*models.ForecastRun, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ForecastRun), args.Error(1)
}

func (m *MockForecastSink) SaveModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string, snapshot []byte) error {
	args := m.Called(ctx, key, modelKind, snapshot)
	return args.Error(0)
}

func (m *MockForecastSink) LoadModelSnapshot(ctx context.Context, key models.SeriesKey, modelKind string) ([]byte, error) {
	args := m.Called(ctx, key, modelKind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockFailureLedger is a mock implementation of FailureLedger.
type MockFailureLedger struct {
	mock.Mock
}

func (m *MockFailureLedger) RecordFailure(ctx context.Context, key models.SeriesKey, reason string, threshold int) (bool, error) {
	args := m.Called(ctx, key, reason, threshold)
	return args.Bool(0), args.Error(1)
}

func (m *MockFailureLedger) ResetFailures(ctx context.Context, key models.SeriesKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockAccuracyStore is a mock implementation of accuracyStore.
type MockAccuracyStore struct {
	mock.Mock
}

func (m *MockAccuracyStore) LatestForecast(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error) {
	args := m.Called(ctx, key, horizon)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ForecastResult), args.Error(1)
}

func (m *MockAccuracyStore) RecordAccuracy(ctx context.Context, key models.SeriesKey, modelLabel string, horizon int, metrics models.AccuracyMetrics, evaluatedAt time.Time) error {
	args := m.Called(ctx, key, modelLabel, horizon, metrics, evaluatedAt)
	return args.Error(0)
}

func (m *MockAccuracyStore) ModelAccuracy(ctx context.Context, key models.SeriesKey, since time.Time) (map[string]models.AccuracyMetrics, error) {
	args := m.Called(ctx, key, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]models.AccuracyMetrics), args.Error(1)
}

// MockDemandReader is a mock implementation of demandReader.
type MockDemandReader struct {
	mock.Mock
}

func (m *MockDemandReader) RealizedDemand(ctx context.Context, key models.SeriesKey, from, to time.Time) (map[time.Time]float64, error) {
	args := m.Called(ctx, key, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[time.Time]float64), args.Error(1)
}

// MockStockReader is a mock implementation of stockReader.
type MockStockReader struct {
	mock.Mock
}

func (m *MockStockReader) LatestStock(ctx context.Context, key models.SeriesKey) (*database.StockSnapshot, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.StockSnapshot), args.Error(1)
}

// MockBatchService is a mock implementation of batchService.
type MockBatchService struct {
	mock.Mock
}

func (m *MockBatchService) BatchRun(ctx context.Context, triggeredBy string) (*models.ForecastRun, error) {
	args := m.Called(ctx, triggeredBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ForecastRun), args.Error(1)
}

func (m *MockBatchService) ReconcileAccuracy(ctx context.Context) int {
	args := m.Called(ctx)
	return args.Int(0)
}

// MockQuarantineJanitor is a mock implementation of quarantineJanitor.
type MockQuarantineJanitor struct {
	mock.Mock
}

func (m *MockQuarantineJanitor) CleanupExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
