package cache

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/models"
)

// MockQuarantineStore is a mock implementation of QuarantineStore for testing
type MockQuarantineStore struct {
	mock.Mock
}

func (m *MockQuarantineStore) QuarantineSeries(ctx context.Context, key models.SeriesKey, reason string, expiresAt *time.Time) (*database.SeriesQuarantineEntry, error) {
	args := m.Called(ctx, key, reason, expiresAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.SeriesQuarantineEntry), args.Error(1)
}

func (m *MockQuarantineStore) ReleaseSeries(ctx context.Context, key models.SeriesKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockQuarantineStore) GetQuarantined(ctx context.Context) ([]database.SeriesQuarantineEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]database.SeriesQuarantineEntry), args.Error(1)
}

func (m *MockQuarantineStore) CleanupExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
