package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/demandcast/demandcast-go/internal/cache"
	"github.com/demandcast/demandcast-go/internal/registry"
	"github.com/demandcast/demandcast-go/internal/services"
)

// MockStatsReporter is a mock implementation of ReportInterface
type MockStatsReporter struct {
	mock.Mock
}

func (m *MockStatsReporter) Report(ctx context.Context) *services.CacheReport {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*services.CacheReport)
}

func TestNewStatsHandler(t *testing.T) {
	mockReporter := &MockStatsReporter{}
	handler := NewStatsHandler(mockReporter)

	assert.NotNil(t, handler)
	assert.Equal(t, mockReporter, handler.reporter)
}

func TestStatsHandler_GetCacheStats(t *testing.T) {
	gin.SetMode(gin.TestMode)

	report := &services.CacheReport{
		Forecast:      cache.ForecastCacheStats{Hits: 42, Misses: 8},
		Quarantine:    cache.QuarantineCacheStats{TotalEntries: 3},
		Registry:      registry.RegistryStats{Size: 12, Hits: 90, Misses: 10},
		RedisKeyCount: 55,
		GeneratedAt:   time.Now(),
	}

	mockReporter := &MockStatsReporter{}
	mockReporter.On("Report", mock.Anything).Return(report)

	handler := NewStatsHandler(mockReporter)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/cache/stats", nil)

	handler.GetCacheStats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, true, response["success"])

	data, ok := response["data"].(map[string]interface{})
	assert.True(t, ok)
	assert.Contains(t, data, "forecast")
	assert.Contains(t, data, "quarantine")
	assert.Contains(t, data, "registry")
	assert.Equal(t, float64(55), data["redis_key_count"])

	mockReporter.AssertExpectations(t)
}

func TestStatsHandler_GetCacheStats_NilReporter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewStatsHandler(nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/v1/cache/stats", nil)

	handler.GetCacheStats(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, false, response["success"])
}
