package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandcast/demandcast-go/internal/cache"
	"github.com/demandcast/demandcast-go/internal/config"
	"github.com/demandcast/demandcast-go/internal/middleware"
	"github.com/demandcast/demandcast-go/internal/registry"
	"github.com/demandcast/demandcast-go/internal/services"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestRouter wires the full route table with an unstarted runner and a
// miniredis-backed stats reporter. Store-dependent services stay nil, so
// tests exercise routing, validation and auth, not the forecast pipeline.
func setupTestRouter(t *testing.T) (*gin.Engine, *middleware.AuthMiddleware) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := testLogger()

	reg, err := registry.New(16, time.Hour)
	require.NoError(t, err)

	forecastCache := cache.NewForecastCache(client, time.Hour)
	quarantineCache := cache.NewRedisQuarantineCache(client, nil)
	statsReporter := services.NewStatsReporter(client, forecastCache, quarantineCache, reg, logger)

	runner := services.NewBatchRunner(nil, reg, nil, nil, time.Hour, logger)

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Forecast: config.ForecastConfig{Horizon: 14},
	}

	authMiddleware := middleware.NewAuthMiddleware("routes-test-secret")

	router := gin.New()
	SetupRoutes(router, cfg, nil, nil, nil, runner, nil, nil, nil, statsReporter, authMiddleware, logger)
	return router, authMiddleware
}

func hasRoute(routes gin.RoutesInfo, method, path string) bool {
	for _, route := range routes {
		if route.Method == method && route.Path == path {
			return true
		}
	}
	return false
}

func TestSetupRoutes_RegistersRoutes(t *testing.T) {
	router, _ := setupTestRouter(t)
	routes := router.Routes()

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"HEAD", "/health"},
		{"GET", "/ready"},
		{"GET", "/live"},
		{"GET", "/api/v1/forecasts/:product/:store"},
		{"GET", "/api/v1/forecasts/:product/:store/accuracy"},
		{"POST", "/api/v1/forecasts/generate"},
		{"GET", "/api/v1/models/weights/:product/:store"},
		{"GET", "/api/v1/cache/stats"},
		{"GET", "/api/v1/data/stats"},
		{"POST", "/api/v1/admin/batch"},
		{"GET", "/api/v1/admin/runner"},
		{"POST", "/api/v1/admin/retention/sweep"},
	}

	for _, route := range expected {
		assert.True(t, hasRoute(routes, route.method, route.path), "missing route %s %s", route.method, route.path)
	}
}

func TestSetupRoutes_ForecastValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	t.Run("rejects non-numeric horizon", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/v1/forecasts/P1/S1?horizon=abc", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects generate without series", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/forecasts/generate", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSetupRoutes_LivenessEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/live", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "alive", response["status"])
}

func TestSetupRoutes_AdminAuthChain(t *testing.T) {
	router, authMiddleware := setupTestRouter(t)

	adminToken, err := authMiddleware.GenerateToken("ops", middleware.RoleAdmin, time.Hour)
	require.NoError(t, err)
	readonlyToken, err := authMiddleware.GenerateToken("viewer", middleware.RoleReadOnly, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "no token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "malformed header",
			authHeader:     "Token xyz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "readonly role rejected",
			authHeader:     "Bearer " + readonlyToken,
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "admin role allowed",
			authHeader:     "Bearer " + adminToken,
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/api/v1/admin/runner", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var status services.RunnerStatus
				err := json.Unmarshal(w.Body.Bytes(), &status)
				assert.NoError(t, err)
				assert.False(t, status.Running)
				assert.Equal(t, "1h0m0s", status.Interval)
			}
		})
	}

	t.Run("batch trigger requires admin", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/admin/batch", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSetupRoutes_CacheStatsAuth(t *testing.T) {
	router, authMiddleware := setupTestRouter(t)

	t.Run("rejects anonymous access", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/v1/cache/stats", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("serves report to any valid token", func(t *testing.T) {
		token, err := authMiddleware.GenerateToken("viewer", middleware.RoleReadOnly, time.Hour)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/v1/cache/stats", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err = json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, true, response["success"])

		data, ok := response["data"].(map[string]interface{})
		assert.True(t, ok)
		assert.Contains(t, data, "forecast")
		assert.Contains(t, data, "quarantine")
		assert.Contains(t, data, "registry")
	})
}

func TestSetupRoutes_DataStatsAuth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/data/stats", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSetupRoutes_CORSPreflight(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/api/v1/forecasts/P1/S1", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestSetupRoutes_UnknownRoute(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/unknown", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
