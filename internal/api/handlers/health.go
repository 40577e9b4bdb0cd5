package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/demandcast/demandcast-go/internal/services"
)

var startTime = time.Now()

// DatabaseHealthChecker interface for database health checks.
type DatabaseHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RedisHealthChecker interface for redis health checks.
type RedisHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler manages health check endpoints.
type HealthHandler struct {
	db        DatabaseHealthChecker
	redis     RedisHealthChecker
	runner    RunnerInterface
	monitor   *services.ResourceMonitor
	alerts    *services.AlertService
	retention *services.RetentionService
}

// RetentionStatus summarizes the most recent retention sweep.
type RetentionStatus struct {
	LastSweepAt time.Time `json:"last_sweep_at"`
	RowsRemoved int64     `json:"rows_removed"`
}

// HealthResponse represents the health status response.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Services  map[string]string          `json:"services"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Scheduler *services.RunnerStatus     `json:"scheduler,omitempty"`
	Resources *services.ResourceSnapshot `json:"resources,omitempty"`
	Alerts    *services.AlertStats       `json:"alerts,omitempty"`
	Retention *RetentionStatus           `json:"retention,omitempty"`
}

// NewHealthHandler creates a new instance of HealthHandler.
//
// Parameters:
//
//	db: Database checker.
//	redis: Redis checker.
//	runner: Batch scheduler, probed for liveness of the forecast cycle.
//	monitor: Host resource monitor, reported informationally.
//	alerts: Stockout alert service, reported informationally.
//	retention: Retention service, reported informationally.
//
// Returns:
//
//	*HealthHandler: Initialized handler.
func NewHealthHandler(db DatabaseHealthChecker, redis RedisHealthChecker, runner RunnerInterface, monitor *services.ResourceMonitor, alerts *services.AlertService, retention *services.RetentionService) *HealthHandler {
	return &HealthHandler{
		db:        db,
		redis:     redis,
		runner:    runner,
		monitor:   monitor,
		alerts:    alerts,
		retention: retention,
	}
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	// Check database
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "unhealthy: not configured"
	}

	// Check Redis
	if h.redis != nil {
		if err := h.redis.HealthCheck(r.Context()); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "unhealthy: not configured"
	}

	// Check batch scheduler
	if h.runner != nil {
		if h.runner.IsRunning() {
			checks["scheduler"] = "healthy"
		} else {
			checks["scheduler"] = "unhealthy: not running"
		}
	} else {
		checks["scheduler"] = "unhealthy: not configured"
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status != "healthy" {
			overallStatus = "unhealthy"
			break
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  checks,
		Version:   os.Getenv("APP_VERSION"),
		Uptime:    time.Since(startTime).String(),
	}

	// Informational sections never flip the overall status. Alert delivery
	// is optional and resource pressure is the runner's problem, not the
	// load balancer's.
	if h.runner != nil {
		status := h.runner.Status()
		response.Scheduler = &status
	}
	if h.monitor != nil {
		snapshot := h.monitor.Snapshot()
		response.Resources = &snapshot
	}
	if h.alerts != nil {
		stats := h.alerts.Stats()
		response.Alerts = &stats
	}
	if h.retention != nil {
		sweptAt, removed := h.retention.LastSweep()
		response.Retention = &RetentionStatus{
			LastSweepAt: sweptAt,
			RowsRemoved: removed,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Readiness check for Kubernetes-style deployments
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	// Stricter than HealthCheck: both stores must answer before the
	// instance takes traffic.
	checks := make(map[string]string)

	if h.db == nil {
		h.writeNotReady(w, checks, "database", "not configured")
		return
	}
	if err := h.db.HealthCheck(r.Context()); err != nil {
		h.writeNotReady(w, checks, "database", "not ready")
		return
	}
	checks["database"] = "ready"

	if h.redis == nil {
		h.writeNotReady(w, checks, "redis", "not configured")
		return
	}
	if err := h.redis.HealthCheck(r.Context()); err != nil {
		h.writeNotReady(w, checks, "redis", "not ready")
		return
	}
	checks["redis"] = "ready"

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":    true,
		"services": checks,
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (h *HealthHandler) writeNotReady(w http.ResponseWriter, checks map[string]string, service, reason string) {
	checks[service] = reason
	w.WriteHeader(http.StatusServiceUnavailable)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":    false,
		"services": checks,
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Liveness check for container restarts
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	// Simple liveness check - just ensure the app is responsive
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	}); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
