package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/registry"
)

const (
	// maxConsecutiveRunFailures suspends the scheduler loop; something is
	// broken beyond what the next cycle will fix.
	maxConsecutiveRunFailures = 3
	defaultBatchInterval      = time.Hour
)

// batchService is the slice of the orchestrator the runner drives.
type batchService interface {
	BatchRun(ctx context.Context, triggeredBy string) (*models.ForecastRun, error)
	ReconcileAccuracy(ctx context.Context) int
}

// quarantineJanitor sweeps lapsed quarantine entries out of the database.
type quarantineJanitor interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// RunnerStatus is the scheduler view on the health endpoint.
type RunnerStatus struct {
	Running             bool      `json:"running"`
	Interval            string    `json:"interval"`
	RunsCompleted       int64     `json:"runs_completed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRunAt           time.Time `json:"last_run_at"`
	NextRunAt           time.Time `json:"next_run_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// BatchRunner drives the scheduled forecasting cycle: sweep expired
// quarantines and stale ensembles, reconcile realized accuracy, then refit
// every active series. The loop suspends itself after repeated run failures.
type BatchRunner struct {
	svc        batchService
	registry   *registry.ModelRegistry
	quarantine quarantineJanitor
	monitor    *ResourceMonitor
	interval   time.Duration
	logger     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.RWMutex
	running             bool
	runsCompleted       int64
	consecutiveFailures int
	lastRunAt           time.Time
	lastError           string
}

// NewBatchRunner creates the scheduler. A non-positive interval falls back
// to hourly.
func NewBatchRunner(svc batchService, reg *registry.ModelRegistry, quarantine quarantineJanitor, monitor *ResourceMonitor, interval time.Duration, logger *logrus.Logger) *BatchRunner {
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BatchRunner{
		svc:        svc,
		registry:   reg,
		quarantine: quarantine,
		monitor:    monitor,
		interval:   interval,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches an immediate first cycle followed by the ticker loop.
func (r *BatchRunner) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("batch runner already started")
	}
	r.running = true
	r.mu.Unlock()

	r.logger.WithField("interval", r.interval.String()).Info("Starting batch forecast runner")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runOnce()
		r.loop()
	}()

	return nil
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (r *BatchRunner) Stop() {
	r.logger.Info("Stopping batch forecast runner")
	r.cancel()
	r.wg.Wait()
	r.setRunning(false)
	r.logger.Info("Batch forecast runner stopped")
}

// IsRunning reports whether the scheduler loop is alive.
func (r *BatchRunner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Status returns scheduler counters for the health endpoint.
func (r *BatchRunner) Status() RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := RunnerStatus{
		Running:             r.running,
		Interval:            r.interval.String(),
		RunsCompleted:       r.runsCompleted,
		ConsecutiveFailures: r.consecutiveFailures,
		LastRunAt:           r.lastRunAt,
		LastError:           r.lastError,
	}
	if r.running && !r.lastRunAt.IsZero() {
		status.NextRunAt = r.lastRunAt.Add(r.interval)
	}
	return status
}

func (r *BatchRunner) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.failures() >= maxConsecutiveRunFailures {
				r.logger.WithField("consecutive_failures", r.failures()).
					Error("Batch runner suspended after repeated failures")
				r.setRunning(false)
				return
			}
			r.runOnce()
		}
	}
}

// runOnce executes one full cycle. Housekeeping failures are logged and never
// block the forecast run itself.
func (r *BatchRunner) runOnce() {
	started := time.Now()

	if err := r.monitor.Refresh(r.ctx); err != nil {
		r.logger.WithError(err).Debug("Failed to sample host resources")
	}

	if released, err := r.quarantine.CleanupExpired(r.ctx); err != nil {
		r.logger.WithError(err).Warn("Failed to sweep expired quarantine entries")
	} else if released > 0 {
		r.logger.WithField("released", released).Info("Released expired quarantine entries")
	}

	if evicted := r.registry.CleanupExpired(); evicted > 0 {
		r.logger.WithField("evicted", evicted).Debug("Evicted stale ensembles from the registry")
	}

	// Score yesterday's forecasts first so the fresh accuracy rows feed this
	// cycle's dynamic-weight priors.
	if scored := r.svc.ReconcileAccuracy(r.ctx); scored > 0 {
		r.logger.WithField("forecasts_scored", scored).Info("Reconciled realized forecast accuracy")
	}

	run, err := r.svc.BatchRun(r.ctx, TriggerScheduler)

	r.mu.Lock()
	r.lastRunAt = time.Now().UTC()
	if err != nil {
		r.consecutiveFailures++
		r.lastError = err.Error()
		r.mu.Unlock()
		r.logger.WithError(err).WithField("duration", time.Since(started).Round(time.Millisecond).String()).
			Error("Batch run failed")
		return
	}
	r.runsCompleted++
	r.consecutiveFailures = 0
	r.lastError = ""
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"run_id":   run.ID.String(),
		"duration": time.Since(started).Round(time.Millisecond).String(),
	}).Debug("Batch cycle finished")
}

func (r *BatchRunner) failures() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consecutiveFailures
}

func (r *BatchRunner) setRunning(running bool) {
	r.mu.Lock()
	r.running = running
	r.mu.Unlock()
}
