package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/database"
)

// RetentionConfig sets how long each table keeps history. Zero values take
// the defaults.
type RetentionConfig struct {
	// ForecastAge bounds forecasts and model_snapshots rows.
	ForecastAge time.Duration
	// RunAge bounds forecast_runs audit rows.
	RunAge time.Duration
	// AccuracyAge bounds forecast_accuracy rows. Kept longest: accuracy
	// history is the dynamic-weight prior signal.
	AccuracyAge time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.ForecastAge <= 0 {
		c.ForecastAge = 90 * 24 * time.Hour
	}
	if c.RunAge <= 0 {
		c.RunAge = 180 * 24 * time.Hour
	}
	if c.AccuracyAge <= 0 {
		c.AccuracyAge = 365 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 6 * time.Hour
	}
	return c
}

// RetentionService deletes aged-out forecast history on a schedule. Forecasts
// accumulate every batch cycle, so without the sweep the audit tables grow
// without bound.
type RetentionService struct {
	pool   database.DatabasePool
	cfg    RetentionConfig
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	running     bool
	lastSweepAt time.Time
	rowsDeleted int64
}

// NewRetentionService creates the sweep service.
func NewRetentionService(pool database.DatabasePool, cfg RetentionConfig, logger *logrus.Logger) *RetentionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetentionService{
		pool:   pool,
		cfg:    cfg.withDefaults(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs an immediate sweep and then sweeps on the configured interval.
func (s *RetentionService) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"forecast_age": s.cfg.ForecastAge.String(),
		"run_age":      s.cfg.RunAge.String(),
		"accuracy_age": s.cfg.AccuracyAge.String(),
		"interval":     s.cfg.SweepInterval.String(),
	}).Info("Starting retention sweep service")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.WithError(err).Warn("Initial retention sweep failed")
		}

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(s.ctx); err != nil {
					s.logger.WithError(err).Warn("Retention sweep failed")
				}
			}
		}
	}()
}

// Stop halts the background sweep and waits for an in-flight one to finish.
func (s *RetentionService) Stop() {
	s.logger.Info("Stopping retention sweep service")
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Sweep deletes aged-out rows from every retained table and returns the total
// rows removed. Tables are swept serially; the first failure aborts the rest.
func (s *RetentionService) Sweep(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	total := int64(0)

	sweeps := []struct {
		table  string
		column string
		cutoff time.Time
	}{
		{"forecasts", "generated_at", now.Add(-s.cfg.ForecastAge)},
		{"model_snapshots", "updated_at", now.Add(-s.cfg.ForecastAge)},
		{"forecast_runs", "started_at", now.Add(-s.cfg.RunAge)},
		{"forecast_accuracy", "evaluated_at", now.Add(-s.cfg.AccuracyAge)},
	}

	for _, sweep := range sweeps {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s < $1", sweep.table, sweep.column)
		tag, err := s.pool.Exec(ctx, query, sweep.cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s: %w", sweep.table, err)
		}
		if rows := tag.RowsAffected(); rows > 0 {
			total += rows
			s.logger.WithFields(logrus.Fields{
				"table":  sweep.table,
				"rows":   rows,
				"cutoff": sweep.cutoff.Format(time.RFC3339),
			}).Info("Swept aged-out rows")
		}
	}

	s.mu.Lock()
	s.lastSweepAt = now
	s.rowsDeleted += total
	s.mu.Unlock()

	return total, nil
}

// DataStats counts the rows currently held per table, for the health endpoint.
func (s *RetentionService) DataStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"sales_daily", "forecasts", "forecast_runs", "forecast_accuracy", "model_snapshots", "series_quarantine"} {
		var count int64
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	return stats, nil
}

// LastSweep reports when the last sweep ran and the lifetime rows removed.
func (s *RetentionService) LastSweep() (time.Time, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSweepAt, s.rowsDeleted
}
