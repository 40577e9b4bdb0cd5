package services

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/cache"
	"github.com/demandcast/demandcast-go/internal/registry"
)

const (
	// statsReportKey is where the last report is persisted for inspection.
	statsReportKey = "forecast:stats:report"
	statsReportTTL = 24 * time.Hour
)

// CacheReport is the combined caching picture: the forecast cache, the
// quarantine cache, the in-process model registry, and the Redis server
// itself. Served on the cache stats endpoint.
type CacheReport struct {
	Forecast   cache.ForecastCacheStats   `json:"forecast"`
	Quarantine cache.QuarantineCacheStats `json:"quarantine"`
	Registry   registry.RegistryStats     `json:"registry"`

	RedisKeyCount    int64             `json:"redis_key_count"`
	RedisMemoryBytes int64             `json:"redis_memory_bytes"`
	ConnectedClients int64             `json:"connected_clients"`
	RedisInfo        map[string]string `json:"redis_info,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// StatsReporter aggregates cache statistics across layers and periodically
// logs them, persisting the last report to Redis for out-of-process
// inspection.
type StatsReporter struct {
	redisClient *redis.Client
	forecasts   *cache.ForecastCache
	quarantine  cache.QuarantineCache
	registry    *registry.ModelRegistry
	logger      *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatsReporter creates the reporter.
func NewStatsReporter(redisClient *redis.Client, forecasts *cache.ForecastCache, quarantine cache.QuarantineCache, reg *registry.ModelRegistry, logger *logrus.Logger) *StatsReporter {
	ctx, cancel := context.WithCancel(context.Background())
	return &StatsReporter{
		redisClient: redisClient,
		forecasts:   forecasts,
		quarantine:  quarantine,
		registry:    reg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Report gathers one combined snapshot. Redis server intel is best-effort:
// a failing INFO call degrades to a partial report, never an error.
func (s *StatsReporter) Report(ctx context.Context) *CacheReport {
	report := &CacheReport{
		Forecast:    s.forecasts.GetStats(),
		Quarantine:  s.quarantine.GetStats(),
		Registry:    s.registry.Stats(),
		GeneratedAt: time.Now().UTC(),
	}

	if s.redisClient == nil {
		return report
	}

	if info, err := s.redisClient.Info(ctx, "memory", "clients").Result(); err == nil {
		fields := parseRedisInfo(info)
		report.RedisMemoryBytes = parseInfoInt(fields, "used_memory")
		report.ConnectedClients = parseInfoInt(fields, "connected_clients")
		report.RedisInfo = map[string]string{
			"used_memory_human":       fields["used_memory_human"],
			"maxmemory_policy":        fields["maxmemory_policy"],
			"mem_fragmentation_ratio": fields["mem_fragmentation_ratio"],
		}
	} else {
		s.logger.WithError(err).Debug("Failed to read redis server info")
	}

	if keys, err := s.redisClient.DBSize(ctx).Result(); err == nil {
		report.RedisKeyCount = keys
	}

	return report
}

// StartPeriodicReporting logs and persists a report on every tick.
func (s *StatsReporter) StartPeriodicReporting(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.publish(s.ctx)
			}
		}
	}()
}

// Stop halts periodic reporting.
func (s *StatsReporter) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *StatsReporter) publish(ctx context.Context) {
	report := s.Report(ctx)

	forecastTotal := report.Forecast.Hits + report.Forecast.Misses
	hitRate := 0.0
	if forecastTotal > 0 {
		hitRate = float64(report.Forecast.Hits) / float64(forecastTotal)
	}

	s.logger.WithFields(logrus.Fields{
		"forecast_hits":     report.Forecast.Hits,
		"forecast_misses":   report.Forecast.Misses,
		"forecast_hit_rate": hitRate,
		"quarantined":       report.Quarantine.TotalEntries,
		"registry_size":     report.Registry.Size,
		"registry_hit_rate": report.Registry.HitRate,
		"redis_keys":        report.RedisKeyCount,
		"redis_memory":      report.RedisMemoryBytes,
	}).Info("Cache statistics")

	if s.redisClient == nil {
		return
	}
	blob, err := json.Marshal(report)
	if err != nil {
		return
	}
	s.redisClient.Set(ctx, statsReportKey, blob, statsReportTTL)
}

// parseRedisInfo flattens INFO output into key/value pairs, skipping section
// headers.
func parseRedisInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			fields[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return fields
}

func parseInfoInt(fields map[string]string, key string) int64 {
	v, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
