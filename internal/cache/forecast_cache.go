package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/telemetry"
)

// ForecastCacheEntry wraps a cached forecast with timing metadata
type ForecastCacheEntry struct {
	Result    *models.ForecastResult `json:"result"`
	CachedAt  time.Time              `json:"cached_at"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// ForecastCacheStats tracks cache performance metrics
type ForecastCacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Invalidations int64 `json:"invalidations"`
	mu            sync.RWMutex
}

// ForecastCache is the Redis-backed cache-aside layer for served forecasts.
// Entries expire with the configured TTL and are invalidated whenever a
// series is retrained.
type ForecastCache struct {
	redis  *redis.Client
	ttl    time.Duration
	stats  *ForecastCacheStats
	prefix string
	tracer trace.Tracer
}

// NewForecastCache creates a new Redis-based forecast cache
func NewForecastCache(redisClient *redis.Client, ttl time.Duration) *ForecastCache {
	return &ForecastCache{
		redis:  redisClient,
		ttl:    ttl,
		stats:  &ForecastCacheStats{},
		prefix: "forecast:",
		tracer: telemetry.GetCacheTracer(),
	}
}

func (c *ForecastCache) entryKey(key models.SeriesKey, horizon int) string {
	return fmt.Sprintf("%s%s:%d", c.prefix, key.String(), horizon)
}

// Get retrieves a cached forecast for the series and horizon. The second
// return value reports whether the lookup hit.
func (c *ForecastCache) Get(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, bool) {
	cacheKey := c.entryKey(key, horizon)
	ctx, span := c.tracer.Start(ctx, "cache.forecast.get",
		trace.WithAttributes(attribute.String("cache.key", cacheKey)))
	defer span.End()

	data, err := c.redis.Get(ctx, cacheKey).Result()
	if err == redis.Nil {
		c.recordMiss(span)
		return nil, false
	}
	if err != nil {
		logrus.WithError(err).Warnf("Redis error getting forecast for %s", key)
		c.recordMiss(span)
		return nil, false
	}

	var entry ForecastCacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		logrus.WithError(err).Warnf("Error deserializing cached forecast for %s", key)
		c.recordMiss(span)
		return nil, false
	}

	// Redis TTL normally evicts first; if the entry outlived it, a stale
	// forecast must not be served.
	if time.Now().After(entry.ExpiresAt) {
		c.redis.Del(ctx, cacheKey)
		c.recordMiss(span)
		return nil, false
	}

	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return entry.Result, true
}

func (c *ForecastCache) recordMiss(span trace.Span) {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
	span.SetAttributes(attribute.Bool("cache.hit", false))
}

// Set stores a forecast in the cache under its series and horizon.
func (c *ForecastCache) Set(ctx context.Context, result *models.ForecastResult) {
	if result == nil {
		return
	}
	cacheKey := c.entryKey(result.Series, result.Horizon)
	ctx, span := c.tracer.Start(ctx, "cache.forecast.set",
		trace.WithAttributes(attribute.String("cache.key", cacheKey)))
	defer span.End()

	now := time.Now()
	entry := ForecastCacheEntry{
		Result:    result,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logrus.WithError(err).Warnf("Error serializing forecast for %s", result.Series)
		return
	}

	if err := c.redis.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
		logrus.WithError(err).Warnf("Redis error setting forecast for %s", result.Series)
		return
	}

	c.stats.mu.Lock()
	c.stats.Sets++
	c.stats.mu.Unlock()

	logrus.Debugf("Cached forecast for %s horizon %d (TTL: %v)", result.Series, result.Horizon, c.ttl)
}

// Invalidate removes every cached horizon for the series. Called after a
// retrain so stale forecasts never outlive the model that produced them.
func (c *ForecastCache) Invalidate(ctx context.Context, key models.SeriesKey) error {
	ctx, span := c.tracer.Start(ctx, "cache.forecast.invalidate",
		trace.WithAttributes(attribute.String("cache.series", key.String())))
	defer span.End()

	pattern := c.prefix + key.String() + ":*"
	keys, err := c.scanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error invalidating forecasts for %s: %w", key, err)
	}

	c.stats.mu.Lock()
	c.stats.Invalidations += int64(len(keys))
	c.stats.mu.Unlock()

	logrus.Debugf("Invalidated %d cached forecasts for %s", len(keys), key)
	return nil
}

// Clear removes all cached forecasts
func (c *ForecastCache) Clear(ctx context.Context) error {
	keys, err := c.scanKeys(ctx, c.prefix+"*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing forecast cache: %w", err)
	}

	logrus.Infof("Cleared %d forecast cache entries", len(keys))
	return nil
}

func (c *ForecastCache) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning cache keys: %w", err)
	}
	return keys, nil
}

// CachedSeries returns the series that currently have at least one cached
// forecast.
func (c *ForecastCache) CachedSeries(ctx context.Context) ([]models.SeriesKey, error) {
	keys, err := c.scanKeys(ctx, c.prefix+"*")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var series []models.SeriesKey
	prefixLen := len(c.prefix)
	for _, k := range keys {
		if len(k) <= prefixLen {
			continue
		}
		// Body is "product@store:horizon".
		body := k[prefixLen:]
		sep := strings.LastIndex(body, ":")
		if sep <= 0 {
			continue
		}
		at := strings.Index(body[:sep], "@")
		if at <= 0 {
			continue
		}
		sk := models.SeriesKey{ProductID: body[:at], StoreID: body[at+1 : sep]}
		if !seen[sk.String()] {
			seen[sk.String()] = true
			series = append(series, sk)
		}
	}
	return series, nil
}

// GetStats returns current cache statistics
func (c *ForecastCache) GetStats() ForecastCacheStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return ForecastCacheStats{
		Hits:          c.stats.Hits,
		Misses:        c.stats.Misses,
		Sets:          c.stats.Sets,
		Invalidations: c.stats.Invalidations,
	}
}

// LogStats logs current cache performance statistics
func (c *ForecastCache) LogStats() {
	stats := c.GetStats()
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}

	logrus.Infof("Forecast Cache Stats - Hits: %d, Misses: %d, Sets: %d, Invalidations: %d, Hit Rate: %.2f%%",
		stats.Hits, stats.Misses, stats.Sets, stats.Invalidations, hitRate)
}
