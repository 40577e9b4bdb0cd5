package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/models"
)

// QuarantineCacheEntry represents a quarantined series with metadata.
type QuarantineCacheEntry struct {
	// Series is the canonical product@store identifier.
	Series string `json:"series"`
	// Reason describes why the series was quarantined.
	Reason string `json:"reason"`
	// FailureCount is the consecutive-failure count at quarantine time.
	FailureCount int `json:"failure_count"`
	// ExpiresAt points to the time when the quarantine lapses.
	// If nil, the entry does not expire automatically.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// CreatedAt is the timestamp when the entry was created.
	CreatedAt time.Time `json:"created_at"`
}

// QuarantineCacheStats holds statistics about the quarantine cache.
type QuarantineCacheStats struct {
	// TotalEntries is the current number of items in the cache.
	TotalEntries int64 `json:"total_entries"`
	// ExpiredEntries is the count of entries that have passed their expiration time.
	ExpiredEntries int64 `json:"expired_entries"`
	// Hits is the number of lookups that found an active quarantine.
	Hits int64 `json:"hits"`
	// Misses is the number of lookups that found nothing.
	Misses int64 `json:"misses"`
	// Adds is the total number of entries added to the cache.
	Adds int64 `json:"adds"`
	// LastCleanup is the timestamp of the last cache cleanup operation.
	LastCleanup time.Time `json:"last_cleanup"`
}

// QuarantineCache is the fast-path lookup the batch runner consults before
// fitting a series. Backed by Redis with database persistence, or by the
// in-memory fallback when Redis is unavailable.
type QuarantineCache interface {
	// IsQuarantined checks if a series is quarantined.
	IsQuarantined(ctx context.Context, key models.SeriesKey) (bool, string)
	// Add quarantines a series with a reason and time-to-live.
	Add(ctx context.Context, key models.SeriesKey, reason string, ttl time.Duration)
	// Remove releases a series from quarantine.
	Remove(ctx context.Context, key models.SeriesKey)
	// Clear removes all entries from the cache.
	Clear(ctx context.Context)
	// GetStats returns the current cache statistics.
	GetStats() QuarantineCacheStats
	// LogStats logs the current cache statistics.
	LogStats()
	// Close cleans up any resources associated with the cache.
	Close() error
	// LoadFromDatabase populates the cache from the persistent store.
	LoadFromDatabase(ctx context.Context) error
	// Entries retrieves all quarantined series from the cache.
	Entries(ctx context.Context) ([]QuarantineCacheEntry, error)
}

// QuarantineStore is the persistence contract behind the cache. Satisfied by
// database.QuarantineRepository; narrowed here for dependency injection and
// mock implementations.
type QuarantineStore interface {
	// QuarantineSeries marks a series quarantined in the database.
	QuarantineSeries(ctx context.Context, key models.SeriesKey, reason string, expiresAt *time.Time) (*database.SeriesQuarantineEntry, error)
	// ReleaseSeries removes a series from the database quarantine.
	ReleaseSeries(ctx context.Context, key models.SeriesKey) error
	// GetQuarantined retrieves all active quarantine entries from the database.
	GetQuarantined(ctx context.Context) ([]database.SeriesQuarantineEntry, error)
	// CleanupExpired removes expired entries from the database.
	CleanupExpired(ctx context.Context) (int64, error)
}

// RedisQuarantineCache implements QuarantineCache using Redis with database
// persistence. Writes go to the database first so a cache flush never loses
// quarantine state.
type RedisQuarantineCache struct {
	client redis.Cmdable
	stats  QuarantineCacheStats
	mu     sync.RWMutex
	prefix string
	store  QuarantineStore
}

// NewRedisQuarantineCache creates a new Redis-based quarantine cache with
// database persistence.
//
// Parameters:
//   client: The Redis client interface.
//   store: The database persistence interface.
//
// Returns:
//   *RedisQuarantineCache: A pointer to the initialized cache.
func NewRedisQuarantineCache(client redis.Cmdable, store QuarantineStore) *RedisQuarantineCache {
	return &RedisQuarantineCache{
		client: client,
		prefix: "quarantine:",
		stats:  QuarantineCacheStats{},
		store:  store,
	}
}

// IsQuarantined checks if a series is quarantined.
// It looks up the series in Redis and checks expiration.
//
// Parameters:
//   ctx: The context for the lookup.
//   key: The series to check.
//
// Returns:
//   bool: True if quarantined.
//   string: The reason for the quarantine.
func (rqc *RedisQuarantineCache) IsQuarantined(ctx context.Context, key models.SeriesKey) (bool, string) {
	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	cacheKey := rqc.prefix + key.String()
	val, err := rqc.client.Get(ctx, cacheKey).Result()
	if err != nil {
		if err == redis.Nil {
			rqc.stats.Misses++
			return false, ""
		}
		// Log error but don't fail the check
		logrus.WithError(err).Warnf("Redis quarantine check error for %s", key)
		rqc.stats.Misses++
		return false, ""
	}

	var entry QuarantineCacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		logrus.WithError(err).Warnf("Failed to unmarshal quarantine entry for %s", key)
		rqc.stats.Misses++
		return false, ""
	}

	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		rqc.client.Del(ctx, cacheKey)
		rqc.stats.ExpiredEntries++
		rqc.stats.Misses++
		return false, ""
	}

	rqc.stats.Hits++
	return true, entry.Reason
}

// Add quarantines a series with a TTL.
// It persists the entry to the database and then updates the Redis cache.
//
// Parameters:
//   ctx: The context for the operation.
//   key: The series to quarantine.
//   reason: The reason for the quarantine.
//   ttl: The time-to-live duration. Zero means no expiration.
func (rqc *RedisQuarantineCache) Add(ctx context.Context, key models.SeriesKey, reason string, ttl time.Duration) {
	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	entry := QuarantineCacheEntry{
		Series:    key.String(),
		Reason:    reason,
		CreatedAt: time.Now(),
	}

	if ttl > 0 {
		expiresAt := time.Now().Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	// Persist to database first
	if rqc.store != nil {
		stored, err := rqc.store.QuarantineSeries(ctx, key, reason, entry.ExpiresAt)
		if err != nil {
			logrus.WithError(err).Error("Error persisting quarantine to database")
			// Continue with Redis cache even if database fails
		} else if stored != nil {
			entry.FailureCount = stored.FailureCount
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to marshal quarantine entry for %s", key)
		return
	}

	if err := rqc.client.Set(ctx, rqc.prefix+key.String(), data, ttl).Err(); err != nil {
		logrus.WithError(err).Warnf("Failed to set quarantine entry for %s", key)
		return
	}

	rqc.stats.Adds++
	rqc.stats.TotalEntries++
	logrus.Infof("Quarantined series %s: %s (TTL: %v)", key, reason, ttl)
}

// Remove releases a series from quarantine.
// It removes the entry from both the database and the Redis cache.
//
// Parameters:
//   ctx: The context for the operation.
//   key: The series to release.
func (rqc *RedisQuarantineCache) Remove(ctx context.Context, key models.SeriesKey) {
	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	// Remove from database first
	if rqc.store != nil {
		if err := rqc.store.ReleaseSeries(ctx, key); err != nil {
			logrus.WithError(err).Warnf("Error releasing %s from database quarantine", key)
			// Continue with Redis cache even if database fails
		}
	}

	result := rqc.client.Del(ctx, rqc.prefix+key.String())
	if result.Err() != nil {
		logrus.WithError(result.Err()).Warnf("Failed to remove quarantine entry for %s", key)
		return
	}

	if result.Val() > 0 {
		rqc.stats.TotalEntries--
		logrus.Infof("Released series %s from quarantine", key)
	}
}

// Clear removes all quarantined series from the Redis cache.
// Note: It does not clear the database to prevent accidental data loss.
func (rqc *RedisQuarantineCache) Clear(ctx context.Context) {
	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	keys, err := rqc.scanKeys(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to scan quarantine keys")
		return
	}

	if len(keys) > 0 {
		result := rqc.client.Del(ctx, keys...)
		if result.Err() != nil {
			logrus.WithError(result.Err()).Warn("Failed to clear quarantine cache")
			return
		}
		rqc.stats.TotalEntries = 0
		logrus.Infof("Cleared %d quarantined series", result.Val())
	}
}

func (rqc *RedisQuarantineCache) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := rqc.client.Scan(ctx, 0, rqc.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// GetStats returns current cache statistics.
//
// Returns:
//   QuarantineCacheStats: The current statistics.
func (rqc *RedisQuarantineCache) GetStats() QuarantineCacheStats {
	rqc.mu.RLock()
	defer rqc.mu.RUnlock()

	// Refresh total entries from Redis
	if keys, err := rqc.scanKeys(context.Background()); err == nil {
		rqc.stats.TotalEntries = int64(len(keys))
	}

	return rqc.stats
}

// LogStats logs current cache statistics.
func (rqc *RedisQuarantineCache) LogStats() {
	stats := rqc.GetStats()
	logrus.Infof("Quarantine Cache Stats - Total: %d, Hits: %d, Misses: %d, Adds: %d, Expired: %d",
		stats.TotalEntries, stats.Hits, stats.Misses, stats.Adds, stats.ExpiredEntries)
}

// Close closes the cache. The Redis client is managed externally, so this is
// a no-op.
//
// Returns:
//   error: Always nil.
func (rqc *RedisQuarantineCache) Close() error {
	return nil
}

// LoadFromDatabase loads quarantine entries from the database into the Redis
// cache. This is typically called on startup to populate the cache.
//
// Parameters:
//   ctx: The context for the operation.
//
// Returns:
//   error: An error if the database retrieval fails.
func (rqc *RedisQuarantineCache) LoadFromDatabase(ctx context.Context) error {
	if rqc.store == nil {
		return fmt.Errorf("quarantine store not configured")
	}

	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	entries, err := rqc.store.GetQuarantined(ctx)
	if err != nil {
		return fmt.Errorf("failed to load quarantine from database: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.ExpiresAt != nil && entry.ExpiresAt.Before(time.Now()) {
			continue
		}

		series := models.SeriesKey{ProductID: entry.ProductID, StoreID: entry.StoreID}
		cacheEntry := QuarantineCacheEntry{
			Series:       series.String(),
			Reason:       entry.Reason,
			FailureCount: entry.FailureCount,
			CreatedAt:    entry.CreatedAt,
			ExpiresAt:    entry.ExpiresAt,
		}

		data, err := json.Marshal(cacheEntry)
		if err != nil {
			logrus.WithError(err).Warnf("Error marshaling quarantine entry for %s", series)
			continue
		}

		var ttl time.Duration
		if entry.ExpiresAt != nil {
			ttl = time.Until(*entry.ExpiresAt)
			if ttl <= 0 {
				continue
			}
		}

		if err := rqc.client.Set(ctx, rqc.prefix+series.String(), data, ttl).Err(); err != nil {
			logrus.WithError(err).Warnf("Error loading quarantine entry to cache for %s", series)
			continue
		}
		loaded++
	}

	logrus.Infof("Loaded %d quarantine entries from database to cache", loaded)
	return nil
}

// Entries returns all currently quarantined series.
// It scans the Redis cache for all quarantine entries.
//
// Returns:
//   []QuarantineCacheEntry: A list of all quarantined series.
//   error: An error if scanning fails.
func (rqc *RedisQuarantineCache) Entries(ctx context.Context) ([]QuarantineCacheEntry, error) {
	rqc.mu.RLock()
	defer rqc.mu.RUnlock()

	keys, err := rqc.scanKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan quarantine keys: %w", err)
	}

	var entries []QuarantineCacheEntry
	for _, key := range keys {
		val, err := rqc.client.Get(ctx, key).Result()
		if err != nil {
			continue // Key might have expired between scan and get
		}

		var entry QuarantineCacheEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			continue // Skip malformed entries
		}

		if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
			rqc.client.Del(ctx, key)
			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// CleanupExpired removes all expired entries from the cache.
//
// Returns:
//   int: The number of expired entries removed.
func (rqc *RedisQuarantineCache) CleanupExpired(ctx context.Context) int {
	rqc.mu.Lock()
	defer rqc.mu.Unlock()

	keys, err := rqc.scanKeys(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Failed to scan quarantine keys for cleanup")
		return 0
	}

	expiredCount := 0
	for _, key := range keys {
		val, err := rqc.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var entry QuarantineCacheEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			continue
		}

		if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
			rqc.client.Del(ctx, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		rqc.stats.ExpiredEntries += int64(expiredCount)
		rqc.stats.TotalEntries -= int64(expiredCount)
		rqc.stats.LastCleanup = time.Now()
		logrus.Infof("Cleaned up %d expired quarantine entries", expiredCount)
	}

	return expiredCount
}

// InMemoryQuarantineCache provides a fallback in-memory implementation of
// QuarantineCache. It uses a Go map and is safe for concurrent use.
type InMemoryQuarantineCache struct {
	cache map[string]*QuarantineCacheEntry
	mu    sync.RWMutex
	stats QuarantineCacheStats
}

// NewInMemoryQuarantineCache creates a new in-memory quarantine cache.
//
// Returns:
//   *InMemoryQuarantineCache: A pointer to the initialized in-memory cache.
func NewInMemoryQuarantineCache() *InMemoryQuarantineCache {
	return &InMemoryQuarantineCache{
		cache: make(map[string]*QuarantineCacheEntry),
		stats: QuarantineCacheStats{},
	}
}

// IsQuarantined checks if a series is quarantined (in-memory implementation).
//
// Parameters:
//   ctx: Unused; present to satisfy QuarantineCache.
//   key: The series to check.
//
// Returns:
//   bool: True if quarantined.
//   string: The reason for the quarantine.
func (imc *InMemoryQuarantineCache) IsQuarantined(ctx context.Context, key models.SeriesKey) (bool, string) {
	id := key.String()

	imc.mu.RLock()
	entry, exists := imc.cache[id]
	imc.mu.RUnlock()

	if !exists {
		imc.mu.Lock()
		imc.stats.Misses++
		imc.mu.Unlock()
		return false, ""
	}

	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		imc.mu.Lock()
		// Re-check under the write lock before deleting
		if entry, exists := imc.cache[id]; exists && entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
			delete(imc.cache, id)
			imc.stats.ExpiredEntries++
			imc.stats.TotalEntries--
		}
		imc.stats.Misses++
		imc.mu.Unlock()
		return false, ""
	}

	imc.mu.Lock()
	imc.stats.Hits++
	imc.mu.Unlock()
	return true, entry.Reason
}

// Add quarantines a series (in-memory implementation).
//
// Parameters:
//   ctx: Unused.
//   key: The series to quarantine.
//   reason: The reason.
//   ttl: The time-to-live. Zero means no expiration.
func (imc *InMemoryQuarantineCache) Add(ctx context.Context, key models.SeriesKey, reason string, ttl time.Duration) {
	imc.mu.Lock()
	defer imc.mu.Unlock()

	entry := &QuarantineCacheEntry{
		Series:    key.String(),
		Reason:    reason,
		CreatedAt: time.Now(),
	}

	if ttl > 0 {
		expiresAt := time.Now().Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	imc.cache[key.String()] = entry
	imc.stats.Adds++
	imc.stats.TotalEntries++
	logrus.Infof("Quarantined series %s: %s (TTL: %v)", key, reason, ttl)
}

// Remove releases a series from quarantine (in-memory implementation).
//
// Parameters:
//   ctx: Unused.
//   key: The series to release.
func (imc *InMemoryQuarantineCache) Remove(ctx context.Context, key models.SeriesKey) {
	imc.mu.Lock()
	defer imc.mu.Unlock()

	if _, exists := imc.cache[key.String()]; exists {
		delete(imc.cache, key.String())
		imc.stats.TotalEntries--
		logrus.Infof("Released series %s from quarantine", key)
	}
}

// Clear removes all quarantined series (in-memory implementation).
func (imc *InMemoryQuarantineCache) Clear(ctx context.Context) {
	imc.mu.Lock()
	defer imc.mu.Unlock()

	count := len(imc.cache)
	imc.cache = make(map[string]*QuarantineCacheEntry)
	imc.stats.TotalEntries = 0
	logrus.Infof("Cleared %d quarantined series", count)
}

// GetStats returns current cache statistics (in-memory implementation).
//
// Returns:
//   QuarantineCacheStats: The statistics.
func (imc *InMemoryQuarantineCache) GetStats() QuarantineCacheStats {
	imc.mu.RLock()
	defer imc.mu.RUnlock()
	return imc.stats
}

// LogStats logs current cache statistics (in-memory implementation).
func (imc *InMemoryQuarantineCache) LogStats() {
	stats := imc.GetStats()
	logrus.Infof("Quarantine Cache Stats - Total: %d, Hits: %d, Misses: %d, Adds: %d, Expired: %d",
		stats.TotalEntries, stats.Hits, stats.Misses, stats.Adds, stats.ExpiredEntries)
}

// Close closes the cache (in-memory implementation).
//
// Returns:
//   error: Always nil.
func (imc *InMemoryQuarantineCache) Close() error {
	return nil
}

// LoadFromDatabase loads quarantine entries from the database (in-memory
// implementation).
//
// Parameters:
//   ctx: Unused.
//
// Returns:
//   error: Always an error, as database persistence is not supported.
func (imc *InMemoryQuarantineCache) LoadFromDatabase(ctx context.Context) error {
	return fmt.Errorf("database persistence not supported for in-memory cache")
}

// Entries returns all quarantined series (in-memory implementation).
//
// Returns:
//   []QuarantineCacheEntry: List of entries.
//   error: Always nil.
func (imc *InMemoryQuarantineCache) Entries(ctx context.Context) ([]QuarantineCacheEntry, error) {
	imc.mu.RLock()
	defer imc.mu.RUnlock()

	var entries []QuarantineCacheEntry
	for _, entry := range imc.cache {
		if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
			continue
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}
