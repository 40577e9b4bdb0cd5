package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/demandcast/demandcast-go/internal/database"
	"github.com/demandcast/demandcast-go/internal/models"
)

func quarantineTestKey() models.SeriesKey {
	return models.SeriesKey{ProductID: "oat-milk", StoreID: "store-7"}
}

// TestInMemoryQuarantineCache tests the in-memory implementation
func TestInMemoryQuarantineCache(t *testing.T) {
	cache := NewInMemoryQuarantineCache()
	ctx := context.Background()
	key := quarantineTestKey()

	// Test Add and IsQuarantined
	cache.Add(ctx, key, "repeated fit failures", time.Hour)
	quarantined, reason := cache.IsQuarantined(ctx, key)
	assert.True(t, quarantined)
	assert.Equal(t, "repeated fit failures", reason)

	// Test Remove
	cache.Remove(ctx, key)
	quarantined, _ = cache.IsQuarantined(ctx, key)
	assert.False(t, quarantined)

	// Test Clear
	other := models.SeriesKey{ProductID: "espresso-beans", StoreID: "store-9"}
	cache.Add(ctx, key, "test1", time.Hour)
	cache.Add(ctx, other, "test2", time.Hour)
	cache.Clear(ctx)
	quarantined, _ = cache.IsQuarantined(ctx, key)
	assert.False(t, quarantined)
	quarantined, _ = cache.IsQuarantined(ctx, other)
	assert.False(t, quarantined)
}

// TestInMemoryQuarantineCacheExpiration tests TTL functionality
func TestInMemoryQuarantineCacheExpiration(t *testing.T) {
	cache := NewInMemoryQuarantineCache()
	ctx := context.Background()
	key := quarantineTestKey()

	cache.Add(ctx, key, "short quarantine", 10*time.Millisecond)

	quarantined, reason := cache.IsQuarantined(ctx, key)
	assert.True(t, quarantined)
	assert.Equal(t, "short quarantine", reason)

	time.Sleep(20 * time.Millisecond)

	quarantined, _ = cache.IsQuarantined(ctx, key)
	assert.False(t, quarantined)
}

// TestInMemoryQuarantineCacheStats tests statistics tracking
func TestInMemoryQuarantineCacheStats(t *testing.T) {
	cache := NewInMemoryQuarantineCache()
	ctx := context.Background()
	key := quarantineTestKey()
	other := models.SeriesKey{ProductID: "espresso-beans", StoreID: "store-9"}

	cache.Add(ctx, key, "test1", time.Hour)
	cache.Add(ctx, other, "test2", time.Hour)

	cache.IsQuarantined(ctx, key)                                                  // hit
	cache.IsQuarantined(ctx, other)                                                // hit
	cache.IsQuarantined(ctx, models.SeriesKey{ProductID: "x", StoreID: "y"})       // miss

	stats := cache.GetStats()
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.Adds)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestInMemoryQuarantineCache_NoExpiry(t *testing.T) {
	cache := NewInMemoryQuarantineCache()
	ctx := context.Background()
	key := quarantineTestKey()

	// TTL zero means the quarantine never lapses on its own.
	cache.Add(ctx, key, "manual quarantine via API", 0)

	quarantined, reason := cache.IsQuarantined(ctx, key)
	assert.True(t, quarantined)
	assert.Equal(t, "manual quarantine via API", reason)

	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "oat-milk@store-7", entries[0].Series)
	assert.Nil(t, entries[0].ExpiresAt)
}

func TestInMemoryQuarantineCache_LoadFromDatabase(t *testing.T) {
	cache := NewInMemoryQuarantineCache()

	err := cache.LoadFromDatabase(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database persistence not supported")
}

func TestInMemoryQuarantineCache_Entries_SkipsExpired(t *testing.T) {
	cache := NewInMemoryQuarantineCache()
	ctx := context.Background()

	cache.Add(ctx, quarantineTestKey(), "active", time.Hour)
	cache.Add(ctx, models.SeriesKey{ProductID: "espresso-beans", StoreID: "store-9"}, "expiring", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "active", entries[0].Reason)
}

func TestRedisQuarantineCache_AddPersistsToStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := &MockQuarantineStore{}
	key := quarantineTestKey()
	store.On("QuarantineSeries", mock.Anything, key, "repeated fit failures", mock.Anything).
		Return(&database.SeriesQuarantineEntry{
			ProductID:    key.ProductID,
			StoreID:      key.StoreID,
			Reason:       "repeated fit failures",
			FailureCount: 3,
			IsActive:     true,
		}, nil)

	cache := NewRedisQuarantineCache(client, store)
	ctx := context.Background()

	cache.Add(ctx, key, "repeated fit failures", time.Hour)

	quarantined, reason := cache.IsQuarantined(ctx, key)
	assert.True(t, quarantined)
	assert.Equal(t, "repeated fit failures", reason)

	// The store's failure count is carried into the cached entry.
	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].FailureCount)

	store.AssertExpectations(t)
}

func TestRedisQuarantineCache_AddSurvivesStoreFailure(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := &MockQuarantineStore{}
	key := quarantineTestKey()
	store.On("QuarantineSeries", mock.Anything, key, "reason", mock.Anything).
		Return(nil, assert.AnError)

	cache := NewRedisQuarantineCache(client, store)
	ctx := context.Background()

	// The cache still takes the entry when the database write fails.
	cache.Add(ctx, key, "reason", time.Hour)

	quarantined, _ := cache.IsQuarantined(ctx, key)
	assert.True(t, quarantined)

	store.AssertExpectations(t)
}

func TestRedisQuarantineCache_RemoveReleasesStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := &MockQuarantineStore{}
	key := quarantineTestKey()
	store.On("QuarantineSeries", mock.Anything, key, "reason", mock.Anything).
		Return(&database.SeriesQuarantineEntry{ProductID: key.ProductID, StoreID: key.StoreID}, nil)
	store.On("ReleaseSeries", mock.Anything, key).Return(nil)

	cache := NewRedisQuarantineCache(client, store)
	ctx := context.Background()

	cache.Add(ctx, key, "reason", time.Hour)
	cache.Remove(ctx, key)

	quarantined, _ := cache.IsQuarantined(ctx, key)
	assert.False(t, quarantined)

	store.AssertExpectations(t)
}

func TestRedisQuarantineCache_LoadFromDatabase(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	expired := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	store := &MockQuarantineStore{}
	store.On("GetQuarantined", mock.Anything).Return([]database.SeriesQuarantineEntry{
		{ProductID: "oat-milk", StoreID: "store-7", Reason: "repeated fit failures", FailureCount: 5, CreatedAt: time.Now(), ExpiresAt: &future},
		{ProductID: "espresso-beans", StoreID: "store-9", Reason: "manual", CreatedAt: time.Now()},
		{ProductID: "stale", StoreID: "store-1", Reason: "old", CreatedAt: time.Now(), ExpiresAt: &expired},
	}, nil)

	cache := NewRedisQuarantineCache(client, store)
	ctx := context.Background()

	require.NoError(t, cache.LoadFromDatabase(ctx))

	quarantined, reason := cache.IsQuarantined(ctx, quarantineTestKey())
	assert.True(t, quarantined)
	assert.Equal(t, "repeated fit failures", reason)

	quarantined, _ = cache.IsQuarantined(ctx, models.SeriesKey{ProductID: "espresso-beans", StoreID: "store-9"})
	assert.True(t, quarantined)

	// The expired row is not loaded.
	quarantined, _ = cache.IsQuarantined(ctx, models.SeriesKey{ProductID: "stale", StoreID: "store-1"})
	assert.False(t, quarantined)

	store.AssertExpectations(t)
}

func TestRedisQuarantineCache_LoadFromDatabase_NoStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewRedisQuarantineCache(client, nil)
	err := cache.LoadFromDatabase(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "quarantine store not configured")
}

func TestRedisQuarantineCache_CleanupExpired(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewRedisQuarantineCache(client, nil)
	ctx := context.Background()

	// One entry already past its inner expiry, one still active.
	past := time.Now().Add(-time.Minute)
	cache.Add(ctx, quarantineTestKey(), "active", time.Hour)
	expiredEntry := QuarantineCacheEntry{
		Series:    "stale@store-1",
		Reason:    "old",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: &past,
	}
	data, err := json.Marshal(expiredEntry)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, "quarantine:stale@store-1", data, 0).Err())

	removed := cache.CleanupExpired(ctx)
	assert.Equal(t, 1, removed)

	quarantined, _ := cache.IsQuarantined(ctx, quarantineTestKey())
	assert.True(t, quarantined)

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.ExpiredEntries)
	assert.False(t, stats.LastCleanup.IsZero())
}

func TestRedisQuarantineCache_Clear(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewRedisQuarantineCache(client, nil)
	ctx := context.Background()

	cache.Add(ctx, quarantineTestKey(), "test1", time.Hour)
	cache.Add(ctx, models.SeriesKey{ProductID: "espresso-beans", StoreID: "store-9"}, "test2", time.Hour)

	cache.Clear(ctx)

	quarantined, _ := cache.IsQuarantined(ctx, quarantineTestKey())
	assert.False(t, quarantined)

	entries, err := cache.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisQuarantineCache_LogStats(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	cache := NewRedisQuarantineCache(client, nil)
	cache.LogStats()

	cache.Add(context.Background(), quarantineTestKey(), "test", time.Hour)
	cache.LogStats()
}

func TestQuarantineCacheInterface(t *testing.T) {
	// Both implementations satisfy QuarantineCache.
	var _ QuarantineCache = NewInMemoryQuarantineCache()
	var _ QuarantineCache = &RedisQuarantineCache{}

	assert.NoError(t, NewInMemoryQuarantineCache().Close())
	assert.NoError(t, (&RedisQuarantineCache{}).Close())
}

func TestSeriesQuarantineEntryFields(t *testing.T) {
	now := time.Now()
	entry := database.SeriesQuarantineEntry{
		ID:           1,
		ProductID:    "oat-milk",
		StoreID:      "store-7",
		Reason:       "repeated fit failures",
		FailureCount: 3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    nil,
		IsActive:     true,
	}

	assert.Equal(t, int64(1), entry.ID)
	assert.Equal(t, "oat-milk", entry.ProductID)
	assert.Equal(t, "store-7", entry.StoreID)
	assert.Equal(t, 3, entry.FailureCount)
	assert.True(t, entry.IsActive)
	assert.Nil(t, entry.ExpiresAt)
}
