// Package registry keeps fitted forecast combiners resident in memory so
// prediction requests can be served without refitting. Entries are evicted
// least-recently-used under capacity pressure and expire after a configurable
// TTL so a stale model forces a refit instead of being served indefinitely.
package registry

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/demandcast/demandcast-go/internal/forecast"
	"github.com/demandcast/demandcast-go/internal/models"
)

// DefaultSize is the entry capacity used when New is given a non-positive size.
const DefaultSize = 1024

// RegistryStats is a point-in-time snapshot of registry counters.
type RegistryStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// registryEntry pairs a fitted combiner with the time it was stored.
type registryEntry struct {
	combiner *forecast.Combiner
	fittedAt time.Time
}

// ModelRegistry is an in-memory LRU of fitted combiners keyed by series.
// Several keys may share one combiner when their series were fitted as a
// cohort; the combiner is safe for concurrent prediction, so handing the same
// pointer to multiple callers is fine.
type ModelRegistry struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, *registryEntry]
	ttl     time.Duration

	hits    uint64
	misses  uint64
	evicted uint64
}

// New creates a registry holding at most size entries. A non-positive size
// falls back to DefaultSize. A ttl of zero disables expiry; entries then live
// until displaced by capacity or invalidated explicitly.
func New(size int, ttl time.Duration) (*ModelRegistry, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, *registryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create model registry: %w", err)
	}
	return &ModelRegistry{entries: entries, ttl: ttl}, nil
}

// Store records combiner as the model that most recently fitted key,
// replacing any previous entry. A nil combiner is ignored.
func (r *ModelRegistry) Store(key models.SeriesKey, combiner *forecast.Combiner) {
	if combiner == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Add(key.String(), &registryEntry{combiner: combiner, fittedAt: time.Now()})
}

// StoreBatch records one combiner under every key it fitted. All keys share
// the combiner pointer and a single fit timestamp.
func (r *ModelRegistry) StoreBatch(keys []models.SeriesKey, combiner *forecast.Combiner) {
	if combiner == nil || len(keys) == 0 {
		return
	}
	entry := &registryEntry{combiner: combiner, fittedAt: time.Now()}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		r.entries.Add(key.String(), entry)
	}
}

// Lookup returns the resident combiner for key. An entry past its TTL is
// removed and reported as a miss so the caller refits rather than predicting
// from a stale model.
func (r *ModelRegistry) Lookup(key models.SeriesKey) (*forecast.Combiner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries.Get(key.String())
	if !ok {
		r.misses++
		return nil, false
	}
	if r.expired(entry) {
		r.entries.Remove(key.String())
		r.evicted++
		r.misses++
		return nil, false
	}
	r.hits++
	return entry.combiner, true
}

// Age reports how long ago the combiner for key was fitted. The peek does not
// refresh LRU recency and does not count toward hit or miss totals.
func (r *ModelRegistry) Age(key models.SeriesKey) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries.Peek(key.String())
	if !ok || r.expired(entry) {
		return 0, false
	}
	return time.Since(entry.fittedAt), true
}

// Invalidate drops the entry for key, forcing the next lookup to miss. It
// reports whether an entry was present.
func (r *ModelRegistry) Invalidate(key models.SeriesKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Remove(key.String())
}

// Clear drops every entry. Counters are retained.
func (r *ModelRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Purge()
}

// Len returns the number of resident entries. Entries past their TTL count
// until a lookup or cleanup removes them.
func (r *ModelRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// Stats returns a snapshot of the registry counters.
func (r *ModelRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Hits:    r.hits,
		Misses:  r.misses,
		Evicted: r.evicted,
		Size:    r.entries.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// CleanupExpired removes every entry past its TTL and returns how many were
// dropped. With a zero TTL there is nothing to do.
func (r *ModelRegistry) CleanupExpired() int {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for _, key := range r.entries.Keys() {
		if entry, ok := r.entries.Peek(key); ok && r.expired(entry) {
			r.entries.Remove(key)
			removed++
		}
	}
	r.evicted += uint64(removed)
	return removed
}

// Close releases all resident combiners.
func (r *ModelRegistry) Close() {
	r.Clear()
}

// expired reports whether entry is past the registry TTL. Callers hold r.mu.
func (r *ModelRegistry) expired(entry *registryEntry) bool {
	return r.ttl > 0 && time.Since(entry.fittedAt) > r.ttl
}
