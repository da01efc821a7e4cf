package kiro

import (
	"sort"
	"sync"
	"time"
)

// ModelInfo is the cached metadata for one Kiro model.
type ModelInfo struct {
	ID                 string
	MaxInputTokens     int
	DefaultCreditsUsed float64
}

// FallbackModels is served when the upstream listing has never succeeded.
func FallbackModels(defaultMaxInput int) []ModelInfo {
	ids := ExternalModelIDs()
	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelInfo{
			ID:                 id,
			MaxInputTokens:     defaultMaxInput,
			DefaultCreditsUsed: 1.0,
		})
	}
	return models
}

// ModelCache is a TTL-gated cache of model metadata. Update replaces the
// whole map atomically; readers never observe a half-populated state.
type ModelCache struct {
	mu              sync.RWMutex
	records         map[string]ModelInfo
	updatedAt       time.Time
	ttl             time.Duration
	defaultMaxInput int
}

// NewModelCache creates an empty cache with the given TTL. defaultMaxInput
// is returned by MaxInputTokens for unknown models.
func NewModelCache(ttl time.Duration, defaultMaxInput int) *ModelCache {
	return &ModelCache{
		records:         make(map[string]ModelInfo),
		ttl:             ttl,
		defaultMaxInput: defaultMaxInput,
	}
}

// Get returns the record for a model ID, if present. Both the external and
// internal spelling of the ID are tried.
func (mc *ModelCache) Get(modelID string) (ModelInfo, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if info, ok := mc.records[modelID]; ok {
		return info, true
	}
	info, ok := mc.records[InternalModelID(modelID)]
	return info, ok
}

// MaxInputTokens returns the context window for a model, or the configured
// default when the model is unknown.
func (mc *ModelCache) MaxInputTokens(modelID string) int {
	if info, ok := mc.Get(modelID); ok && info.MaxInputTokens > 0 {
		return info.MaxInputTokens
	}
	return mc.defaultMaxInput
}

// Update atomically replaces the cached records and resets the TTL clock.
func (mc *ModelCache) Update(records []ModelInfo) {
	fresh := make(map[string]ModelInfo, len(records))
	for _, r := range records {
		fresh[r.ID] = r
	}
	mc.mu.Lock()
	mc.records = fresh
	mc.updatedAt = time.Now()
	mc.mu.Unlock()
}

// IsEmpty reports whether the cache has never been filled.
func (mc *ModelCache) IsEmpty() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.records) == 0
}

// IsStale reports whether the TTL has elapsed since the last Update. Stale
// records remain usable; staleness only gates the next refill attempt.
func (mc *ModelCache) IsStale() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return time.Since(mc.updatedAt) > mc.ttl
}

// IDs returns the cached model IDs in sorted order.
func (mc *ModelCache) IDs() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	ids := make([]string, 0, len(mc.records))
	for id := range mc.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
