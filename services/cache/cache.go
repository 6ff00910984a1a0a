// Package cache holds completed generation responses keyed by a
// fingerprint of the request. Entries expire after a TTL and the least
// recently used entry is evicted on overflow. Concurrent misses for
// the same fingerprint are collapsed so the backend sees one request.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/NickPittas/NukeAiPanel/services/providers"
)

// Fingerprint derives the cache key for a generation request. Two
// requests with the same messages, resolved model, and sampling
// parameters always produce the same key.
func Fingerprint(messages []providers.Message, model string, cfg *providers.GenerationConfig) string {
	type msg struct {
		Role    providers.MessageRole `json:"role"`
		Content string                `json:"content"`
	}
	payload := struct {
		Messages []msg                       `json:"messages"`
		Model    string                      `json:"model"`
		Config   *providers.GenerationConfig `json:"config"`
	}{
		Messages: make([]msg, len(messages)),
		Model:    model,
		Config:   cfg,
	}
	for i, m := range messages {
		payload.Messages[i] = msg{Role: m.Role, Content: m.Content}
	}

	// struct field order makes the encoding canonical
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// cacheEntry is a stored response with TTL bookkeeping
type cacheEntry struct {
	response   *providers.GenerationResponse
	insertedAt time.Time
	element    *list.Element
}

func (e *cacheEntry) isExpired(ttl time.Duration) bool {
	return time.Since(e.insertedAt) > ttl
}

// ResponseCache is an in-memory LRU cache with TTL for generation
// responses. Thread-safe.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64

	group singleflight.Group
}

// NewResponseCache creates a cache with the given capacity and TTL.
func NewResponseCache(maxSize int, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the cached response for key, or nil when absent or
// expired. A hit refreshes the entry's LRU position.
func (c *ResponseCache) Get(key string) *providers.GenerationResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || entry.isExpired(c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.response
}

// Set stores a response, evicting the least recently used entry when
// the cache is full.
func (c *ResponseCache) Set(key string, resp *providers.GenerationResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.response = resp
		entry.insertedAt = time.Now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		response:   resp,
		insertedAt: time.Now(),
	}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// GetOrCompute returns the cached response for key, or runs compute
// exactly once across concurrent callers and stores its result.
// Compute errors are not cached.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (*providers.GenerationResponse, error)) (*providers.GenerationResponse, error) {
	if resp := c.Get(key); resp != nil {
		return resp, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// another flight may have filled the cache while we queued
		if resp := c.Get(key); resp != nil {
			return resp, nil
		}
		resp, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*providers.GenerationResponse), nil
}

// Invalidate removes a specific entry.
func (c *ResponseCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeEntry(key)
}

// Clear removes all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// Stats returns cache statistics.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *ResponseCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// removeEntry removes an entry (must be called with lock held)
func (c *ResponseCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *ResponseCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
}

// CleanupExpired removes all expired entries and reports how many.
func (c *ResponseCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := make([]string, 0)
	for key, entry := range c.entries {
		if entry.isExpired(c.ttl) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeEntry(key)
	}
	return len(expired)
}

// StartCleanupWorker sweeps expired entries every interval until
// stopCh closes. Run it in a background goroutine.
func (c *ResponseCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
