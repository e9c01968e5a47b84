package swrcache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FeedForge/reelcore/internal/metrics"
)

// evictFraction is the share of the coldest entries removed when a
// category exceeds its capacity. The source policy varied between 20%
// and 30% depending on call site; one value is used everywhere here.
const evictFraction = 0.25

// Cache is a stale-while-revalidate cache for fetched documents.
// Entries are keyed by category plus identifier, freshness policy is
// per category, and expired entries can be served immediately while a
// background refresh replaces them.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	configs map[Category]CategoryConfig

	refresh *refreshQueue
	disk    *diskStore
	logger  *zap.Logger

	hits        int64
	misses      int64
	staleServes int64
	evictions   int64
}

// CacheOption configures a Cache at construction.
type CacheOption func(*Cache)

// WithDiskStore enables the durable tier rooted at dir.
func WithDiskStore(dir string) CacheOption {
	return func(c *Cache) {
		c.disk = newDiskStore(dir, c.logger)
	}
}

// WithCategoryConfig overrides the policy for one category.
func WithCategoryConfig(cat Category, cfg CategoryConfig) CacheOption {
	return func(c *Cache) {
		c.configs[cat] = cfg
	}
}

// New creates a cache and starts its background refresh worker.
func New(logger *zap.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		entries: make(map[Key]*Entry),
		configs: make(map[Category]CategoryConfig),
		logger:  logger,
	}
	for cat, cfg := range defaultConfigs {
		c.configs[cat] = cfg
	}
	for _, opt := range opts {
		opt(c)
	}
	c.refresh = newRefreshQueue(logger)
	return c
}

// Close stops the background refresh worker.
func (c *Cache) Close() {
	c.refresh.close()
}

// Options tune a single Get call.
type Options struct {
	MaxAge       time.Duration
	ForceRefresh bool
}

// Option mutates per-call options.
type Option func(*Options)

// WithMaxAge overrides the category max-age for this entry.
func WithMaxAge(d time.Duration) Option {
	return func(o *Options) { o.MaxAge = d }
}

// WithForceRefresh bypasses any cached entry and fetches.
func WithForceRefresh() Option {
	return func(o *Options) { o.ForceRefresh = true }
}

// Get returns the cached value for key, fetching it when absent.
//
// A fresh entry is returned directly; past 80% of its max-age a
// background refresh is also enqueued. An expired entry is returned
// immediately when the category allows stale serving, again with a
// background refresh. Otherwise fetch runs synchronously; on fetch
// failure any stale entry is preferred over the error. An empty
// paginated payload is returned but never cached, so a transient empty
// page cannot lock itself in.
func Get[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	cfg := c.configFor(key.Category)

	o := Options{MaxAge: cfg.MaxAge}
	for _, opt := range opts {
		opt(&o)
	}

	e := c.lookup(key)

	if e != nil && !o.ForceRefresh {
		c.mu.Lock()
		e.touch()
		c.mu.Unlock()
		if !e.IsExpired() {
			c.recordHit(key, "fresh")
			if e.ShouldRefresh() {
				enqueueRefresh(c, key, cfg, o.MaxAge, fetch)
			}
			return materialize[T](c, key, e)
		}
		if cfg.ServeStale {
			c.recordHit(key, "stale")
			enqueueRefresh(c, key, cfg, o.MaxAge, fetch)
			return materialize[T](c, key, e)
		}
	}

	c.recordMiss(key)

	val, err := fetch(ctx)
	if err != nil {
		if e != nil {
			c.logger.Warn("fetch failed, serving stale entry",
				zap.String("key", key.String()),
				zap.Error(err))
			return materialize[T](c, key, e)
		}
		return zero, fmt.Errorf("cache fetch %s: %w", key, err)
	}

	if cfg.Paginated && isEmptyCollection(val) {
		c.logger.Debug("not caching empty paginated payload",
			zap.String("key", key.String()))
		return val, nil
	}

	c.store(key, cfg, val, o.MaxAge)
	return val, nil
}

// Invalidate removes one entry from memory and the durable tier.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.remove(key)
	}
}

// InvalidateCategory removes every entry of one category.
func (c *Cache) InvalidateCategory(cat Category) {
	c.mu.Lock()
	for k := range c.entries {
		if k.Category == cat {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	if c.disk != nil {
		c.disk.removeCategory(cat)
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServes int64 `json:"stale_serves"`
	Evictions   int64 `json:"evictions"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:     len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		StaleServes: c.staleServes,
		Evictions:   c.evictions,
	}
}

func (c *Cache) configFor(cat Category) CategoryConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.configs[cat]; ok {
		return cfg
	}
	return ConfigFor(cat)
}

// lookup returns the entry for key, rehydrating from the durable tier
// on a memory miss.
func (c *Cache) lookup(key Key) *Entry {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return e
	}

	if c.disk == nil {
		return nil
	}
	cfg := c.configFor(key.Category)
	if !cfg.Durable {
		return nil
	}
	rec, ok := c.disk.load(key)
	if !ok {
		return nil
	}
	e = &Entry{
		Payload:      rec.Payload,
		CreatedAt:    rec.CreatedAt,
		MaxAge:       rec.MaxAge,
		AccessCount:  rec.AccessCount,
		LastAccessed: rec.LastAccessed,
	}
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok {
		e = cur
	} else {
		c.entries[key] = e
	}
	c.mu.Unlock()
	return e
}

func (c *Cache) recordHit(key Key, freshness string) {
	c.mu.Lock()
	c.hits++
	if freshness == "stale" {
		c.staleServes++
	}
	c.mu.Unlock()
	metrics.CacheHits.WithLabelValues(key.Category.String(), freshness).Inc()
}

func (c *Cache) recordMiss(key Key) {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CacheMisses.WithLabelValues(key.Category.String()).Inc()
}

// store inserts a fresh entry and runs the capacity sweep for its
// category.
func (c *Cache) store(key Key, cfg CategoryConfig, val any, maxAge time.Duration) {
	now := time.Now()
	e := &Entry{
		Payload:      val,
		CreatedAt:    now,
		MaxAge:       maxAge,
		AccessCount:  1,
		LastAccessed: now,
	}

	c.mu.Lock()
	c.entries[key] = e
	evicted := c.sweepLocked(key.Category, cfg)
	c.mu.Unlock()

	for _, k := range evicted {
		metrics.CacheEvictions.WithLabelValues(k.Category.String()).Inc()
		if c.disk != nil {
			c.disk.remove(k)
		}
	}

	if c.disk != nil && cfg.Durable {
		c.disk.save(key, e)
	}
}

// sweepLocked removes the coldest entries of cat when over capacity.
// Victims are ranked by (access count, last accessed) ascending.
// Caller holds c.mu.
func (c *Cache) sweepLocked(cat Category, cfg CategoryConfig) []Key {
	if cfg.Capacity <= 0 {
		return nil
	}
	var keys []Key
	for k := range c.entries {
		if k.Category == cat {
			keys = append(keys, k)
		}
	}
	if len(keys) <= cfg.Capacity {
		return nil
	}

	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.LastAccessed.Before(b.LastAccessed)
	})

	n := int(float64(len(keys)) * evictFraction)
	if n < 1 {
		n = 1
	}
	victims := keys[:n]
	for _, k := range victims {
		delete(c.entries, k)
		c.evictions++
	}
	return victims
}

// enqueueRefresh schedules a background re-fetch for key. Duplicate
// requests while one is pending are coalesced.
func enqueueRefresh[T any](c *Cache, key Key, cfg CategoryConfig, maxAge time.Duration, fetch func(context.Context) (T, error)) {
	queued := c.refresh.enqueue(key, func(ctx context.Context) {
		val, err := fetch(ctx)
		if err != nil {
			// Keep the last good value.
			c.logger.Warn("background refresh failed",
				zap.String("key", key.String()),
				zap.Error(err))
			return
		}
		if cfg.Paginated && isEmptyCollection(val) {
			return
		}
		c.store(key, cfg, val, maxAge)
	})
	if queued {
		metrics.RefreshesEnqueued.Inc()
	}
}

// materialize converts a stored payload back to T, decoding durable
// records that were rehydrated as raw JSON.
func materialize[T any](c *Cache, key Key, e *Entry) (T, error) {
	var zero T
	c.mu.Lock()
	payload := e.Payload
	c.mu.Unlock()

	if v, ok := payload.(T); ok {
		return v, nil
	}
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return zero, fmt.Errorf("cache %s: payload is %T", key, payload)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("cache %s: decode durable record: %w", key, err)
	}
	c.mu.Lock()
	e.Payload = v
	c.mu.Unlock()
	return v, nil
}

// Placeholder lets payload types flag transient empty results that
// must never be cached.
type Placeholder interface {
	IsPlaceholder() bool
}

// isEmptyCollection reports whether val is a zero-length slice, map or
// array, a nil pointer to one, or a payload that declares itself a
// placeholder.
func isEmptyCollection(val any) bool {
	if p, ok := val.(Placeholder); ok {
		return p.IsPlaceholder()
	}
	rv := reflect.ValueOf(val)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return true
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	default:
		return false
	}
}
