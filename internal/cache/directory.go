package cache

import (
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 500
)

// Listing is one cached directory listing.
type Listing struct {
	Entries    []types.RemoteEntry
	CapturedAt time.Time
}

// DirectoryConfig represents directory cache configuration
type DirectoryConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`

	// Now overrides the clock. Tests only.
	Now func() time.Time `yaml:"-"`
}

// DirectoryCache maps normalized remote directory paths to listings.
//
// Entries older than the TTL are never served. When the cache is full, Set
// drops the oldest quarter of the entries by capture time before inserting.
type DirectoryCache struct {
	mu       sync.RWMutex
	listings map[string]Listing

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	metrics    types.MetricsCollector

	stats types.CacheStats
}

// NewDirectoryCache creates a directory cache. A nil config or zero fields
// fall back to a 30s TTL and 500 entries.
func NewDirectoryCache(config *DirectoryConfig, metrics types.MetricsCollector) *DirectoryCache {
	cfg := DirectoryConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	return &DirectoryCache{
		listings:   make(map[string]Listing),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
		metrics:    metrics,
		stats: types.CacheStats{
			Capacity: cfg.MaxEntries,
		},
	}
}

// Get returns the cached entries for dir, or false if there is no entry or it
// has expired.
func (c *DirectoryCache) Get(dir string) ([]types.RemoteEntry, bool) {
	key := NormalizePath(dir)

	c.mu.Lock()
	defer c.mu.Unlock()

	listing, ok := c.listings[key]
	if ok && c.expired(listing) {
		delete(c.listings, key)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		c.updateHitRate()
		c.metrics.RecordCacheMiss(key)
		return nil, false
	}

	c.stats.Hits++
	c.updateHitRate()
	c.metrics.RecordCacheHit(key)
	return listing.Entries, true
}

// Set stores the listing for dir, replacing any previous one.
func (c *DirectoryCache) Set(dir string, entries []types.RemoteEntry) {
	key := NormalizePath(dir)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.listings[key]; !exists && len(c.listings) >= c.maxEntries {
		c.evictOldest()
	}
	c.listings[key] = Listing{Entries: entries, CapturedAt: c.now()}
}

// Invalidate removes the listing cached for p.
func (c *DirectoryCache) Invalidate(p string) {
	key := NormalizePath(p)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.listings[key]; ok {
		delete(c.listings, key)
		c.stats.Invalidations++
	}
}

// InvalidateParent removes the listing cached for the directory containing p.
func (c *DirectoryCache) InvalidateParent(p string) {
	c.Invalidate(ParentPath(p))
}

// InvalidateTree removes the listings cached for p and every directory below
// it.
func (c *DirectoryCache) InvalidateTree(p string) {
	key := NormalizePath(p)
	prefix := key + "/"
	if key == "/" {
		prefix = "/"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.listings {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(c.listings, k)
			c.stats.Invalidations++
		}
	}
}

// FindEntry looks p up in its parent's cached listing.
func (c *DirectoryCache) FindEntry(p string) (types.RemoteEntry, bool) {
	key := NormalizePath(p)
	if key == "/" {
		return types.RemoteEntry{}, false
	}

	entries, ok := c.Get(path.Dir(key))
	if !ok {
		return types.RemoteEntry{}, false
	}

	name := path.Base(key)
	for _, entry := range entries {
		if entry.Name == name {
			return entry, true
		}
	}
	return types.RemoteEntry{}, false
}

// Clear drops every listing.
func (c *DirectoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Invalidations += uint64(len(c.listings))
	c.listings = make(map[string]Listing)
}

// Len returns the number of cached listings, expired ones included.
func (c *DirectoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listings)
}

// Stats returns cache statistics
func (c *DirectoryCache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.Entries = len(c.listings)
	return stats
}

func (c *DirectoryCache) expired(l Listing) bool {
	return c.now().Sub(l.CapturedAt) > c.ttl
}

// evictOldest drops the oldest quarter of the listings, at least one.
func (c *DirectoryCache) evictOldest() {
	keys := make([]string, 0, len(c.listings))
	for key := range c.listings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.listings[keys[i]].CapturedAt, c.listings[keys[j]].CapturedAt
		if a.Equal(b) {
			return keys[i] < keys[j]
		}
		return a.Before(b)
	})

	n := len(keys) / 4
	if n < 1 {
		n = 1
	}
	for _, key := range keys[:n] {
		delete(c.listings, key)
	}
	c.stats.Evictions += uint64(n)
}

func (c *DirectoryCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// NormalizePath converts p into the cache key form: forward slashes, one
// leading slash and no trailing slash. The root is "/".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Clean("/" + p)
}

// ParentPath returns the normalized parent of p. The parent of "/" is "/".
func ParentPath(p string) string {
	return path.Dir(NormalizePath(p))
}
