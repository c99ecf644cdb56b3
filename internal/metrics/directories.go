package metrics

import (
	"sort"
	"sync"
	"time"
)

// DirectoryStats tracks directory cache lookups for one remote directory.
type DirectoryStats struct {
	Path       string    `json:"path"`
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	HitRate    float64   `json:"hit_rate"`
	LastAccess time.Time `json:"last_access"`
}

// DirectoryTracker keeps per-directory cache statistics for at most max
// directories. When full, the least recently used directory is dropped.
type DirectoryTracker struct {
	mu    sync.Mutex
	max   int
	stats map[string]*DirectoryStats
	now   func() time.Time
}

// NewDirectoryTracker creates a tracker. A non-positive max disables it.
func NewDirectoryTracker(max int) *DirectoryTracker {
	return &DirectoryTracker{
		max:   max,
		stats: make(map[string]*DirectoryStats),
		now:   time.Now,
	}
}

// Record counts one lookup of path.
func (t *DirectoryTracker) Record(path string, hit bool) {
	if t.max <= 0 || path == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[path]
	if !ok {
		if len(t.stats) >= t.max {
			t.evictLocked()
		}
		s = &DirectoryStats{Path: path}
		t.stats[path] = s
	}
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	s.LastAccess = t.now()
}

// Top returns up to n directories ordered by total lookups, busiest first.
func (t *DirectoryTracker) Top(n int) []DirectoryStats {
	t.mu.Lock()
	out := make([]DirectoryStats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Hits+out[i].Misses, out[j].Hits+out[j].Misses
		if ti != tj {
			return ti > tj
		}
		return out[i].Path < out[j].Path
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len returns the number of tracked directories.
func (t *DirectoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stats)
}

// Reset forgets every directory.
func (t *DirectoryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[string]*DirectoryStats)
}

func (t *DirectoryTracker) evictLocked() {
	var (
		oldest string
		at     time.Time
	)
	for p, s := range t.stats {
		if oldest == "" || s.LastAccess.Before(at) {
			oldest, at = p, s.LastAccess
		}
	}
	delete(t.stats, oldest)
}
