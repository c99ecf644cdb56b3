package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func entry(parent, name string, typ types.EntryType) types.RemoteEntry {
	return types.RemoteEntry{Name: name, FullPath: types.JoinRemote(parent, name), Type: typ}
}

func TestDirectoryCache_TTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewDirectoryCache(&DirectoryConfig{TTL: 30 * time.Second, Now: clock.Now}, nil)
	entries := []types.RemoteEntry{entry("/a", "f", types.EntryFile)}
	c.Set("/a", entries)

	clock.Advance(29 * time.Second)
	got, ok := c.Get("/a")
	require.True(t, ok, "entry younger than the TTL is served")
	assert.Equal(t, entries, got)

	clock.Advance(time.Second)
	_, ok = c.Get("/a")
	assert.True(t, ok, "entry exactly at the TTL is served")

	clock.Advance(time.Millisecond)
	_, ok = c.Get("/a")
	assert.False(t, ok, "entry past the TTL is a miss")
	assert.Zero(t, c.Len(), "expired entry is dropped on lookup")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDirectoryCache_EvictsOldestQuartile(t *testing.T) {
	t.Parallel()

	const capacity = 8
	clock := newFakeClock()
	c := NewDirectoryCache(&DirectoryConfig{MaxEntries: capacity, TTL: time.Hour, Now: clock.Now}, nil)

	// Insert in shuffled capture order so eviction cannot rely on key order.
	order := []int{5, 2, 7, 0, 3, 6, 1, 4}
	for i := 0; i < capacity; i++ {
		clock.Advance(time.Second)
		c.Set(fmt.Sprintf("/dir%d", order[i]), nil)
	}
	require.Equal(t, capacity, c.Len())

	clock.Advance(time.Second)
	c.Set("/extra", nil)

	assert.LessOrEqual(t, c.Len(), capacity)
	assert.Equal(t, capacity-capacity/4+1, c.Len())

	// The two oldest captures were /dir5 and /dir2.
	for _, evicted := range []string{"/dir5", "/dir2"} {
		_, ok := c.Get(evicted)
		assert.False(t, ok, evicted)
	}
	for _, kept := range []string{"/dir7", "/dir0", "/dir3", "/dir6", "/dir1", "/dir4", "/extra"} {
		_, ok := c.Get(kept)
		assert.True(t, ok, kept)
	}
	assert.Equal(t, uint64(2), c.Stats().Evictions)
}

func TestDirectoryCache_ReplaceDoesNotEvict(t *testing.T) {
	t.Parallel()

	c := NewDirectoryCache(&DirectoryConfig{MaxEntries: 2}, nil)
	c.Set("/a", nil)
	c.Set("/b", nil)
	c.Set("/a", []types.RemoteEntry{entry("/a", "x", types.EntryFile)})

	assert.Equal(t, 2, c.Len())
	got, ok := c.Get("/a")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestDirectoryCache_SmallCapacityEvictsOne(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := NewDirectoryCache(&DirectoryConfig{MaxEntries: 2, Now: clock.Now}, nil)
	c.Set("/a", nil)
	clock.Advance(time.Second)
	c.Set("/b", nil)
	clock.Advance(time.Second)
	c.Set("/c", nil)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("/a")
	assert.False(t, ok)
}

func TestDirectoryCache_Invalidation(t *testing.T) {
	t.Parallel()

	c := NewDirectoryCache(nil, nil)
	c.Set("/", []types.RemoteEntry{entry("/", "a", types.EntryDirectory)})
	c.Set("/a", []types.RemoteEntry{entry("/a", "b", types.EntryDirectory)})
	c.Set("/a/b", nil)

	t.Run("parent", func(t *testing.T) {
		c.InvalidateParent(`\a\b\`)
		_, ok := c.Get("/a")
		assert.False(t, ok)
		_, ok = c.Get("/a/b")
		assert.True(t, ok)
	})

	t.Run("exact", func(t *testing.T) {
		c.Invalidate("a/b/")
		_, ok := c.Get("/a/b")
		assert.False(t, ok)
	})

	t.Run("parent of top level is root", func(t *testing.T) {
		c.InvalidateParent("/a")
		_, ok := c.Get("/")
		assert.False(t, ok)
	})

	t.Run("clear", func(t *testing.T) {
		c.Set("/x", nil)
		c.Set("/y", nil)
		c.Clear()
		assert.Zero(t, c.Len())
	})
}

func TestDirectoryCache_InvalidateTree(t *testing.T) {
	t.Parallel()

	c := NewDirectoryCache(nil, nil)
	for _, p := range []string{"/", "/a", "/a/b", "/a/b/c", "/ab", "/z"} {
		c.Set(p, nil)
	}

	c.InvalidateTree(``)
	for p, want := range map[string]bool{"/": true, "/a": true, "/a/b": false, "/a/b/c": false, "/ab": true, "/z": true} {
		_, ok := c.Get(p)
		assert.Equal(t, want, ok, p)
	}
	assert.Equal(t, uint64(2), c.Stats().Invalidations)

	c.InvalidateTree("/")
	assert.Zero(t, c.Len())
}

func TestDirectoryCache_FindEntry(t *testing.T) {
	t.Parallel()

	c := NewDirectoryCache(nil, nil)
	c.Set("/movies", []types.RemoteEntry{
		entry("/movies", "Some.Film-GRP", types.EntryDirectory),
		entry("/movies", "readme.nfo", types.EntryFile),
	})

	got, ok := c.FindEntry(`\movies\readme.nfo`)
	require.True(t, ok)
	assert.Equal(t, "/movies/readme.nfo", got.FullPath)
	assert.Equal(t, types.EntryFile, got.Type)

	_, ok = c.FindEntry("/movies/missing")
	assert.False(t, ok)

	_, ok = c.FindEntry("/tv/show")
	assert.False(t, ok, "uncached parent is a miss")

	_, ok = c.FindEntry("/")
	assert.False(t, ok, "root has no parent listing")
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           "/",
		"/":          "/",
		`\`:          "/",
		"a/b/":       "/a/b",
		"a/b":        "/a/b",
		"/a/b":       "/a/b",
		`\a\b\`:      "/a/b",
		"//a//b//":   "/a/b",
		"/a/./b":     "/a/b",
		"/x y/z.txt": "/x y/z.txt",
	}
	for in, want := range tests {
		got := NormalizePath(in)
		assert.Equal(t, want, got, "normalize(%q)", in)
		assert.Equal(t, got, NormalizePath(got), "normalize is idempotent for %q", in)
	}
}

func TestParentPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/", ParentPath("/"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "/a", ParentPath(`a\b`))
	assert.Equal(t, "/a/b", ParentPath("/a/b/c/"))
}

func TestDirectoryCache_Concurrent(t *testing.T) {
	t.Parallel()

	c := NewDirectoryCache(&DirectoryConfig{MaxEntries: 16}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := fmt.Sprintf("/d%d/%d", i, j%20)
				c.Set(p, nil)
				c.Get(p)
				c.FindEntry(p + "/x")
				if j%7 == 0 {
					c.InvalidateParent(p)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
