package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryTracker(t *testing.T) {
	t.Parallel()

	tr := NewDirectoryTracker(2)
	clock := time.Unix(0, 0)
	tr.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	tr.Record("/a", true)
	tr.Record("/b", false)
	tr.Record("/a", true)
	tr.Record("/c", false) // evicts /b, the least recently used

	assert.Equal(t, 2, tr.Len())
	top := tr.Top(-1)
	assert.Equal(t, "/a", top[0].Path)
	assert.Equal(t, int64(2), top[0].Hits)
	assert.Equal(t, 1.0, top[0].HitRate)
	assert.Equal(t, "/c", top[1].Path)

	assert.Len(t, tr.Top(1), 1)

	tr.Reset()
	assert.Zero(t, tr.Len())
}

func TestDirectoryTracker_Disabled(t *testing.T) {
	t.Parallel()

	tr := NewDirectoryTracker(0)
	tr.Record("/a", true)
	assert.Zero(t, tr.Len())
	assert.Empty(t, tr.Top(10))
}
