package releases

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

func searchTree() *fakeLister {
	l := newFakeLister()
	for _, d := range []string{
		"/recent/TV",
		"/recent/MOVIES",
		"/recent/BROKEN",
		"/recent/TV/Some.Show.S01E01-GRP",
		"/recent/TV/Other.Show.S02E03-GRP",
		"/recent/MOVIES/Some.Film.2024-GRP",
	} {
		l.addDir(d)
	}
	l.addFile("/recent/TV/some.show.sfv", 1)
	l.setFail("/recent/BROKEN", fmt.Errorf("550 permission denied"))
	return l
}

func TestSearch(t *testing.T) {
	t.Parallel()

	s := NewSearcher(searchTree(), "/recent/", 2, nil)
	results, err := s.Search(context.Background(), "SOME")
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "MOVIES", results[0].Category)
	assert.Equal(t, "Some.Film.2024-GRP", results[0].ReleaseName)
	assert.Equal(t, "/recent/MOVIES/Some.Film.2024-GRP", results[0].RemotePath)
	assert.Equal(t, "TV", results[1].Category)
	assert.Equal(t, "Some.Show.S01E01-GRP", results[1].ReleaseName)
}

func TestSearch_NoMatch(t *testing.T) {
	t.Parallel()

	results, err := NewSearcher(searchTree(), "/recent", 3, nil).Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_WatchPathFailure(t *testing.T) {
	t.Parallel()

	results, err := NewSearcher(newFakeLister(), "/recent", 3, nil).Search(context.Background(), "x")
	assert.Error(t, err)
	assert.Empty(t, results)
}

func TestSearch_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSearcher(searchTree(), "/recent", 3, nil).Search(ctx, "some")
	assert.ErrorIs(t, err, context.Canceled)
}

// slowLister counts how many listings run at once.
type slowLister struct {
	*fakeLister
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (l *slowLister) ListDirectory(ctx context.Context, dir string) ([]types.RemoteEntry, error) {
	n := l.inFlight.Add(1)
	defer l.inFlight.Add(-1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return l.fakeLister.ListDirectory(ctx, dir)
}

func TestSearch_ConcurrencyBound(t *testing.T) {
	t.Parallel()

	base := newFakeLister()
	base.addDir("/recent")
	for i := 0; i < 8; i++ {
		base.addDir(fmt.Sprintf("/recent/C%d", i))
		base.addDir(fmt.Sprintf("/recent/C%d/Match-%d", i, i))
	}
	l := &slowLister{fakeLister: base}

	results, err := NewSearcher(l, "/recent", 2, nil).Search(context.Background(), "match")
	require.NoError(t, err)
	assert.Len(t, results, 8)
	assert.LessOrEqual(t, l.peak.Load(), int32(2))
}

func TestReleaseFiles(t *testing.T) {
	t.Parallel()

	l := searchTree()
	l.addFile("/recent/TV/Some.Show.S01E01-GRP/a.mkv", 100)
	l.addDir("/recent/TV/Some.Show.S01E01-GRP/Sample")

	files, err := NewSearcher(l, "/recent", 1, nil).ReleaseFiles(context.Background(), "/recent/TV/Some.Show.S01E01-GRP")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.mkv", files[0].Name)
	assert.Equal(t, int64(100), files[0].Size)
}
