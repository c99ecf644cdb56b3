package buffer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

func TestFile_ReadAt(t *testing.T) {
	t.Parallel()

	f, err := NewManager(nil).Wrap([]byte("hello"))
	require.NoError(t, err)

	tests := []struct {
		name string
		off  int64
		size int
		want string
		err  error
	}{
		{"whole", 0, 5, "hello", nil},
		{"middle", 1, 3, "ell", nil},
		{"tail is short", 3, 10, "lo", nil},
		{"at end", 5, 1, "", io.EOF},
		{"past end", 9, 1, "", io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := make([]byte, tt.size)
			n, err := f.ReadAt(p, tt.off)
			assert.Equal(t, tt.err, err)
			assert.Equal(t, tt.want, string(p[:n]))
		})
	}

	_, err = f.ReadAt(make([]byte, 1), -1)
	assert.Error(t, err)
}

func TestFile_WriteAt(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	f := m.Empty()

	n, err := f.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("overwrite in place", func(t *testing.T) {
		_, err := f.WriteAt([]byte("X"), 1)
		require.NoError(t, err)
		assert.Equal(t, "aXc", string(f.Bytes()))
	})

	t.Run("gap is zero filled", func(t *testing.T) {
		_, err := f.WriteAt([]byte("z"), 5)
		require.NoError(t, err)
		assert.Equal(t, []byte{'a', 'X', 'c', 0, 0, 'z'}, f.Bytes())
	})

	t.Run("append", func(t *testing.T) {
		off, n, err := f.Append([]byte("!!"))
		require.NoError(t, err)
		assert.Equal(t, int64(6), off)
		assert.Equal(t, 2, n)
		assert.Equal(t, int64(8), f.Len())
	})

	t.Run("constrained write does not grow", func(t *testing.T) {
		n := f.WriteAtConstrained([]byte("1234"), 6)
		assert.Equal(t, 2, n)
		assert.Equal(t, int64(8), f.Len())
		assert.Equal(t, "12", string(f.Bytes()[6:]))

		assert.Zero(t, f.WriteAtConstrained([]byte("x"), 8))
	})
}

func TestFile_Truncate(t *testing.T) {
	t.Parallel()

	f, err := NewManager(nil).Wrap([]byte("abcdef"))
	require.NoError(t, err)

	require.NoError(t, f.Truncate(2))
	assert.Equal(t, "ab", string(f.Bytes()))

	// Regrowing within capacity must not resurrect the old bytes.
	require.NoError(t, f.Truncate(4))
	assert.Equal(t, []byte{'a', 'b', 0, 0}, f.Bytes())

	require.NoError(t, f.Truncate(0))
	assert.Zero(t, f.Len())

	assert.Error(t, f.Truncate(-1))
}

func TestFile_GrowsAcrossBuckets(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	f := m.Empty()
	chunk := make([]byte, 3000)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	for i := 0; i < 10; i++ {
		_, _, err := f.Append(chunk)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(30000), f.Len())
	assert.Equal(t, chunk, f.Bytes()[27000:])
	assert.Equal(t, 1, m.Stats().ActiveBuffers)

	f.Release()
	assert.Zero(t, f.Len())
	stats := m.Stats()
	assert.Zero(t, stats.ActiveBuffers)
	assert.Zero(t, stats.MemoryUsage)
	assert.Positive(t, stats.PeakMemory)
}

func TestManager_MemoryLimit(t *testing.T) {
	t.Parallel()

	m := NewManager(&ManagerConfig{MaxMemory: 8192})
	f, err := m.Wrap(make([]byte, 4096))
	require.NoError(t, err)

	g := m.Empty()
	_, err = g.WriteAt(make([]byte, 8192), 0)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDiskFull))
	assert.Equal(t, uint64(1), m.Stats().Rejected)

	f.Release()
	_, err = g.WriteAt(make([]byte, 8192), 0)
	assert.NoError(t, err)
}

func TestManager_Wrap(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	data := []byte("downloaded")
	f, err := m.Wrap(data)
	require.NoError(t, err)
	assert.Equal(t, "downloaded", string(f.Bytes()))
	assert.Equal(t, int64(cap(data)), m.Stats().MemoryUsage)

	f.Release()
	assert.Zero(t, m.Stats().MemoryUsage)

	t.Run("nil data", func(t *testing.T) {
		f, err := m.Wrap(nil)
		require.NoError(t, err)
		assert.Zero(t, f.Len())
	})
}

func TestManager_WrapOverLimit(t *testing.T) {
	t.Parallel()

	m := NewManager(&ManagerConfig{MaxMemory: 4096})
	require.NoError(t, m.Check(4096))

	_, err := m.Wrap(make([]byte, 64*1024))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDiskFull))

	stats := m.Stats()
	assert.Zero(t, stats.MemoryUsage, "refused data is not accounted")
	assert.Equal(t, uint64(1), stats.Rejected)

	f, err := m.Wrap(make([]byte, 1024))
	require.NoError(t, err)
	err = m.Check(4096)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDiskFull))
	f.Release()
	assert.NoError(t, m.Check(4096))
}

func TestBytePool(t *testing.T) {
	t.Parallel()

	p := NewBytePool()
	buf := p.Get(100)
	assert.Len(t, buf, 100)
	assert.Equal(t, 4096, cap(buf))

	buf[0] = 0xFF
	p.Put(buf)
	again := p.Get(4096)
	assert.Zero(t, again[0], "pooled buffers come back zeroed")

	assert.Equal(t, 4096, p.Buckets()[0])
}
