//go:build !cgofuse

package fuse

import (
	"context"
	"path"
	"sort"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/status"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// treeRemote is a flat in-memory remote: files and directories keyed by
// absolute path.
type treeRemote struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func newTreeRemote() *treeRemote {
	return &treeRemote{files: map[string][]byte{}, dirs: map[string]bool{"/": true}}
}

func (r *treeRemote) ListDirectory(_ context.Context, dir string) ([]types.RemoteEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirs[dir] {
		return nil, errors.NewError(errors.ErrCodeNotFound, dir).WithReplyCode(550)
	}
	var out []types.RemoteEntry
	for d := range r.dirs {
		if d != "/" && path.Dir(d) == dir {
			out = append(out, types.RemoteEntry{Name: path.Base(d), FullPath: d, Type: types.EntryDirectory})
		}
	}
	for f, data := range r.files {
		if path.Dir(f) == dir {
			out = append(out, types.RemoteEntry{Name: path.Base(f), FullPath: f, Type: types.EntryFile, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *treeRemote) Download(_ context.Context, file string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[file]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, file).WithReplyCode(550)
	}
	return append([]byte(nil), data...), nil
}

func (r *treeRemote) Upload(_ context.Context, file string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[file] = append([]byte(nil), data...)
	return nil
}

func (r *treeRemote) Rename(_ context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[from]
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound, from).WithReplyCode(550)
	}
	delete(r.files, from)
	r.files[to] = data
	return nil
}

func (r *treeRemote) Delete(_ context.Context, file string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, file)
	return nil
}

func (r *treeRemote) DeleteDirectory(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dirs, dir)
	return nil
}

func (r *treeRemote) MakeDirectory(_ context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[dir] = true
	return nil
}

func (r *treeRemote) Exists(_ context.Context, p string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.files[p]
	return ok || r.dirs[p], nil
}

func (r *treeRemote) NoOp(context.Context) error { return nil }

func (r *treeRemote) file(p string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[p]
	return data, ok
}

func newTestFileSystem(t *testing.T, remote *treeRemote) *FileSystem {
	t.Helper()
	engine, err := filesystem.New(filesystem.Config{Remote: remote, VolumeLabel: "test"})
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	return NewFileSystem(engine, Permissions{UID: 1000, GID: 1000, FileMode: 0644, DirMode: 0755}, nil, nil)
}

func openHandle(t *testing.T, f *FileSystem, name string, flags uint32) *Handle {
	t.Helper()
	node, _, st := f.engine.Open(name)
	require.Equal(t, status.Success, st)
	return f.newHandle(node, flags)
}

func TestHandle_ReadWriteFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := newTreeRemote()
	remote.files["/a.txt"] = []byte("Hello")
	f := newTestFileSystem(t, remote)

	h := openHandle(t, f, "/a.txt", syscall.O_RDWR)

	buf := make([]byte, 16)
	res, errno := h.Read(ctx, buf, 0)
	require.Zero(t, errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "Hello", string(data))

	res, errno = h.Read(ctx, buf, 5)
	require.Zero(t, errno, "end of file is not an error")
	data, _ = res.Bytes(nil)
	assert.Empty(t, data)

	n, errno := h.Write(ctx, []byte("J"), 0)
	require.Zero(t, errno)
	assert.Equal(t, uint32(1), n)

	var attr fuse.AttrOut
	require.Zero(t, h.Getattr(ctx, &attr))
	assert.Equal(t, uint64(5), attr.Size)
	assert.Equal(t, uint32(fuse.S_IFREG|0644), attr.Mode)
	assert.Equal(t, uint32(1000), attr.Owner.Uid)

	require.Zero(t, h.Flush(ctx))
	got, _ := remote.file("/a.txt")
	assert.Equal(t, "Jello", string(got))

	require.Zero(t, h.Flush(ctx), "clean flush uploads nothing")
	require.Zero(t, h.Release(ctx))
}

func TestHandle_Append(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := newTreeRemote()
	remote.files["/log"] = []byte("one\n")
	f := newTestFileSystem(t, remote)

	h := openHandle(t, f, "/log", syscall.O_WRONLY|syscall.O_APPEND)
	_, errno := h.Write(ctx, []byte("two\n"), 0)
	require.Zero(t, errno)
	require.Zero(t, h.Fsync(ctx, 0))
	require.Zero(t, h.Release(ctx))

	got, _ := remote.file("/log")
	assert.Equal(t, "one\ntwo\n", string(got))
}

func TestHandle_Truncate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := newTreeRemote()
	remote.files["/t"] = []byte("abcdef")
	f := newTestFileSystem(t, remote)

	h := openHandle(t, f, "/t", syscall.O_RDWR)
	in := &fuse.SetAttrIn{}
	in.Valid = fuse.FATTR_SIZE
	in.Size = 3
	var out fuse.AttrOut
	require.Zero(t, h.Setattr(ctx, in, &out))
	assert.Equal(t, uint64(3), out.Size)

	require.Zero(t, h.Flush(ctx))
	got, _ := remote.file("/t")
	assert.Equal(t, "abc", string(got))
}

func TestNode_Root(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	remote := newTreeRemote()
	remote.files["/b.bin"] = []byte{1, 2, 3}
	remote.dirs["/sub"] = true
	f := newTestFileSystem(t, remote)
	root := f.Root().(*Node)

	t.Run("Getattr", func(t *testing.T) {
		var out fuse.AttrOut
		require.Zero(t, root.Getattr(ctx, nil, &out))
		assert.Equal(t, uint32(fuse.S_IFDIR|0755), out.Mode)
	})

	t.Run("Readdir skips dot entries", func(t *testing.T) {
		stream, errno := root.Readdir(ctx)
		require.Zero(t, errno)
		var names []string
		for stream.HasNext() {
			e, errno := stream.Next()
			require.Zero(t, errno)
			names = append(names, e.Name)
		}
		assert.Equal(t, []string{"b.bin", "sub"}, names)
	})

	t.Run("Statfs", func(t *testing.T) {
		var out fuse.StatfsOut
		require.Zero(t, root.Statfs(ctx, &out))
		assert.Equal(t, uint32(blockSize), out.Bsize)
		assert.Equal(t, uint64(1<<40)/blockSize, out.Blocks)
		assert.Equal(t, out.Bfree, out.Bavail)
	})
}

func TestFileSystem_Remove(t *testing.T) {
	t.Parallel()

	remote := newTreeRemote()
	remote.files["/f"] = []byte("x")
	remote.dirs["/d"] = true
	f := newTestFileSystem(t, remote)

	assert.Equal(t, syscall.EISDIR, f.remove("unlink", "/d", false))
	assert.Equal(t, syscall.ENOTDIR, f.remove("rmdir", "/f", true))
	assert.Equal(t, syscall.ENOENT, f.remove("unlink", "/missing", false))

	assert.Zero(t, f.remove("unlink", "/f", false))
	_, ok := remote.file("/f")
	assert.False(t, ok)

	assert.Zero(t, f.remove("rmdir", "/d", true))
	assert.False(t, remote.dirs["/d"])
}

func TestNode_RenameRejectsExchange(t *testing.T) {
	t.Parallel()

	f := newTestFileSystem(t, newTreeRemote())
	root := f.Root().(*Node)

	assert.Equal(t, syscall.EINVAL, root.Rename(context.Background(), "a", root, "b", renameExchange))
	assert.Equal(t, syscall.EXDEV, root.Rename(context.Background(), "a", &fs.Inode{}, "b", 0))
}
