package filesystem

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// memRemote is an in-memory types.Remote.
type memRemote struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	calls map[string]int

	// listGate, when set, blocks ListDirectory until it is closed or the
	// context ends.
	listGate chan struct{}
}

func newMemRemote() *memRemote {
	return &memRemote{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		calls: make(map[string]int),
	}
}

func (m *memRemote) addFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(path.Dir(p))
	m.files[p] = data
}

func (m *memRemote) addDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirAll(p)
}

func (m *memRemote) mkdirAll(p string) {
	for ; p != "/"; p = path.Dir(p) {
		m.dirs[p] = true
	}
}

func (m *memRemote) file(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	return data, ok
}

func (m *memRemote) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func notFound(p string) error {
	return errors.NewError(errors.ErrCodeNotFound, p+": no such file or directory").WithReplyCode(550)
}

func (m *memRemote) ListDirectory(ctx context.Context, dir string) ([]types.RemoteEntry, error) {
	m.mu.Lock()
	m.calls["list"]++
	gate := m.listGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeOperationTimeout, "LIST timed out", ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirs[dir] {
		return nil, notFound(dir)
	}
	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var entries []types.RemoteEntry
	for d := range m.dirs {
		if d != "/" && path.Dir(d) == dir {
			entries = append(entries, types.RemoteEntry{
				Name: path.Base(d), FullPath: d, Type: types.EntryDirectory, Modified: modified,
			})
		}
	}
	for f, data := range m.files {
		if path.Dir(f) == dir {
			entries = append(entries, types.RemoteEntry{
				Name: path.Base(f), FullPath: f, Type: types.EntryFile, Size: int64(len(data)), Modified: modified,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (m *memRemote) Download(_ context.Context, file string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["download"]++

	data, ok := m.files[file]
	if !ok {
		return nil, notFound(file)
	}
	return append([]byte(nil), data...), nil
}

func (m *memRemote) Upload(_ context.Context, file string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["upload"]++

	if !m.dirs[path.Dir(file)] {
		return notFound(file)
	}
	m.files[file] = append([]byte(nil), data...)
	return nil
}

func (m *memRemote) Rename(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["rename"]++

	if data, ok := m.files[from]; ok {
		delete(m.files, from)
		m.files[to] = data
		return nil
	}
	if m.dirs[from] {
		delete(m.dirs, from)
		m.dirs[to] = true
		return nil
	}
	return notFound(from)
}

func (m *memRemote) Delete(_ context.Context, file string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["delete"]++

	if _, ok := m.files[file]; !ok {
		return notFound(file)
	}
	delete(m.files, file)
	return nil
}

func (m *memRemote) DeleteDirectory(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["rmdir"]++

	if !m.dirs[dir] {
		return notFound(dir)
	}
	for p := range m.files {
		if strings.HasPrefix(p, dir+"/") {
			return errors.NewError(errors.ErrCodeNotFound, dir+": directory not empty").WithReplyCode(550)
		}
	}
	delete(m.dirs, dir)
	return nil
}

func (m *memRemote) MakeDirectory(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["mkdir"]++

	if m.dirs[dir] {
		return errors.NewError(errors.ErrCodeAccessDenied, dir+": file exists").WithReplyCode(553)
	}
	m.dirs[dir] = true
	return nil
}

func (m *memRemote) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, isFile := m.files[p]
	return isFile || m.dirs[p], nil
}

func (m *memRemote) NoOp(context.Context) error {
	return nil
}

var _ types.Remote = (*memRemote)(nil)
