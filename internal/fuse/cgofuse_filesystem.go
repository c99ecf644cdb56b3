//go:build cgofuse

package fuse

import (
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/status"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

var cgoStatusErrno = map[status.Code]int{
	status.BufferOverflow:      fuse.ERANGE,
	status.NotImplemented:      fuse.ENOSYS,
	status.InvalidParameter:    fuse.EINVAL,
	status.AccessDenied:        fuse.EACCES,
	status.LogonFailure:        fuse.EACCES,
	status.ObjectNameNotFound:  fuse.ENOENT,
	status.ObjectPathNotFound:  fuse.ENOENT,
	status.ObjectNameCollision: fuse.EEXIST,
	status.DiskFull:            fuse.ENOSPC,
	status.DeviceNotReady:      fuse.EAGAIN,
	status.IOTimeout:           fuse.ETIMEDOUT,
	status.FileIsADirectory:    fuse.EISDIR,
	status.NotADirectory:       fuse.ENOTDIR,
	status.DirectoryNotEmpty:   fuse.ENOTEMPTY,
	status.HostUnreachable:     fuse.EHOSTUNREACH,
	status.ConnectionAborted:   fuse.ECONNABORTED,
	status.InternalError:       fuse.EIO,
}

// cgoErrno converts a status code to the negated errno cgofuse expects.
func cgoErrno(code status.Code) int {
	if !code.IsError() {
		return 0
	}
	if errno, ok := cgoStatusErrno[code]; ok {
		return -errno
	}
	return -fuse.EIO
}

// CgoFuseFS adapts the projection engine to cgofuse.
type CgoFuseFS struct {
	fuse.FileSystemBase

	engine *filesystem.FileSystem
	perms  Permissions
	rec    recorder

	mu         sync.Mutex
	handles    map[uint64]*cgoHandle
	nextHandle uint64
}

// cgoHandle serializes calls on one engine node.
type cgoHandle struct {
	mu     sync.Mutex
	node   *filesystem.Node
	append bool
}

// NewCgoFuseFS creates a cgofuse filesystem backed by engine.
func NewCgoFuseFS(engine *filesystem.FileSystem, perms Permissions, logger *zap.Logger, metrics types.MetricsCollector) *CgoFuseFS {
	return &CgoFuseFS{
		engine:     engine,
		perms:      perms,
		rec:        newRecorder(metrics, logger),
		handles:    make(map[uint64]*cgoHandle),
		nextHandle: 1,
	}
}

func (f *CgoFuseFS) open(node *filesystem.Node, flags int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh := f.nextHandle
	f.nextHandle++
	f.handles[fh] = &cgoHandle{node: node, append: flags&fuse.O_APPEND != 0}
	return fh
}

func (f *CgoFuseFS) handle(fh uint64) *cgoHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[fh]
}

func (f *CgoFuseFS) release(fh uint64) *cgoHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.handles[fh]
	delete(f.handles, fh)
	return h
}

// Statfs reports the fixed volume size.
func (f *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	vol, st := f.engine.GetVolumeInfo()
	if st != status.Success {
		return cgoErrno(st)
	}
	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = vol.TotalSize / blockSize
	stat.Bfree = vol.FreeSize / blockSize
	stat.Bavail = stat.Bfree
	stat.Namemax = nameMax
	return 0
}

// Getattr gets file attributes
func (f *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	var (
		info filesystem.FileInfo
		st   status.Code
	)
	if h := f.handle(fh); h != nil {
		h.mu.Lock()
		info, st = f.engine.GetFileInfo(h.node)
		h.mu.Unlock()
	} else {
		info, st = f.engine.GetFileInfoByName(path)
	}
	if st != status.Success {
		return cgoErrno(st)
	}
	f.fillStat(info, stat)
	return 0
}

// Mkdir creates a directory
func (f *CgoFuseFS) Mkdir(path string, mode uint32) int {
	start := time.Now()
	node, _, st := f.engine.Create(path, filesystem.CreateDirectoryFile)
	f.rec.record("mkdir", path, start, 0, st)
	if st != status.Success {
		return cgoErrno(st)
	}
	f.engine.Close(node)
	return 0
}

// Unlink removes a file
func (f *CgoFuseFS) Unlink(path string) int {
	return f.remove("unlink", path, false)
}

// Rmdir removes a directory
func (f *CgoFuseFS) Rmdir(path string) int {
	return f.remove("rmdir", path, true)
}

func (f *CgoFuseFS) remove(op, path string, dir bool) int {
	start := time.Now()

	node, _, st := f.engine.Open(path)
	if st != status.Success {
		f.rec.record(op, path, start, 0, st)
		return cgoErrno(st)
	}
	defer f.engine.Close(node)

	switch {
	case dir && !node.IsDir():
		return -fuse.ENOTDIR
	case !dir && node.IsDir():
		return -fuse.EISDIR
	}

	st = f.engine.CanDelete(node, path)
	if st == status.Success {
		st = f.engine.Cleanup(node, path, filesystem.CleanupDelete)
	}
	f.rec.record(op, path, start, 0, st)
	return cgoErrno(st)
}

// Rename renames a file or directory, replacing an existing target.
func (f *CgoFuseFS) Rename(oldpath, newpath string) int {
	start := time.Now()
	st := f.engine.Rename(nil, oldpath, newpath, true)
	f.rec.record("rename", oldpath, start, 0, st)
	return cgoErrno(st)
}

// Create creates and opens a file
func (f *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	start := time.Now()
	node, _, st := f.engine.Create(path, 0)
	f.rec.record("create", path, start, 0, st)
	if st != status.Success {
		return cgoErrno(st), ^uint64(0)
	}
	return 0, f.open(node, flags)
}

// Open opens a file
func (f *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	start := time.Now()
	node, _, st := f.engine.Open(path)
	if st == status.Success && flags&fuse.O_TRUNC != 0 {
		if _, st = f.engine.Overwrite(node); st != status.Success {
			f.engine.Close(node)
		}
	}
	f.rec.record("open", path, start, 0, st)
	if st != status.Success {
		return cgoErrno(st), ^uint64(0)
	}
	return 0, f.open(node, flags)
}

// Opendir opens a directory for enumeration.
func (f *CgoFuseFS) Opendir(path string) (int, uint64) {
	node, _, st := f.engine.Open(path)
	if st != status.Success {
		return cgoErrno(st), ^uint64(0)
	}
	if !node.IsDir() {
		f.engine.Close(node)
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, f.open(node, 0)
}

// Readdir enumerates a directory, including "." and "..".
func (f *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	st := f.engine.ReadDirectory(h.node, "", func(name string, info filesystem.FileInfo) bool {
		var stat fuse.Stat_t
		f.fillStat(info, &stat)
		return fill(name, &stat, 0)
	})
	f.rec.record("readdir", path, start, 0, st)
	return cgoErrno(st)
}

// Releasedir closes a directory handle.
func (f *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return f.Release(path, fh)
}

// Truncate changes the size of a file, uploading immediately when it is not
// open.
func (f *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	if size < 0 {
		return -fuse.EINVAL
	}
	start := time.Now()

	if h := f.handle(fh); h != nil {
		h.mu.Lock()
		_, st := f.engine.SetFileSize(h.node, uint64(size), false)
		h.mu.Unlock()
		f.rec.record("truncate", path, start, 0, st)
		return cgoErrno(st)
	}

	node, _, st := f.engine.Open(path)
	if st != status.Success {
		return cgoErrno(st)
	}
	defer f.engine.Close(node)

	if _, st = f.engine.SetFileSize(node, uint64(size), false); st == status.Success {
		st = f.engine.Cleanup(node, "", 0)
	}
	f.rec.record("truncate", path, start, 0, st)
	return cgoErrno(st)
}

// Read reads file content
func (f *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, st := f.engine.Read(h.node, buff, ofst)
	f.rec.record("read", path, start, n, st)
	if st == status.EndOfFile {
		return 0
	}
	if st != status.Success {
		return cgoErrno(st)
	}
	return n
}

// Write writes file content
func (f *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, _, st := f.engine.Write(h.node, buff, ofst, h.append, false)
	f.rec.record("write", path, start, n, st)
	if st != status.Success {
		return cgoErrno(st)
	}
	return n
}

// Flush uploads dirty content
func (f *CgoFuseFS) Flush(path string, fh uint64) int {
	return f.cleanup("flush", path, fh)
}

// Fsync uploads dirty content
func (f *CgoFuseFS) Fsync(path string, datasync bool, fh uint64) int {
	return f.cleanup("fsync", path, fh)
}

func (f *CgoFuseFS) cleanup(op, path string, fh uint64) int {
	h := f.handle(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.node.Dirty() {
		return 0
	}
	start := time.Now()
	size := h.node.Size()
	st := f.engine.Cleanup(h.node, "", 0)
	f.rec.record(op, path, start, int(size), st)
	return cgoErrno(st)
}

// Release closes a file handle
func (f *CgoFuseFS) Release(path string, fh uint64) int {
	h := f.release(fh)
	if h == nil {
		return -fuse.EBADF
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	f.engine.Close(h.node)
	return 0
}

// Utimens accepts and ignores timestamp changes.
func (f *CgoFuseFS) Utimens(path string, tmsp []fuse.Timespec) int {
	return 0
}

// Chmod accepts and ignores mode changes.
func (f *CgoFuseFS) Chmod(path string, mode uint32) int {
	return 0
}

func (f *CgoFuseFS) fillStat(info filesystem.FileInfo, stat *fuse.Stat_t) {
	if info.IsDir() {
		stat.Mode = fuse.S_IFDIR | f.perms.mode(info)
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | f.perms.mode(info)
		stat.Nlink = 1
	}
	stat.Uid = f.perms.UID
	stat.Gid = f.perms.GID
	stat.Size = int64(info.FileSize)
	stat.Blksize = blockSize
	stat.Blocks = int64((info.AllocationSize + 511) / 512)
	stat.Atim = fuse.NewTimespec(info.LastAccessTime)
	stat.Mtim = fuse.NewTimespec(info.LastWriteTime)
	stat.Ctim = fuse.NewTimespec(info.ChangeTime)
	stat.Birthtim = fuse.NewTimespec(info.CreationTime)
}
