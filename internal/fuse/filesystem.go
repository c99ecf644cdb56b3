//go:build !cgofuse

package fuse

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/status"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// FileSystem adapts the projection engine to go-fuse.
type FileSystem struct {
	engine *filesystem.FileSystem
	perms  Permissions
	rec    recorder
}

// NewFileSystem creates a go-fuse filesystem backed by engine.
func NewFileSystem(engine *filesystem.FileSystem, perms Permissions, logger *zap.Logger, metrics types.MetricsCollector) *FileSystem {
	return &FileSystem{
		engine: engine,
		perms:  perms,
		rec:    newRecorder(metrics, logger),
	}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: f}
}

// Node is a file or directory inode. Its host path is derived from the inode
// tree, so renames of an ancestor are picked up without bookkeeping here.
type Node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
)

func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	return types.JoinRemote(n.path(), name)
}

func (n *Node) newChild(ctx context.Context, info filesystem.FileInfo) *fs.Inode {
	mode := uint32(fuse.S_IFREG)
	if info.IsDir() {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{Mode: mode})
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	childPath := n.child(name)

	info, st := n.fsys.engine.GetFileInfoByName(childPath)
	n.fsys.rec.record("lookup", childPath, start, 0, st)
	if st != status.Success {
		return nil, Errno(st)
	}

	n.fsys.fillEntry(info, out)
	return n.newChild(ctx, info), 0
}

// Getattr gets node attributes, from the open handle when there is one.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*Handle); ok {
		return h.Getattr(ctx, out)
	}

	info, st := n.fsys.engine.GetFileInfoByName(n.path())
	if st != status.Success {
		return Errno(st)
	}
	n.fsys.fillAttrOut(info, out)
	return 0
}

// Setattr handles truncation. Mode, owner and time changes are accepted and
// ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*Handle); ok {
		return h.Setattr(ctx, in, out)
	}

	size, ok := in.GetSize()
	if !ok {
		return n.Getattr(ctx, nil, out)
	}

	start := time.Now()
	name := n.path()
	node, _, st := n.fsys.engine.Open(name)
	if st != status.Success {
		n.fsys.rec.record("truncate", name, start, 0, st)
		return Errno(st)
	}
	defer n.fsys.engine.Close(node)

	info, st := n.fsys.engine.SetFileSize(node, size, false)
	if st == status.Success {
		st = n.fsys.engine.Cleanup(node, "", 0)
	}
	n.fsys.rec.record("truncate", name, start, 0, st)
	if st != status.Success {
		return Errno(st)
	}
	n.fsys.fillAttrOut(info, out)
	return 0
}

// Open opens a file
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	name := n.path()

	node, _, st := n.fsys.engine.Open(name)
	if st == status.Success && flags&syscall.O_TRUNC != 0 {
		if _, st = n.fsys.engine.Overwrite(node); st != status.Success {
			n.fsys.engine.Close(node)
		}
	}
	n.fsys.rec.record("open", name, start, 0, st)
	if st != status.Success {
		return nil, 0, Errno(st)
	}
	return n.fsys.newHandle(node, flags), 0, 0
}

// Create creates a new file and opens it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	start := time.Now()
	childPath := n.child(name)

	node, info, st := n.fsys.engine.Create(childPath, 0)
	n.fsys.rec.record("create", childPath, start, 0, st)
	if st != status.Success {
		return nil, nil, 0, Errno(st)
	}

	n.fsys.fillEntry(info, out)
	return n.newChild(ctx, info), n.fsys.newHandle(node, flags), 0, 0
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	start := time.Now()
	childPath := n.child(name)

	node, info, st := n.fsys.engine.Create(childPath, filesystem.CreateDirectoryFile)
	n.fsys.rec.record("mkdir", childPath, start, 0, st)
	if st != status.Success {
		return nil, Errno(st)
	}
	n.fsys.engine.Close(node)

	n.fsys.fillEntry(info, out)
	return n.newChild(ctx, info), 0
}

// Unlink removes a file
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.fsys.remove("unlink", n.child(name), false)
}

// Rmdir removes an empty directory
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.fsys.remove("rmdir", n.child(name), true)
}

// Rename moves a child to newName under newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&renameExchange != 0 {
		return syscall.EINVAL
	}
	target, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}

	start := time.Now()
	from, to := n.child(name), target.child(newName)
	st := n.fsys.engine.Rename(nil, from, to, flags&renameNoReplace == 0)
	n.fsys.rec.record("rename", from, start, 0, st)
	return Errno(st)
}

// Readdir reads directory contents
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	start := time.Now()
	name := n.path()

	node, _, st := n.fsys.engine.Open(name)
	if st != status.Success {
		n.fsys.rec.record("readdir", name, start, 0, st)
		return nil, Errno(st)
	}
	defer n.fsys.engine.Close(node)

	var entries []fuse.DirEntry
	st = n.fsys.engine.ReadDirectory(node, "", func(child string, info filesystem.FileInfo) bool {
		if child == "." || child == ".." {
			return true
		}
		mode := uint32(fuse.S_IFREG)
		if info.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: child, Mode: mode})
		return true
	})
	n.fsys.rec.record("readdir", name, start, 0, st)
	if st != status.Success {
		return nil, Errno(st)
	}
	return fs.NewListDirStream(entries), 0
}

// Statfs reports the fixed volume size.
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	vol, st := n.fsys.engine.GetVolumeInfo()
	if st != status.Success {
		return Errno(st)
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = vol.TotalSize / blockSize
	out.Bfree = vol.FreeSize / blockSize
	out.Bavail = out.Bfree
	out.NameLen = nameMax
	return 0
}

// remove deletes name through the same open, check, cleanup and close
// sequence the host uses for delete-on-close.
func (f *FileSystem) remove(op, name string, dir bool) syscall.Errno {
	start := time.Now()

	node, _, st := f.engine.Open(name)
	if st != status.Success {
		f.rec.record(op, name, start, 0, st)
		return Errno(st)
	}
	defer f.engine.Close(node)

	switch {
	case dir && !node.IsDir():
		return syscall.ENOTDIR
	case !dir && node.IsDir():
		return syscall.EISDIR
	}

	st = f.engine.CanDelete(node, name)
	if st == status.Success {
		st = f.engine.Cleanup(node, name, filesystem.CleanupDelete)
	}
	f.rec.record(op, name, start, 0, st)
	return Errno(st)
}

func (f *FileSystem) fillAttr(info filesystem.FileInfo, out *fuse.Attr) {
	if info.IsDir() {
		out.Mode = fuse.S_IFDIR | f.perms.mode(info)
		out.Nlink = 2
	} else {
		out.Mode = fuse.S_IFREG | f.perms.mode(info)
		out.Nlink = 1
	}
	out.Size = info.FileSize
	out.Blocks = (info.AllocationSize + 511) / 512
	out.Blksize = blockSize
	out.Owner = fuse.Owner{Uid: f.perms.UID, Gid: f.perms.GID}

	atime, mtime, ctime := info.LastAccessTime, info.LastWriteTime, info.ChangeTime
	out.SetTimes(&atime, &mtime, &ctime)
}

func (f *FileSystem) fillAttrOut(info filesystem.FileInfo, out *fuse.AttrOut) {
	f.fillAttr(info, &out.Attr)
	out.SetTimeout(f.engine.FileInfoTimeout())
}

func (f *FileSystem) fillEntry(info filesystem.FileInfo, out *fuse.EntryOut) {
	f.fillAttr(info, &out.Attr)
	out.SetEntryTimeout(f.engine.FileInfoTimeout())
	out.SetAttrTimeout(f.engine.FileInfoTimeout())
}

func (f *FileSystem) newHandle(node *filesystem.Node, flags uint32) *Handle {
	return &Handle{
		fsys:   f,
		node:   node,
		append: flags&syscall.O_APPEND != 0,
	}
}

// Handle is an open file. The kernel may issue reads on one handle in
// parallel; the engine expects one call per node at a time.
type Handle struct {
	mu     sync.Mutex
	fsys   *FileSystem
	node   *filesystem.Node
	append bool
}

var (
	_ fs.FileReader    = (*Handle)(nil)
	_ fs.FileWriter    = (*Handle)(nil)
	_ fs.FileFlusher   = (*Handle)(nil)
	_ fs.FileFsyncer   = (*Handle)(nil)
	_ fs.FileReleaser  = (*Handle)(nil)
	_ fs.FileGetattrer = (*Handle)(nil)
	_ fs.FileSetattrer = (*Handle)(nil)
)

// Read reads data from the file
func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, st := h.fsys.engine.Read(h.node, dest, off)
	h.fsys.rec.record("read", h.node.Path(), start, n, st)
	if st != status.Success && st != status.EndOfFile {
		return nil, Errno(st)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file
func (h *Handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	n, _, st := h.fsys.engine.Write(h.node, data, off, h.append, false)
	h.fsys.rec.record("write", h.node.Path(), start, n, st)
	if st != status.Success {
		return 0, Errno(st)
	}
	return uint32(n), 0
}

// Flush uploads dirty content. It runs on every close of a descriptor.
func (h *Handle) Flush(ctx context.Context) syscall.Errno {
	return h.cleanup("flush")
}

// Fsync uploads dirty content.
func (h *Handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.cleanup("fsync")
}

func (h *Handle) cleanup(op string) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.node.Dirty() {
		return 0
	}
	start := time.Now()
	size := h.node.Size()
	st := h.fsys.engine.Cleanup(h.node, "", 0)
	h.fsys.rec.record(op, h.node.Path(), start, int(size), st)
	return Errno(st)
}

// Release releases the handle's buffers.
func (h *Handle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fsys.engine.Close(h.node)
	return 0
}

// Getattr reports attributes from the handle's local state.
func (h *Handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, st := h.fsys.engine.GetFileInfo(h.node)
	if st != status.Success {
		return Errno(st)
	}
	h.fsys.fillAttrOut(info, out)
	return 0
}

// Setattr truncates or extends the open file. The change is uploaded on the
// next flush.
func (h *Handle) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		info filesystem.FileInfo
		st   status.Code
	)
	if size, ok := in.GetSize(); ok {
		start := time.Now()
		info, st = h.fsys.engine.SetFileSize(h.node, size, false)
		h.fsys.rec.record("truncate", h.node.Path(), start, 0, st)
	} else {
		info, st = h.fsys.engine.GetFileInfo(h.node)
	}
	if st != status.Success {
		return Errno(st)
	}
	h.fsys.fillAttrOut(info, out)
	return 0
}
