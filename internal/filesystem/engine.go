// Package filesystem projects a remote directory tree as a local filesystem.
//
// FileSystem implements the callback surface a user-mode filesystem host
// drives: attribute lookup by name, open and create, whole-file buffered read
// and write, cleanup, marker-based directory enumeration, rename and the
// security queries. Every callback returns a status.Code; remote failures are
// converted with status.FromError and never escape as Go errors.
//
// Files are fetched whole on first read and uploaded whole during Cleanup.
// Listings go through the directory cache and every mutation invalidates the
// affected entries before the callback returns.
package filesystem

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ftpsdrive/ftpsdrive/internal/buffer"
	"github.com/ftpsdrive/ftpsdrive/internal/cache"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/status"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const (
	DefaultListTimeout     = 30 * time.Second
	DefaultFileInfoTimeout = time.Second
)

// Config configures a FileSystem.
type Config struct {
	Remote  types.Remote
	Cache   *cache.DirectoryCache
	Buffers *buffer.Manager

	// RootPath is prepended to every host path.
	RootPath    string
	VolumeLabel string

	// ListTimeout bounds each remote directory listing.
	ListTimeout time.Duration
	// FileInfoTimeout is how long the host may cache metadata it was given.
	FileInfoTimeout time.Duration

	// SecurityDescriptor overrides the generated descriptor.
	SecurityDescriptor []byte

	Logger *zap.Logger
	Now    func() time.Time
}

// FileSystem is the projection engine.
type FileSystem struct {
	remote  types.Remote
	cache   *cache.DirectoryCache
	buffers *buffer.Manager
	root    string
	label   string

	listTimeout     time.Duration
	fileInfoTimeout time.Duration
	security        []byte

	listings singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
	now    func() time.Time
}

// New creates a projection engine.
func New(cfg Config) (*FileSystem, error) {
	if cfg.Remote == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "filesystem requires a remote").
			WithComponent("filesystem")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewDirectoryCache(nil, nil)
	}
	if cfg.Buffers == nil {
		cfg.Buffers = buffer.NewManager(nil)
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = DefaultListTimeout
	}
	if cfg.FileInfoTimeout <= 0 {
		cfg.FileInfoTimeout = DefaultFileInfoTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SecurityDescriptor == nil {
		sd, err := DefaultSecurityDescriptor()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to build security descriptor", err).
				WithComponent("filesystem").
				WithStack()
		}
		cfg.SecurityDescriptor = sd
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FileSystem{
		remote:          cfg.Remote,
		cache:           cfg.Cache,
		buffers:         cfg.Buffers,
		root:            cache.NormalizePath(cfg.RootPath),
		label:           cfg.VolumeLabel,
		listTimeout:     cfg.ListTimeout,
		fileInfoTimeout: cfg.FileInfoTimeout,
		security:        cfg.SecurityDescriptor,
		ctx:             ctx,
		cancel:          cancel,
		logger:          cfg.Logger.Named("filesystem"),
		now:             cfg.Now,
	}, nil
}

// Shutdown cancels every remote call in flight. Callbacks made afterwards fail
// with CONNECTION_ABORTED.
func (fs *FileSystem) Shutdown() {
	fs.cancel()
}

// FileInfoTimeout returns how long the host may cache returned metadata.
func (fs *FileSystem) FileInfoTimeout() time.Duration {
	return fs.fileInfoTimeout
}

// RemotePath translates a host path into the remote path under the root.
func (fs *FileSystem) RemotePath(name string) string {
	rel := cache.NormalizePath(name)
	switch {
	case rel == "/":
		return fs.root
	case fs.root == "/":
		return rel
	default:
		return fs.root + rel
	}
}

// GetVolumeInfo reports the volume size and label.
func (fs *FileSystem) GetVolumeInfo() (VolumeInfo, status.Code) {
	return VolumeInfo{
		TotalSize:   volumeTotalSize,
		FreeSize:    volumeFreeSize,
		VolumeLabel: fs.label,
	}, status.Success
}

// GetSecurityByName resolves the attributes of name without opening it.
func (fs *FileSystem) GetSecurityByName(name string) (uint32, []byte, status.Code) {
	info, st := fs.GetFileInfoByName(name)
	if st != status.Success {
		return 0, nil, st
	}
	return info.FileAttributes, fs.security, status.Success
}

// GetFileInfoByName resolves the full metadata of name without opening it.
func (fs *FileSystem) GetFileInfoByName(name string) (FileInfo, status.Code) {
	remotePath := fs.RemotePath(name)
	if remotePath == fs.root {
		return newNode(remotePath, true, fs.now()).info(), status.Success
	}

	entry, st := fs.lookup(remotePath)
	if st != status.Success {
		return FileInfo{}, st
	}
	return entryInfo(entry, fs.now()), status.Success
}

// Open opens an existing file or directory.
func (fs *FileSystem) Open(name string) (*Node, FileInfo, status.Code) {
	remotePath := fs.RemotePath(name)
	fs.logger.Debug("open", zap.String("path", remotePath))

	if remotePath == fs.root {
		node := newNode(remotePath, true, fs.now())
		return node, node.info(), status.Success
	}

	entry, st := fs.lookup(remotePath)
	if st != status.Success {
		return nil, FileInfo{}, st
	}
	node := newEntryNode(entry, fs.now())
	return node, node.info(), status.Success
}

// Create creates a file or, when createOptions carries CreateDirectoryFile, a
// directory on the remote before returning.
func (fs *FileSystem) Create(name string, createOptions uint32) (*Node, FileInfo, status.Code) {
	remotePath := fs.RemotePath(name)
	isDir := createOptions&CreateDirectoryFile != 0
	fs.logger.Debug("create", zap.String("path", remotePath), zap.Bool("dir", isDir))

	if remotePath == fs.root {
		return nil, FileInfo{}, status.ObjectNameCollision
	}
	if _, exists := fs.cache.FindEntry(remotePath); exists {
		return nil, FileInfo{}, status.ObjectNameCollision
	}

	ctx, cancel := fs.context()
	defer cancel()

	var err error
	if isDir {
		err = fs.remote.MakeDirectory(ctx, remotePath)
	} else {
		err = fs.remote.Upload(ctx, remotePath, nil)
	}
	fs.invalidate(remotePath)
	if err != nil {
		return nil, FileInfo{}, fs.fail("create", remotePath, err)
	}

	node := newNode(remotePath, isDir, fs.now())
	if !isDir {
		node.write = fs.buffers.Empty()
	}
	return node, node.info(), status.Success
}

// Overwrite truncates the node's content to zero. Nothing is sent until
// Cleanup.
func (fs *FileSystem) Overwrite(n *Node) (FileInfo, status.Code) {
	if n.isDir {
		return FileInfo{}, status.FileIsADirectory
	}
	fs.logger.Debug("overwrite", zap.String("path", n.path))

	if n.read != nil {
		n.read.Release()
		n.read = nil
	}
	n.readLoaded = false
	if n.write != nil {
		n.write.Release()
	}
	n.write = fs.buffers.Empty()
	n.dirty = true
	n.size = 0
	n.written = fs.now()
	return n.info(), status.Success
}

// Read copies content at off into p. The whole file is downloaded on the
// first read of a node.
func (fs *FileSystem) Read(n *Node, p []byte, off int64) (int, status.Code) {
	if n.isDir {
		return 0, status.FileIsADirectory
	}
	if off < 0 {
		return 0, status.InvalidParameter
	}

	src, st := fs.content(n)
	if st != status.Success {
		return 0, st
	}
	if src == nil || off >= src.Len() {
		return 0, status.EndOfFile
	}

	read, _ := src.ReadAt(p, off)
	n.accessed = fs.now()
	return read, status.Success
}

// Write stores p at off, or at the current end when writeToEnd is set. A
// constrained write never grows the file and silently drops bytes past the
// end.
func (fs *FileSystem) Write(n *Node, p []byte, off int64, writeToEnd, constrained bool) (int, FileInfo, status.Code) {
	if n.isDir {
		return 0, FileInfo{}, status.FileIsADirectory
	}
	if st := fs.ensureWriteBuffer(n, true); st != status.Success {
		return 0, FileInfo{}, st
	}

	pos := off
	if writeToEnd {
		pos = n.write.Len()
	}
	if pos < 0 {
		return 0, FileInfo{}, status.InvalidParameter
	}

	var written int
	if constrained {
		written = n.write.WriteAtConstrained(p, pos)
		if written == 0 {
			return 0, n.info(), status.Success
		}
	} else {
		var err error
		written, err = n.write.WriteAt(p, pos)
		if err != nil {
			return 0, FileInfo{}, fs.fail("write", n.path, err)
		}
	}

	n.dirty = true
	n.size = n.write.Len()
	n.written = fs.now()
	return written, n.info(), status.Success
}

// Flush reports the node's metadata. Content is only sent during Cleanup.
func (fs *FileSystem) Flush(n *Node) (FileInfo, status.Code) {
	if n == nil {
		return FileInfo{}, status.Success
	}
	return n.info(), status.Success
}

// GetFileInfo reports the node's metadata from local state.
func (fs *FileSystem) GetFileInfo(n *Node) (FileInfo, status.Code) {
	return n.info(), status.Success
}

// SetBasicInfo accepts and ignores attribute and timestamp changes; the
// remote does not store them.
func (fs *FileSystem) SetBasicInfo(n *Node, _ uint32, _, _, _ time.Time) (FileInfo, status.Code) {
	return n.info(), status.Success
}

// SetFileSize truncates or extends the content. Allocation-size requests are
// accepted without effect.
func (fs *FileSystem) SetFileSize(n *Node, size uint64, allocationOnly bool) (FileInfo, status.Code) {
	if n.isDir {
		return FileInfo{}, status.FileIsADirectory
	}
	if allocationOnly {
		return n.info(), status.Success
	}
	// Truncating to zero discards the content, so there is nothing to fetch.
	if st := fs.ensureWriteBuffer(n, size > 0); st != status.Success {
		return FileInfo{}, st
	}
	if err := n.write.Truncate(int64(size)); err != nil {
		return FileInfo{}, fs.fail("set-size", n.path, err)
	}

	n.dirty = true
	n.size = n.write.Len()
	n.written = fs.now()
	return n.info(), status.Success
}

// CanDelete always permits deletion; the real check happens when Cleanup
// issues the delete.
func (fs *FileSystem) CanDelete(*Node, string) status.Code {
	return status.Success
}

// Cleanup reconciles the node with the remote. With CleanupDelete the remote
// file or directory is removed; otherwise dirty content is uploaded whole.
func (fs *FileSystem) Cleanup(n *Node, name string, flags uint32) status.Code {
	if n == nil {
		return status.Success
	}

	if flags&CleanupDelete != 0 {
		remotePath := n.path
		if name != "" {
			remotePath = fs.RemotePath(name)
		}
		fs.logger.Debug("cleanup delete", zap.String("path", remotePath), zap.Bool("dir", n.isDir))

		ctx, cancel := fs.context()
		defer cancel()

		var err error
		if n.isDir {
			err = fs.remote.DeleteDirectory(ctx, remotePath)
		} else {
			err = fs.remote.Delete(ctx, remotePath)
		}
		fs.invalidate(remotePath)
		if err != nil {
			return fs.fail("delete", remotePath, err)
		}
		return status.Success
	}

	if !n.dirty || n.write == nil {
		return status.Success
	}

	fs.logger.Debug("cleanup upload", zap.String("path", n.path), zap.Int64("bytes", n.write.Len()))
	ctx, cancel := fs.context()
	defer cancel()

	err := fs.remote.Upload(ctx, n.path, n.write.Bytes())
	fs.invalidate(n.path)
	if err != nil {
		return fs.fail("upload", n.path, err)
	}
	n.dirty = false
	return status.Success
}

// Close releases the node's buffers.
func (fs *FileSystem) Close(n *Node) {
	if n != nil {
		n.release()
	}
}

// ReadDirectory enumerates the children of a directory node, passing each to
// fill until it returns false. "." and ".." come first. With a marker,
// enumeration resumes after the marker; a marker that is no longer present
// restarts from the beginning.
func (fs *FileSystem) ReadDirectory(n *Node, marker string, fill func(name string, info FileInfo) bool) status.Code {
	if !n.isDir {
		return status.NotADirectory
	}

	if !n.entriesLoaded {
		entries, st := fs.list(n.path)
		if st != status.Success {
			return st
		}
		n.entries = entries
		n.entriesLoaded = true
	}

	now := fs.now()
	for i := resumeIndex(n.entries, marker); ; i++ {
		var (
			name string
			info FileInfo
		)
		switch {
		case i == 0:
			name, info = ".", n.info()
		case i == 1:
			name, info = "..", n.info()
		case i-2 < len(n.entries):
			entry := n.entries[i-2]
			name, info = entry.Name, entryInfo(entry, now)
		default:
			return status.Success
		}
		if !fill(name, info) {
			return status.Success
		}
	}
}

// resumeIndex returns the enumeration position following marker. Positions 0
// and 1 are "." and ".."; child i sits at i+2.
func resumeIndex(entries []types.RemoteEntry, marker string) int {
	switch marker {
	case "":
		return 0
	case ".":
		return 1
	case "..":
		return 2
	}
	for i, entry := range entries {
		if entry.Name == marker {
			return i + 3
		}
	}
	return 0
}

// Rename moves from to to on the remote. Without replace, a destination
// already present in the cached parent listing is a collision.
func (fs *FileSystem) Rename(n *Node, from, to string, replace bool) status.Code {
	fromPath := fs.RemotePath(from)
	toPath := fs.RemotePath(to)
	fs.logger.Debug("rename", zap.String("from", fromPath), zap.String("to", toPath))

	if !replace {
		if _, exists := fs.cache.FindEntry(toPath); exists && !strings.EqualFold(fromPath, toPath) {
			return status.ObjectNameCollision
		}
	}

	ctx, cancel := fs.context()
	defer cancel()

	err := fs.remote.Rename(ctx, fromPath, toPath)
	fs.cache.InvalidateParent(fromPath)
	fs.cache.InvalidateParent(toPath)
	fs.cache.InvalidateTree(fromPath)
	fs.cache.InvalidateTree(toPath)
	if err != nil {
		return fs.fail("rename", fromPath, err)
	}
	if n != nil {
		n.path = toPath
	}
	return status.Success
}

// GetSecurity returns the fixed security descriptor.
func (fs *FileSystem) GetSecurity(*Node) ([]byte, status.Code) {
	return fs.security, status.Success
}

// SetSecurity accepts and ignores descriptor changes.
func (fs *FileSystem) SetSecurity(*Node, []byte) status.Code {
	return status.Success
}

// lookup finds remotePath in its parent's listing, listing the parent on a
// cache miss.
func (fs *FileSystem) lookup(remotePath string) (types.RemoteEntry, status.Code) {
	if entry, ok := fs.cache.FindEntry(remotePath); ok {
		return entry, status.Success
	}

	entries, st := fs.list(cache.ParentPath(remotePath))
	if st != status.Success {
		return types.RemoteEntry{}, st
	}
	name := remotePath[strings.LastIndexByte(remotePath, '/')+1:]
	for _, entry := range entries {
		if entry.Name == name {
			return entry, status.Success
		}
	}
	return types.RemoteEntry{}, status.ObjectNameNotFound
}

// list returns the listing of dir from the cache, fetching it on a miss.
// Concurrent misses for one directory share a single remote listing.
func (fs *FileSystem) list(dir string) ([]types.RemoteEntry, status.Code) {
	dir = cache.NormalizePath(dir)
	if entries, ok := fs.cache.Get(dir); ok {
		return entries, status.Success
	}

	v, err, _ := fs.listings.Do(dir, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(fs.ctx, fs.listTimeout)
		defer cancel()

		entries, err := fs.remote.ListDirectory(ctx, dir)
		if err != nil {
			return nil, err
		}
		fs.logger.Debug("listed", zap.String("path", dir), zap.Int("entries", len(entries)))
		fs.cache.Set(dir, entries)
		return entries, nil
	})
	if err != nil {
		return nil, fs.fail("list", dir, err)
	}
	return v.([]types.RemoteEntry), status.Success
}

// content returns the authoritative buffer for n, downloading the file on
// first use.
func (fs *FileSystem) content(n *Node) (*buffer.File, status.Code) {
	if n.write != nil {
		return n.write, status.Success
	}
	if !n.readLoaded {
		if st := fs.load(n); st != status.Success {
			return nil, st
		}
	}
	return n.read, status.Success
}

func (fs *FileSystem) load(n *Node) status.Code {
	fs.logger.Debug("download", zap.String("path", n.path))
	ctx, cancel := fs.context()
	defer cancel()

	if err := fs.buffers.Check(n.size); err != nil {
		return fs.fail("download", n.path, err)
	}
	data, err := fs.remote.Download(ctx, n.path)
	if err != nil {
		return fs.fail("download", n.path, err)
	}
	read, err := fs.buffers.Wrap(data)
	if err != nil {
		return fs.fail("download", n.path, err)
	}
	n.read = read
	n.readLoaded = true
	n.size = int64(len(data))
	return status.Success
}

// ensureWriteBuffer allocates the write buffer. With seed set it starts from
// the file's current content so that partial writes keep the rest of the file.
func (fs *FileSystem) ensureWriteBuffer(n *Node, seed bool) status.Code {
	if n.write != nil {
		return status.Success
	}
	if seed && !n.readLoaded && n.size > 0 {
		if st := fs.load(n); st != status.Success {
			return st
		}
	}
	if n.read != nil {
		n.write, n.read = n.read, nil
		return status.Success
	}
	n.write = fs.buffers.Empty()
	return status.Success
}

func (fs *FileSystem) invalidate(remotePath string) {
	fs.cache.InvalidateParent(remotePath)
	fs.cache.Invalidate(remotePath)
}

func (fs *FileSystem) context() (context.Context, context.CancelFunc) {
	return context.WithCancel(fs.ctx)
}

func (fs *FileSystem) fail(op, remotePath string, err error) status.Code {
	code := status.FromError(err)
	fs.logger.Warn(op+" failed",
		zap.String("path", remotePath),
		zap.Stringer("status", code),
		zap.Error(err))
	return code
}
