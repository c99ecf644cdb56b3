package filesystem

import (
	"time"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// File attribute bits reported to the host.
const (
	FileAttributeDirectory uint32 = 0x10
	FileAttributeArchive   uint32 = 0x20
	FileAttributeNormal    uint32 = 0x80
)

// Create options understood by Create.
const (
	CreateDirectoryFile uint32 = 0x00000001
)

// Cleanup flags understood by Cleanup.
const (
	CleanupDelete uint32 = 0x01
)

const (
	allocationUnit = 4096

	// Hosts insist on a finite volume; remote quota is not queryable.
	volumeTotalSize uint64 = 1 << 40
	volumeFreeSize  uint64 = 500 << 30
)

// FileInfo is the metadata reported for an open node or a directory entry.
type FileInfo struct {
	FileAttributes uint32
	FileSize       uint64
	AllocationSize uint64
	CreationTime   time.Time
	LastAccessTime time.Time
	LastWriteTime  time.Time
	ChangeTime     time.Time
}

// IsDir reports whether the info describes a directory.
func (fi FileInfo) IsDir() bool {
	return fi.FileAttributes&FileAttributeDirectory != 0
}

// VolumeInfo describes the mounted volume.
type VolumeInfo struct {
	TotalSize   uint64
	FreeSize    uint64
	VolumeLabel string
}

// Filetime converts t to 100ns intervals since 1601-01-01 UTC. The zero time
// converts to zero.
func Filetime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	const epochDelta = 116444736000000000
	return uint64(t.UnixNano()/100) + epochDelta
}

func attributes(isDir bool) uint32 {
	if isDir {
		return FileAttributeDirectory
	}
	return FileAttributeArchive | FileAttributeNormal
}

func roundAllocation(size uint64) uint64 {
	return (size + allocationUnit - 1) / allocationUnit * allocationUnit
}

func (n *Node) info() FileInfo {
	var size uint64
	if !n.isDir {
		size = uint64(n.size)
	}
	return FileInfo{
		FileAttributes: attributes(n.isDir),
		FileSize:       size,
		AllocationSize: roundAllocation(size),
		CreationTime:   n.created,
		LastAccessTime: n.accessed,
		LastWriteTime:  n.written,
		ChangeTime:     n.written,
	}
}

func entryInfo(e types.RemoteEntry, now time.Time) FileInfo {
	return newEntryNode(e, now).info()
}
