package filesystem

import (
	"time"

	"github.com/ftpsdrive/ftpsdrive/internal/buffer"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// Node is an open file or directory handle.
//
// A node owns its buffers. The host never calls into one node concurrently,
// so nothing here is locked. Two nodes on the same remote path are
// independent and the last one cleaned up wins.
type Node struct {
	path  string
	isDir bool
	size  int64

	created  time.Time
	written  time.Time
	accessed time.Time

	// read holds the downloaded image until the first write moves it into
	// write. readLoaded stays set so the file is not fetched again.
	read       *buffer.File
	readLoaded bool

	// write is authoritative for content and size once it exists.
	write *buffer.File
	dirty bool

	entries       []types.RemoteEntry
	entriesLoaded bool
}

func newNode(remotePath string, isDir bool, now time.Time) *Node {
	return &Node{
		path:     remotePath,
		isDir:    isDir,
		created:  now,
		written:  now,
		accessed: now,
	}
}

func newEntryNode(e types.RemoteEntry, now time.Time) *Node {
	n := newNode(e.FullPath, e.IsDir(), now)
	n.size = e.Size
	if !e.Modified.IsZero() {
		n.written = e.Modified
		n.accessed = e.Modified
	}
	switch {
	case !e.Created.IsZero():
		n.created = e.Created
	case !e.Modified.IsZero():
		n.created = e.Modified
	}
	return n
}

// Path returns the remote path of the node.
func (n *Node) Path() string { return n.path }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.isDir }

// Dirty reports whether the node holds writes not yet uploaded.
func (n *Node) Dirty() bool { return n.dirty }

// Size returns the current size of the node's content.
func (n *Node) Size() int64 { return n.size }

func (n *Node) release() {
	if n.read != nil {
		n.read.Release()
		n.read = nil
	}
	if n.write != nil {
		n.write.Release()
		n.write = nil
	}
	n.entries = nil
	n.entriesLoaded = false
}
