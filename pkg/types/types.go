package types

import (
	"path"
	"time"
)

// EntryType classifies a listing row.
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

// String returns the lowercase name of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	case EntrySymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// RemoteEntry represents one row of a remote directory listing.
type RemoteEntry struct {
	Name     string    `json:"name"`
	FullPath string    `json:"full_path"`
	Type     EntryType `json:"type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	// Created is zero when the server does not report it.
	Created time.Time `json:"created,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e RemoteEntry) IsDir() bool {
	return e.Type == EntryDirectory
}

// JoinRemote joins a parent directory and a child name with a single slash.
func JoinRemote(parent, name string) string {
	if parent == "" || parent == "/" {
		return "/" + name
	}
	return path.Clean(parent) + "/" + name
}

// CacheStats represents directory cache statistics
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
	Entries       int     `json:"entries"`
	Capacity      int     `json:"capacity"`
	HitRate       float64 `json:"hit_rate"`
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	Active      int       `json:"active"`
	Idle        int       `json:"idle"`
	Total       int       `json:"total"`
	MaxSize     int       `json:"max_size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Waits       int64     `json:"waits"`
	Errors      int64     `json:"errors"`
	Created     int64     `json:"created"`
	Destroyed   int64     `json:"destroyed"`
	UseCPSV     bool      `json:"use_cpsv"`
	LastCreated time.Time `json:"last_created"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
}
