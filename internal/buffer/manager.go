package buffer

import (
	"fmt"
	"sync"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// Manager hands out file images and accounts for the memory they hold across
// every open handle of a mount.
type Manager struct {
	mu     sync.Mutex
	pool   *BytePool
	config ManagerConfig
	stats  ManagerStats
}

// ManagerConfig represents buffer manager configuration
type ManagerConfig struct {
	// MaxMemory bounds the bytes held by all images. Zero means unbounded.
	MaxMemory int64 `yaml:"max_memory"`
}

// ManagerStats tracks manager-level statistics
type ManagerStats struct {
	ActiveBuffers int    `json:"active_buffers"`
	MemoryUsage   int64  `json:"memory_usage"`
	PeakMemory    int64  `json:"peak_memory"`
	Allocations   uint64 `json:"allocations"`
	Rejected      uint64 `json:"rejected"`
}

// NewManager creates a new buffer manager
func NewManager(config *ManagerConfig) *Manager {
	m := &Manager{pool: NewBytePool()}
	if config != nil {
		m.config = *config
	}
	return m
}

// Empty returns a zero-length image.
func (m *Manager) Empty() *File {
	return &File{manager: m}
}

// Wrap returns an image that takes ownership of data without copying it.
// Data that would push the manager past MaxMemory is refused with a DiskFull
// error and left to the garbage collector.
func (m *Manager) Wrap(data []byte) (*File, error) {
	f := m.Empty()
	if data == nil {
		return f, nil
	}
	if m != nil {
		m.mu.Lock()
		err := m.reserve(int64(cap(data)))
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	f.data = data
	return f, nil
}

// Check reports the DiskFull error Wrap or a write would return for size
// more bytes, without accounting for them.
func (m *Manager) Check(size int64) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exceeds(size)
}

// Stats returns a snapshot of the manager statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) alloc(n int) ([]byte, error) {
	if m == nil {
		return make([]byte, n), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.exceeds(int64(n)); err != nil {
		m.stats.Rejected++
		return nil, err
	}
	buf := m.pool.Get(n)
	m.account(int64(cap(buf)))
	return buf, nil
}

// reserve accounts for size bytes unless that would exceed MaxMemory.
func (m *Manager) reserve(size int64) error {
	if err := m.exceeds(size); err != nil {
		m.stats.Rejected++
		return err
	}
	m.account(size)
	return nil
}

func (m *Manager) exceeds(size int64) error {
	if m.config.MaxMemory <= 0 || m.stats.MemoryUsage+size <= m.config.MaxMemory {
		return nil
	}
	return errors.NewError(errors.ErrCodeDiskFull,
		fmt.Sprintf("buffer memory limit of %d bytes reached", m.config.MaxMemory)).
		WithComponent("buffer").
		WithDetail("requested", size).
		WithDetail("in_use", m.stats.MemoryUsage)
}

func (m *Manager) account(size int64) {
	m.stats.ActiveBuffers++
	m.stats.Allocations++
	m.stats.MemoryUsage += size
	if m.stats.MemoryUsage > m.stats.PeakMemory {
		m.stats.PeakMemory = m.stats.MemoryUsage
	}
}

func (m *Manager) free(buf []byte) {
	if m == nil || buf == nil {
		return
	}

	m.mu.Lock()
	m.stats.ActiveBuffers--
	m.stats.MemoryUsage -= int64(cap(buf))
	m.mu.Unlock()

	m.pool.Put(buf)
}
