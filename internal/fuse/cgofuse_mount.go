//go:build cgofuse

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// mountSettle is how long Mount waits for the host to fail before it reports
// success.
const mountSettle = 250 * time.Millisecond

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	done    chan struct{}
	mounted bool
}

// NewHost creates the cgofuse mount manager for engine.
func NewHost(engine *filesystem.FileSystem, config *MountConfig, logger *zap.Logger, metrics types.MetricsCollector) Host {
	config = config.withDefaults()
	return NewCgoFuseMountManager(NewCgoFuseFS(engine, config.Permissions, logger, metrics), config, logger)
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(filesystem *CgoFuseFS, config *MountConfig, logger *zap.Logger) *CgoFuseMountManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CgoFuseMountManager{
		filesystem: filesystem,
		config:     config.withDefaults(),
		logger:     logger.Named("mount"),
	}
}

// Mount mounts the filesystem. The host serves on its own goroutine until
// Unmount.
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem already mounted")
	}
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	host := fuse.NewFileSystemHost(m.filesystem)
	host.SetCapReaddirPlus(false)
	if runtime.GOOS == "windows" {
		host.SetCapCaseInsensitive(true)
	}

	done := make(chan struct{})
	result := make(chan bool, 1)
	go func() {
		defer close(done)
		result <- host.Mount(m.config.MountPoint, m.options())
	}()

	select {
	case ok := <-result:
		if !ok {
			return fmt.Errorf("failed to mount filesystem at %s", m.config.MountPoint)
		}
		return fmt.Errorf("filesystem at %s exited immediately", m.config.MountPoint)
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	case <-time.After(mountSettle):
	}

	m.host = host
	m.done = done
	m.mounted = true
	m.logger.Info("mounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

func (m *CgoFuseMountManager) options() []string {
	timeout := strconv.FormatFloat(m.filesystem.engine.FileInfoTimeout().Seconds(), 'f', -1, 64)
	opts := []string{
		"-o", "fsname=" + m.config.VolumeLabel,
		"-o", "attr_timeout=" + timeout,
		"-o", "entry_timeout=" + timeout,
	}
	switch runtime.GOOS {
	case "windows":
		opts = append(opts,
			"-o", "FileSystemName=NTFS",
			"-o", "volname="+m.config.VolumeLabel,
			"-o", "uid=-1", "-o", "gid=-1")
	case "darwin":
		opts = append(opts, "-o", "volname="+m.config.VolumeLabel)
	default:
		opts = append(opts, "-o", "subtype=ftps")
	}
	if m.config.AllowOther && runtime.GOOS != "windows" {
		opts = append(opts, "-o", "allow_other")
	}
	if m.config.Debug {
		opts = append(opts, "-d")
	}
	return opts
}

// Unmount unmounts the filesystem and waits for the host to exit.
func (m *CgoFuseMountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if !m.host.Unmount() {
		return fmt.Errorf("unmount of %s failed", m.config.MountPoint)
	}
	<-m.done

	m.mounted = false
	m.host = nil
	m.logger.Info("unmounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point
func (m *CgoFuseMountManager) MountPoint() string {
	return m.config.MountPoint
}

// CleanStaleMount is a no-op for cgofuse hosts. WinFsp releases a dead
// process's mount point itself.
func CleanStaleMount(mountPoint string, logger *zap.Logger) {
	if logger != nil {
		logger.Debug("stale mount check skipped", zap.String("mount_point", mountPoint))
	}
}
