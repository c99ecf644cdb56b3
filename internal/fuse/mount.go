//go:build !cgofuse

package fuse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const mountsFile = "/proc/mounts"

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewHost creates the go-fuse mount manager for engine.
func NewHost(engine *filesystem.FileSystem, config *MountConfig, logger *zap.Logger, metrics types.MetricsCollector) Host {
	config = config.withDefaults()
	return NewMountManager(NewFileSystem(engine, config.Permissions, logger, metrics), config, logger)
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, logger *zap.Logger) *MountManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config.withDefaults(),
		logger:     logger.Named("mount"),
	}
}

// Mount mounts the filesystem at the configured mount point and serves it in
// the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.logger.Info("fuse server stopped", zap.String("mount_point", m.config.MountPoint))

		m.mu.Lock()
		if m.server == server {
			m.mounted = false
			m.server = nil
		}
		m.mu.Unlock()
	}()

	return nil
}

// Unmount unmounts the filesystem, forcing it when a regular unmount fails.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("unmounting", zap.String("mount_point", m.config.MountPoint))
	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("unmount failed, forcing", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the configured mount point
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server exits.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()

	if server != nil {
		server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	return validateMountPoint(m.config.MountPoint, mountsFile, m.logger)
}

func validateMountPoint(mountPoint, mounts string, logger *zap.Logger) error {
	if mountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(mountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", mountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", mountPoint)
	}

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		logger.Warn("mount point is not empty", zap.String("mount_point", mountPoint))
	}

	if isMounted(mountPoint, mounts) {
		return fmt.Errorf("mount point %s is already mounted", mountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	timeout := m.filesystem.engine.FileInfoTimeout()
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.config.VolumeLabel,
			FsName:      m.config.VolumeLabel,
			DirectMount: true,
			Debug:       m.config.Debug,
			AllowOther:  m.config.AllowOther,
			MaxWrite:    m.config.MaxWrite,
		},
		AttrTimeout:  &timeout,
		EntryTimeout: &timeout,
		UID:          m.config.Permissions.UID,
		GID:          m.config.Permissions.GID,
	}
	if m.config.Debug {
		opts.MountOptions.Logger = zap.NewStdLog(m.logger.Named("server"))
	}
	opts.Options = append(opts.Options, "subtype=ftps")
	return opts
}

// isMounted reports whether mountPoint appears as a mount target in the
// mounts table at path mounts. An unreadable table counts as not mounted.
func isMounted(mountPoint, mounts string) bool {
	f, err := os.Open(mounts)
	if err != nil {
		return false
	}
	defer f.Close()
	return mountTableContains(f, mountPoint)
}

func mountTableContains(r io.Reader, mountPoint string) bool {
	target := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if unescapeMountField(fields[1]) == target {
			return true
		}
	}
	return false
}

// unescapeMountField decodes the octal escapes of the mounts table.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	r := strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)
	return r.Replace(s)
}

func (m *MountManager) forceUnmount() error {
	return unix.Unmount(m.config.MountPoint, unix.MNT_FORCE)
}

// CleanStaleMount unmounts a mount point left behind by a process that died
// without unmounting. Failures are logged and mounting proceeds regardless.
func CleanStaleMount(mountPoint string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_, statErr := os.Stat(mountPoint)
	stale := errors.Is(statErr, syscall.ENOTCONN)
	if !stale && !isMounted(mountPoint, mountsFile) {
		return
	}

	logger.Warn("stale mount detected, attempting cleanup", zap.String("mount_point", mountPoint))
	if err := unix.Unmount(mountPoint, unix.MNT_FORCE); err != nil {
		logger.Warn("stale mount cleanup failed, continuing anyway",
			zap.String("mount_point", mountPoint), zap.Error(err))
	}
}
