package fuse

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/pkg/status"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const (
	blockSize = 4096
	nameMax   = 255

	// POSIX rename(2) flags forwarded by the kernel.
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint  string      `yaml:"mount_point"`
	VolumeLabel string      `yaml:"volume_label"`
	AllowOther  bool        `yaml:"allow_other"`
	Debug       bool        `yaml:"debug"`
	MaxWrite    int         `yaml:"max_write"`
	Permissions Permissions `yaml:"permissions"`
}

// Permissions contains the ownership and mode bits reported for every node.
// The remote has no notion of either.
type Permissions struct {
	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// DefaultPermissions reports files and directories as owned by the current
// user.
func DefaultPermissions() Permissions {
	return Permissions{
		UID:      safeIntToUint32(os.Getuid()),
		GID:      safeIntToUint32(os.Getgid()),
		FileMode: 0644,
		DirMode:  0755,
	}
}

func (c *MountConfig) withDefaults() *MountConfig {
	out := MountConfig{}
	if c != nil {
		out = *c
	}
	if out.VolumeLabel == "" {
		out.VolumeLabel = "ftpsdrive"
	}
	if out.MaxWrite <= 0 {
		out.MaxWrite = 128 * 1024
	}
	if out.Permissions == (Permissions{}) {
		out.Permissions = DefaultPermissions()
	}
	return &out
}

// Host is a mounted or mountable filesystem.
type Host interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	MountPoint() string
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if uint64(i) > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// recorder reports callback outcomes to the metrics collector and logs
// failures at debug level.
type recorder struct {
	metrics types.MetricsCollector
	logger  *zap.Logger
}

func newRecorder(metrics types.MetricsCollector, logger *zap.Logger) recorder {
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return recorder{metrics: metrics, logger: logger.Named("fuse")}
}

func (r recorder) record(op, name string, start time.Time, size int, st status.Code) {
	ok := st == status.Success || st == status.EndOfFile
	r.metrics.RecordOperation(op, time.Since(start), int64(size), ok)
	if !ok {
		r.logger.Debug(op+" failed", zap.String("path", name), zap.Stringer("status", st))
	}
}

// mode returns the permission bits for info.
func (p Permissions) mode(info filesystem.FileInfo) uint32 {
	if info.IsDir() {
		return p.DirMode
	}
	return p.FileMode
}
