//go:build !cgofuse

package fuse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleMounts = `sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0
proc /proc proc rw,nosuid,nodev,noexec,relatime 0 0
ftpsdrive /mnt/releases fuse.ftps rw,nosuid,nodev,relatime,user_id=1000,group_id=1000 0 0
ftpsdrive /mnt/with\040space fuse.ftps rw 0 0
`

func TestMountTableContains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mountPoint string
		want       bool
	}{
		{"/mnt/releases", true},
		{"/mnt/releases/", true},
		{"/mnt/with space", true},
		{"/mnt", false},
		{"/mnt/releases2", false},
		{"fuse.ftps", false},
	}
	for _, tt := range tests {
		t.Run(tt.mountPoint, func(t *testing.T) {
			assert.Equal(t, tt.want, mountTableContains(strings.NewReader(sampleMounts), tt.mountPoint))
		})
	}
}

func TestValidateMountPoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mounts := filepath.Join(dir, "mounts")
	require.NoError(t, os.WriteFile(mounts, []byte(sampleMounts), 0o600))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.Mkdir(empty, 0o755))
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	logger := zap.NewNop()
	assert.NoError(t, validateMountPoint(empty, mounts, logger))
	assert.NoError(t, validateMountPoint(empty, filepath.Join(dir, "no-such-table"), logger))
	assert.NoError(t, validateMountPoint(dir, mounts, logger), "non-empty directory only warns")

	assert.ErrorContains(t, validateMountPoint("", mounts, logger), "cannot be empty")
	assert.ErrorContains(t, validateMountPoint(filepath.Join(dir, "missing"), mounts, logger), "does not exist")
	assert.ErrorContains(t, validateMountPoint(file, mounts, logger), "not a directory")

	busy := filepath.Join(dir, "busy")
	require.NoError(t, os.Mkdir(busy, 0o755))
	require.NoError(t, os.WriteFile(mounts, []byte("ftpsdrive "+busy+" fuse.ftps rw 0 0\n"), 0o600))
	assert.ErrorContains(t, validateMountPoint(busy, mounts, logger), "already mounted")
}

func TestMountManager_UnmountWhenNotMounted(t *testing.T) {
	t.Parallel()

	f := newTestFileSystem(t, newTreeRemote())
	m := NewMountManager(f, &MountConfig{MountPoint: "/mnt/x"}, nil)

	assert.False(t, m.IsMounted())
	assert.Equal(t, "/mnt/x", m.MountPoint())
	assert.Error(t, m.Unmount())

	opts := m.buildFUSEOptions()
	assert.Equal(t, "ftpsdrive", opts.FsName)
	assert.Contains(t, opts.Options, "subtype=ftps")
	require.NotNil(t, opts.AttrTimeout)
	assert.Equal(t, f.engine.FileInfoTimeout(), *opts.AttrTimeout)
}
