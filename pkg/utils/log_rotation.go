package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the active log file.
	Filename string

	// MaxSizeMB rotates the file before it grows past this size. Zero
	// disables size-based rotation.
	MaxSizeMB int

	// MaxFiles is the number of files kept, the active one included.
	// Zero keeps every backup.
	MaxFiles int

	// Daily also rotates when the calendar day changes.
	Daily bool

	// Compress gzips rotated files.
	Compress bool

	Now func() time.Time
}

// LogRotator is a size and day rotated log file. It implements
// zapcore.WriteSyncer.
type LogRotator struct {
	mu sync.Mutex

	config   RotationConfig
	file     *os.File
	size     int64
	openTime time.Time
}

var _ zapcore.WriteSyncer = (*LogRotator)(nil)

// NewLogRotator opens (or creates) the log file.
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	lr := &LogRotator{config: config}
	if err := lr.openFile(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (n int, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.shouldRotate(int64(len(p))) {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err = lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Sync flushes the log file
func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file != nil {
		return lr.file.Sync()
	}
	return nil
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file != nil {
		err := lr.file.Close()
		lr.file = nil
		return err
	}
	return nil
}

// Rotate forces an immediate rotation.
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) shouldRotate(writeSize int64) bool {
	// An empty file is never rotated, however large the write.
	if lr.size == 0 {
		return false
	}
	if lr.config.MaxSizeMB > 0 && lr.size+writeSize > int64(lr.config.MaxSizeMB)*1024*1024 {
		return true
	}
	if lr.config.Daily {
		y1, m1, d1 := lr.openTime.Date()
		y2, m2, d2 := lr.config.Now().Date()
		return y1 != y2 || m1 != m2 || d1 != d2
	}
	return false
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backup := lr.backupFilename(lr.config.Now())
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// Compression and cleanup failures must not stop logging.
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backup, err)
		}
	}
	if err := lr.cleanupOldBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to clean up old log files: %v\n", err)
	}

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0o750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	lr.openTime = lr.config.Now()
	return nil
}

// backupFilename turns ftpsdrive.log into ftpsdrive-2006-01-02T15-04-05.000.log.
func (lr *LogRotator) backupFilename(t time.Time) string {
	dir, prefix, ext := lr.nameParts()
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, t.Format("2006-01-02T15-04-05.000"), ext))
}

func (lr *LogRotator) nameParts() (dir, prefix, ext string) {
	dir = filepath.Dir(lr.config.Filename)
	base := filepath.Base(lr.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

func (lr *LogRotator) cleanupOldBackups() error {
	if lr.config.MaxFiles <= 0 {
		return nil
	}

	backups, err := lr.backups()
	if err != nil {
		return err
	}
	keep := lr.config.MaxFiles - 1
	if len(backups) <= keep {
		return nil
	}

	// Backup names sort chronologically.
	sort.Strings(backups)
	dir, _, _ := lr.nameParts()
	for _, name := range backups[:len(backups)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove old log file %s: %v\n", name, err)
		}
	}
	return nil
}

// backups lists rotated files, compressed or not.
func (lr *LogRotator) backups() ([]string, error) {
	dir, prefix, ext := lr.nameParts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, name)
		}
	}
	return names, nil
}
