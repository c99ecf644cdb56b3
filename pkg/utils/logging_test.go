package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// syncBuffer is a goroutine-safe console sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"DEBUG", zapcore.DebugLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"", zapcore.InfoLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"Warning", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_Console(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	log, err := NewLogger(LoggingConfig{Level: "INFO", Format: "console", Output: out})
	require.NoError(t, err)
	defer log.Close()

	log.Debug("hidden")
	log.Named("pool").Info("connection opened", zap.String("server", "main"))

	s := out.String()
	assert.NotContains(t, s, "hidden")
	assert.Contains(t, s, "INFO")
	assert.Contains(t, s, "pool")
	assert.Contains(t, s, "connection opened")
	assert.Contains(t, s, `"server": "main"`)
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	log, err := NewLogger(LoggingConfig{Level: "DEBUG", Format: "json", Output: out})
	require.NoError(t, err)

	log.Debug("listing", zap.String("dir", "/pub"))
	require.NoError(t, log.Close())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "listing", entry["msg"])
	assert.Equal(t, "/pub", entry["dir"])
}

func TestNewLogger_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewLogger(LoggingConfig{Level: "LOUD"})
	assert.ErrorContains(t, err, "invalid log level")

	_, err = NewLogger(LoggingConfig{Format: "xml"})
	assert.ErrorContains(t, err, "invalid log format")
}

func TestLogger_SetLevel(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	log, err := NewLogger(LoggingConfig{Level: "WARN", Output: out})
	require.NoError(t, err)
	child := log.Named("engine")

	child.Info("before")
	require.NoError(t, log.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
	child.Debug("after")

	assert.NotContains(t, out.String(), "before")
	assert.Contains(t, out.String(), "after", "derived loggers follow the level")

	assert.Error(t, log.SetLevel("chatty"))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
}

func TestNewLogger_File(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "logs", "ftpsdrive.log")
	out := &syncBuffer{}
	log, err := NewLogger(LoggingConfig{File: file, MaxSizeMB: 10, MaxFiles: 3, Output: out})
	require.NoError(t, err)

	log.Warn("server unreachable")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "server unreachable")
	assert.Contains(t, out.String(), "server unreachable", "console still receives entries")
}

func TestParseBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512B", 512, false},
		{"64K", 64 << 10, false},
		{"64kb", 64 << 10, false},
		{"256MB", 256 << 20, false},
		{"1.5G", 3 << 29, false},
		{" 2 TB ", 2 << 40, false},
		{"", 0, true},
		{"lots", 0, true},
		{"12abc", 0, true},
		{"-1M", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "999 B", FormatBytes(999))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(3<<19))
	assert.Equal(t, "2.0 GB", FormatBytes(2<<30))
}
