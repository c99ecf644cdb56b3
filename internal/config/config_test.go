package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

const sampleYAML = `
global:
  log_level: debug
  buffer_memory: 256MB
servers:
  - id: main
    name: Main
    enabled: true
    connection:
      host: ftp.example.org
      username: alice
    mount:
      mount_point: /mnt/main
      auto_mount: true
    cache:
      ttl: 10s
    notifications:
      enabled: true
      watch_path: /recent
      excluded_categories: [PRE]
`

func TestNewDefault(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	assert.Equal(t, "INFO", cfg.Global.LogLevel)
	assert.Equal(t, DefaultLogMaxSizeMB, cfg.Global.LogMaxSizeMB)
	assert.Equal(t, DefaultLogMaxFiles, cfg.Global.LogMaxFiles)
	assert.Empty(t, cfg.Servers)
	require.NoError(t, cfg.Validate())
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	s := NewServer("x")
	assert.True(t, s.Enabled)
	assert.True(t, s.Mount.AutoMount)
	assert.True(t, s.TLS.PreferTLS12)
	assert.Equal(t, 21, s.Connection.Port)
	assert.Equal(t, "/", s.Connection.RootPath)
	assert.Equal(t, 30*time.Second, s.Cache.TTL)
	assert.Equal(t, 500, s.Cache.MaxEntries)
	assert.Equal(t, 3, s.Pool.Size)
	assert.Equal(t, 5*time.Second, s.Pool.ReconnectInitial)
	assert.Equal(t, DefaultBorrowTimeout, s.Pool.BorrowTimeout)
	assert.Equal(t, DefaultRetryAttempts, s.Pool.RetryAttempts)
	assert.Equal(t, 120*time.Second, s.Pool.ReconnectMax)
	assert.Equal(t, "trusted_certs.json", s.TLS.FingerprintFile)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "DEBUG", cfg.Global.LogLevel)
	require.Len(t, cfg.Servers, 1)
	s := cfg.Servers[0]
	assert.Equal(t, 21, s.Connection.Port)
	assert.Equal(t, 10*time.Second, s.Cache.TTL)
	assert.Equal(t, 500, s.Cache.MaxEntries)
	assert.Equal(t, []string{"PRE"}, s.Notifications.ExcludedCategories)
	assert.Equal(t, DefaultPollInterval, s.Notifications.PollInterval)

	n, err := cfg.BufferMemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024*1024), n)

	got, ok := cfg.Server("main")
	require.True(t, ok)
	assert.Equal(t, "Main", got.Name)
	_, ok = cfg.Server("other")
	assert.False(t, ok)
}

func TestLoadFromFile_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := NewDefault()
	assert.ErrorContains(t, cfg.LoadFromFile(filepath.Join(dir, "missing.yaml")), "failed to read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("servers: [\n"), 0600))
	assert.ErrorContains(t, cfg.LoadFromFile(bad), "failed to parse config file")
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg := NewDefault()
	s := NewServer("Main")
	s.Connection.Host = "ftp.example.org"
	s.Connection.Username = "alice"
	s.Mount.MountPoint = "/mnt/main"
	cfg.Servers = append(cfg.Servers, s)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded := NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, cfg.Servers, loaded.Servers)
}

func TestLoadFromEnv(t *testing.T) {
	cfg := NewDefault()
	cfg.Servers = []ServerConfig{NewServer("a"), NewServer("b")}

	t.Setenv("FTPSDRIVE_LOG_LEVEL", "warn")
	t.Setenv("FTPSDRIVE_METRICS_PORT", "9200")
	t.Setenv("FTPSDRIVE_POOL_SIZE", "5")
	t.Setenv("FTPSDRIVE_CACHE_TTL", "45s")
	t.Setenv("FTPSDRIVE_API_ADDRESS", "127.0.0.1:9300")
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "WARN", cfg.Global.LogLevel)
	assert.Equal(t, 9200, cfg.Global.MetricsPort)
	assert.True(t, cfg.Global.MetricsEnable)
	assert.Equal(t, "127.0.0.1:9300", cfg.Global.APIAddress)
	for _, s := range cfg.Servers {
		assert.Equal(t, 5, s.Pool.Size)
		assert.Equal(t, 45*time.Second, s.Cache.TTL)
	}

	t.Setenv("FTPSDRIVE_CACHE_TTL", "soon")
	assert.ErrorContains(t, cfg.LoadFromEnv(), "FTPSDRIVE_CACHE_TTL")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Configuration {
		cfg := NewDefault()
		s := NewServer("Main")
		s.ID = "main"
		s.Connection.Host = "ftp.example.org"
		s.Connection.Username = "alice"
		s.Mount.MountPoint = "/mnt/main"
		cfg.Servers = []ServerConfig{s}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Configuration)
		want   string
	}{
		{"valid", func(*Configuration) {}, ""},
		{"missing host", func(c *Configuration) { c.Servers[0].Connection.Host = "" }, "Host"},
		{"port out of range", func(c *Configuration) { c.Servers[0].Connection.Port = 70000 }, "Port"},
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "LOUD" }, "LogLevel"},
		{"zero pool", func(c *Configuration) { c.Servers[0].Pool.Size = 0 }, "Size"},
		{"watch path required", func(c *Configuration) { c.Servers[0].Notifications.Enabled = true }, "WatchPath"},
		{"bad proxy", func(c *Configuration) { c.Servers[0].Connection.Proxy.Address = "nope" }, "Address"},
		{"bad api address", func(c *Configuration) { c.Global.APIAddress = "everywhere" }, "APIAddress"},
		{"duplicate id", func(c *Configuration) {
			s := c.Servers[0]
			s.Mount.MountPoint = "/mnt/other"
			c.Servers = append(c.Servers, s)
		}, "duplicate id"},
		{"duplicate mount point", func(c *Configuration) {
			s := c.Servers[0]
			s.ID = "other"
			s.Mount.MountPoint = "/mnt/main/"
			c.Servers = append(c.Servers, s)
		}, "already used"},
		{"shrinking backoff", func(c *Configuration) { c.Servers[0].Pool.ReconnectMax = time.Second }, "reconnect_max"},
		{"relative root", func(c *Configuration) { c.Servers[0].Connection.RootPath = "pub" }, "root_path"},
		{"bad buffer memory", func(c *Configuration) { c.Global.BufferMemory = "lots" }, "buffer_memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
		})
	}
}

func TestPassword(t *testing.T) {
	server := NewServer("Main")
	server.Connection.Host = "ftp.example.org"
	server.Connection.Username = "alice"

	assert.Equal(t, "FTPSDRIVE_PASSWORD_FTP_EXAMPLE_ORG_21_ALICE", CredentialKey("ftp.example.org", 21, "alice"))

	t.Run("missing", func(t *testing.T) {
		_, err := Password(server)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodeCredentialsMissing))
	})

	t.Run("password file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pw")
		require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0600))
		s := server
		s.Connection.PasswordFile = path
		pw, err := Password(s)
		require.NoError(t, err)
		assert.Equal(t, "from-file", pw)
	})

	t.Run("generic env beats file", func(t *testing.T) {
		t.Setenv("FTPSDRIVE_PASSWORD", "generic")
		s := server
		s.Connection.PasswordFile = "/does/not/exist"
		pw, err := Password(s)
		require.NoError(t, err)
		assert.Equal(t, "generic", pw)
	})

	t.Run("specific env beats generic", func(t *testing.T) {
		t.Setenv("FTPSDRIVE_PASSWORD", "generic")
		t.Setenv("FTPSDRIVE_PASSWORD_FTP_EXAMPLE_ORG_21_ALICE", "specific")
		pw, err := Password(server)
		require.NoError(t, err)
		assert.Equal(t, "specific", pw)
	})
}
