package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ftpsdrive/ftpsdrive/pkg/utils"
)

// Configuration represents the complete ftpsdrive configuration
type Configuration struct {
	Global  GlobalConfig   `yaml:"global"`
	Servers []ServerConfig `yaml:"servers" validate:"dive"`
}

// GlobalConfig holds process-wide settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFormat     string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb" validate:"gte=0"`
	LogMaxFiles   int    `yaml:"log_max_files" validate:"gte=0"`
	MetricsEnable bool   `yaml:"metrics_enabled"`
	MetricsPort   int    `yaml:"metrics_port" validate:"gte=0,lte=65535"`

	// APIAddress is where the local control API listens, e.g.
	// "127.0.0.1:9109". Empty disables it.
	APIAddress string `yaml:"api_address" validate:"omitempty,hostname_port"`

	// BufferMemory bounds the memory held by open file images, e.g. "512MB".
	// Empty means unbounded.
	BufferMemory string `yaml:"buffer_memory"`
}

// ServerConfig describes one remote and where it is mounted
type ServerConfig struct {
	ID            string              `yaml:"id"`
	Name          string              `yaml:"name" validate:"required"`
	Enabled       bool                `yaml:"enabled"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Mount         MountConfig         `yaml:"mount"`
	TLS           TLSConfig           `yaml:"tls"`
	Cache         CacheConfig         `yaml:"cache"`
	Pool          PoolConfig          `yaml:"pool"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ConnectionConfig represents the control connection settings
type ConnectionConfig struct {
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	Username       string        `yaml:"username" validate:"required"`
	RootPath       string        `yaml:"root_path"`
	PasswordFile   string        `yaml:"password_file"`
	Proxy          ProxyConfig   `yaml:"proxy"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gte=0"`
}

// ProxyConfig is an optional SOCKS5 proxy. The password comes from
// FTPSDRIVE_PROXY_PASSWORD.
type ProxyConfig struct {
	Address  string `yaml:"address" validate:"omitempty,hostname_port"`
	Username string `yaml:"username"`
}

// MountConfig represents where and how the drive appears locally
type MountConfig struct {
	MountPoint  string `yaml:"mount_point" validate:"required"`
	VolumeLabel string `yaml:"volume_label"`
	AutoMount   bool   `yaml:"auto_mount"`
	AllowOther  bool   `yaml:"allow_other"`
	Debug       bool   `yaml:"debug"`
}

// TLSConfig represents the TLS settings of the control and data channels
type TLSConfig struct {
	Explicit           bool   `yaml:"explicit"`
	PreferTLS12        bool   `yaml:"prefer_tls12"`
	FingerprintFile    string `yaml:"fingerprint_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// CacheConfig represents directory cache and host attribute cache settings
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxEntries      int           `yaml:"max_entries" validate:"gt=0"`
	ListTimeout     time.Duration `yaml:"list_timeout" validate:"gte=0"`
	FileInfoTimeout time.Duration `yaml:"file_info_timeout" validate:"gte=0"`
}

// PoolConfig represents connection pool and reconnect settings
type PoolConfig struct {
	Size             int           `yaml:"size" validate:"min=1,max=64"`
	Keepalive        time.Duration `yaml:"keepalive" validate:"gte=0"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" validate:"gte=0"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" validate:"gte=0"`
	BorrowTimeout    time.Duration `yaml:"borrow_timeout" validate:"gte=0"`
	// RetryAttempts is how many times an idempotent read is tried in total.
	RetryAttempts int `yaml:"retry_attempts" validate:"gte=0,lte=10"`
}

// NotificationsConfig represents the new-release monitor settings
type NotificationsConfig struct {
	Enabled            bool          `yaml:"enabled"`
	WatchPath          string        `yaml:"watch_path" validate:"required_if=Enabled true"`
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gte=0"`
	ExcludedCategories []string      `yaml:"excluded_categories,omitempty"`
}

// Defaults applied to server entries by ApplyDefaults.
const (
	DefaultPort             = 21
	DefaultRootPath         = "/"
	DefaultVolumeLabel      = "FTPS"
	DefaultFingerprintFile  = "trusted_certs.json"
	DefaultCacheTTL         = 30 * time.Second
	DefaultCacheMaxEntries  = 500
	DefaultPoolSize         = 3
	DefaultKeepalive        = 30 * time.Second
	DefaultReconnectInitial = 5 * time.Second
	DefaultReconnectMax     = 120 * time.Second
	DefaultBorrowTimeout    = 30 * time.Second
	DefaultRetryAttempts    = 2
	DefaultPollInterval     = 60 * time.Second
	DefaultLogMaxSizeMB     = 10
	DefaultLogMaxFiles      = 3
)

// NewDefault returns a configuration with sensible defaults and no servers
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:     "INFO",
			LogFormat:    "console",
			LogMaxSizeMB: DefaultLogMaxSizeMB,
			LogMaxFiles:  DefaultLogMaxFiles,
			MetricsPort:  9108,
		},
	}
}

// NewServer returns a server entry with every default filled in.
func NewServer(name string) ServerConfig {
	s := ServerConfig{
		Name:    name,
		Enabled: true,
		Mount:   MountConfig{AutoMount: true},
		TLS:     TLSConfig{Explicit: true, PreferTLS12: true},
	}
	s.applyDefaults()
	return s
}

// ApplyDefaults fills zero-valued fields. It is idempotent and runs after
// every load, so a file only needs to name what it changes.
//
// Booleans cannot be told apart from an explicit false, so a server's
// enabled, auto_mount, explicit and prefer_tls12 flags are left as the file
// wrote them.
func (c *Configuration) ApplyDefaults() {
	c.Global.LogLevel = strings.ToUpper(c.Global.LogLevel)
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "INFO"
	}
	if c.Global.LogFormat == "" {
		c.Global.LogFormat = "console"
	}
	if c.Global.LogMaxSizeMB == 0 {
		c.Global.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Global.LogMaxFiles == 0 {
		c.Global.LogMaxFiles = DefaultLogMaxFiles
	}
	for i := range c.Servers {
		c.Servers[i].applyDefaults()
	}
}

func (s *ServerConfig) applyDefaults() {
	if s.Connection.Port == 0 {
		s.Connection.Port = DefaultPort
	}
	if s.Connection.RootPath == "" {
		s.Connection.RootPath = DefaultRootPath
	}
	if s.Mount.VolumeLabel == "" {
		s.Mount.VolumeLabel = DefaultVolumeLabel
	}
	if s.TLS.FingerprintFile == "" {
		s.TLS.FingerprintFile = DefaultFingerprintFile
	}
	if s.Cache.TTL == 0 {
		s.Cache.TTL = DefaultCacheTTL
	}
	if s.Cache.MaxEntries == 0 {
		s.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if s.Pool.Size == 0 {
		s.Pool.Size = DefaultPoolSize
	}
	if s.Pool.Keepalive == 0 {
		s.Pool.Keepalive = DefaultKeepalive
	}
	if s.Pool.ReconnectInitial == 0 {
		s.Pool.ReconnectInitial = DefaultReconnectInitial
	}
	if s.Pool.ReconnectMax == 0 {
		s.Pool.ReconnectMax = DefaultReconnectMax
	}
	if s.Pool.BorrowTimeout == 0 {
		s.Pool.BorrowTimeout = DefaultBorrowTimeout
	}
	if s.Pool.RetryAttempts == 0 {
		s.Pool.RetryAttempts = DefaultRetryAttempts
	}
	if s.Notifications.PollInterval == 0 {
		s.Notifications.PollInterval = DefaultPollInterval
	}
}

// LoadFromFile loads configuration from a YAML file and applies defaults
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	c.ApplyDefaults()
	return nil
}

// LoadFromEnv loads configuration from environment variables. Per-server
// overrides apply to every configured server.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FTPSDRIVE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("FTPSDRIVE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("FTPSDRIVE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("FTPSDRIVE_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid FTPSDRIVE_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
		c.Global.MetricsEnable = true
	}
	if val := os.Getenv("FTPSDRIVE_BUFFER_MEMORY"); val != "" {
		c.Global.BufferMemory = val
	}
	if val := os.Getenv("FTPSDRIVE_API_ADDRESS"); val != "" {
		c.Global.APIAddress = val
	}

	if val := os.Getenv("FTPSDRIVE_POOL_SIZE"); val != "" {
		size, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid FTPSDRIVE_POOL_SIZE: %w", err)
		}
		for i := range c.Servers {
			c.Servers[i].Pool.Size = size
		}
	}
	if val := os.Getenv("FTPSDRIVE_CACHE_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid FTPSDRIVE_CACHE_TTL: %w", err)
		}
		for i := range c.Servers {
			c.Servers[i].Cache.TTL = ttl
		}
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// BufferMemoryBytes parses Global.BufferMemory. Empty means unbounded (0).
func (c *Configuration) BufferMemoryBytes() (int64, error) {
	if c.Global.BufferMemory == "" {
		return 0, nil
	}
	n, err := utils.ParseBytes(c.Global.BufferMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer_memory: %w", err)
	}
	return n, nil
}

// Server returns the server entry with the given ID.
func (c *Configuration) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}
