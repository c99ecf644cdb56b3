// Package mount ties one configured server to a local mount point and keeps
// several of them running side by side.
package mount

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/buffer"
	"github.com/ftpsdrive/ftpsdrive/internal/cache"
	"github.com/ftpsdrive/ftpsdrive/internal/config"
	"github.com/ftpsdrive/ftpsdrive/internal/filesystem"
	"github.com/ftpsdrive/ftpsdrive/internal/fuse"
	"github.com/ftpsdrive/ftpsdrive/internal/health"
	"github.com/ftpsdrive/ftpsdrive/internal/releases"
	"github.com/ftpsdrive/ftpsdrive/internal/storage/ftp"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// State is the lifecycle state of a Service.
type State int

const (
	StateUnmounted State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// HostFactory builds the host adapter that serves an engine at a mount point.
type HostFactory func(engine *filesystem.FileSystem, cfg *fuse.MountConfig, logger *zap.Logger, metrics types.MetricsCollector) fuse.Host

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Server config.ServerConfig

	// BufferMemory bounds the memory held by open file images. Zero means
	// unbounded.
	BufferMemory int64

	Metrics types.MetricsCollector
	Logger  *zap.Logger

	// Dialer replaces the FTPS dialer built from Server.
	Dialer ftp.Dialer
	// Credentials resolves the password. Defaults to config.Password.
	Credentials func(config.ServerConfig) (string, error)
	// NewHost defaults to fuse.NewHost.
	NewHost HostFactory
	// CleanStaleMount defaults to fuse.CleanStaleMount.
	CleanStaleMount func(mountPoint string, logger *zap.Logger)
}

// ServiceStats is a point-in-time view of a mounted server.
type ServiceStats struct {
	State  State               `json:"state"`
	Pool   types.PoolStats     `json:"pool"`
	Cache  types.CacheStats    `json:"cache"`
	Health health.MonitorStats `json:"health"`
}

// Service mounts one server. Mount builds, bottom up, the pool, the remote
// operations, the directory cache, the engine and the host, then starts the
// health and release monitors. Unmount tears them down in reverse.
type Service struct {
	config ServiceConfig
	logger *zap.Logger

	stateMu       sync.RWMutex
	state         State
	onStateChange func(State)
	onNewRelease  func(releases.Release)

	mu             sync.Mutex
	mounted        bool
	pool           *ftp.Pool
	ops            *ftp.Operations
	cache          *cache.DirectoryCache
	engine         *filesystem.FileSystem
	host           fuse.Host
	monitor        *health.Monitor
	releaseMonitor *releases.Monitor
	searcher       *releases.Searcher
}

// NewService creates an unmounted service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = config.Password
	}
	if cfg.NewHost == nil {
		cfg.NewHost = fuse.NewHost
	}
	if cfg.CleanStaleMount == nil {
		cfg.CleanStaleMount = fuse.CleanStaleMount
	}
	return &Service{
		config: cfg,
		logger: cfg.Logger.With(zap.String("server", cfg.Server.Name)),
	}
}

// OnStateChange registers the state-change callback. It runs synchronously on
// the goroutine that changed the state.
func (s *Service) OnStateChange(fn func(State)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.onStateChange = fn
}

// OnNewRelease registers the callback for releases found by the release
// monitor.
func (s *Service) OnNewRelease(fn func(releases.Release)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.onNewRelease = fn
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Server returns the server configuration the service was built from.
func (s *Service) Server() config.ServerConfig {
	return s.config.Server
}

func (s *Service) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	fn := s.onStateChange
	s.stateMu.Unlock()

	s.logger.Debug("state changed", zap.Stringer("state", state))
	if fn != nil {
		fn(state)
	}
}

func (s *Service) emitRelease(r releases.Release) {
	s.stateMu.RLock()
	fn := s.onNewRelease
	s.stateMu.RUnlock()
	if fn != nil {
		fn(r)
	}
}

// Mount connects to the server and mounts it. Mounting an already mounted
// service does nothing. On failure the state becomes StateError, everything
// built so far is released and the error is returned.
func (s *Service) Mount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mounted {
		return nil
	}

	server := s.config.Server
	s.config.CleanStaleMount(server.Mount.MountPoint, s.logger)
	s.setState(StateConnecting)

	if err := s.mount(ctx); err != nil {
		s.logger.Error("mount failed", zap.Error(err))
		s.setState(StateError)
		s.cleanup()
		return errors.Wrap(errors.ErrCodeMountFailed, "mount failed", err).
			WithComponent("mount").
			WithOperation("Mount").
			WithServer(server.Name)
	}

	s.mounted = true
	s.setState(StateConnected)
	s.logger.Info("mounted",
		zap.String("mount_point", server.Mount.MountPoint),
		zap.Bool("cpsv", s.pool.UseCPSV()))
	return nil
}

func (s *Service) mount(ctx context.Context) error {
	server := s.config.Server

	dialer, err := s.dialer()
	if err != nil {
		return err
	}

	s.pool = ftp.NewPool(ftp.PoolConfig{
		Size:          server.Pool.Size,
		Dialer:        dialer,
		BorrowTimeout: server.Pool.BorrowTimeout,
		Metrics:       s.config.Metrics,
		Logger:        s.logger,
	})
	if err := s.pool.Initialize(ctx); err != nil {
		return err
	}

	s.ops = ftp.NewOperations(ftp.OperationsConfig{
		Pool:          s.pool,
		RetryAttempts: server.Pool.RetryAttempts,
		Metrics:       s.config.Metrics,
		Logger:        s.logger,
	})
	s.cache = cache.NewDirectoryCache(&cache.DirectoryConfig{
		TTL:        server.Cache.TTL,
		MaxEntries: server.Cache.MaxEntries,
	}, s.config.Metrics)

	s.engine, err = filesystem.New(filesystem.Config{
		Remote:          s.ops,
		Cache:           s.cache,
		Buffers:         buffer.NewManager(&buffer.ManagerConfig{MaxMemory: s.config.BufferMemory}),
		RootPath:        server.Connection.RootPath,
		VolumeLabel:     server.Mount.VolumeLabel,
		ListTimeout:     server.Cache.ListTimeout,
		FileInfoTimeout: server.Cache.FileInfoTimeout,
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}

	s.host = s.config.NewHost(s.engine, &fuse.MountConfig{
		MountPoint:  server.Mount.MountPoint,
		VolumeLabel: server.Mount.VolumeLabel,
		AllowOther:  server.Mount.AllowOther,
		Debug:       server.Mount.Debug,
	}, s.logger, s.config.Metrics)
	if err := s.host.Mount(ctx); err != nil {
		s.host = nil
		return err
	}

	// Monitors outlive the caller's context.
	background := context.WithoutCancel(ctx)

	ops := s.ops
	s.monitor = health.NewMonitor(s.pool, health.MonitorConfig{
		KeepaliveInterval: server.Pool.Keepalive,
		ReconnectInitial:  server.Pool.ReconnectInitial,
		ReconnectMax:      server.Pool.ReconnectMax,
		OnLost:            func(error) { s.setState(StateReconnecting) },
		OnRestored: func() {
			ops.Breaker().Reset()
			s.setState(StateConnected)
		},
		Logger:  s.logger,
		Metrics: s.config.Metrics,
	})
	if err := s.monitor.Start(background); err != nil {
		return err
	}

	notif := server.Notifications
	if notif.WatchPath != "" {
		s.searcher = releases.NewSearcher(s.ops, notif.WatchPath, server.Pool.Size, s.logger)
	}
	if notif.Enabled && notif.WatchPath != "" {
		s.releaseMonitor = releases.NewMonitor(s.ops, releases.MonitorConfig{
			WatchPath:          notif.WatchPath,
			PollInterval:       notif.PollInterval,
			ExcludedCategories: notif.ExcludedCategories,
			Connected:          func() bool { return s.State() == StateConnected },
			OnNewRelease:       s.emitRelease,
			Logger:             s.logger,
		})
		if err := s.releaseMonitor.Start(background); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) dialer() (ftp.Dialer, error) {
	if s.config.Dialer != nil {
		return s.config.Dialer, nil
	}

	server := s.config.Server
	password, err := s.config.Credentials(server)
	if err != nil {
		return nil, err
	}

	opts := ftp.Options{
		Host:               server.Connection.Host,
		Port:               server.Connection.Port,
		Username:           server.Connection.Username,
		Password:           password,
		ExplicitTLS:        server.TLS.Explicit,
		PreferTLS12:        server.TLS.PreferTLS12,
		InsecureSkipVerify: server.TLS.InsecureSkipVerify,
		ConnectTimeout:     server.Connection.ConnectTimeout,
		ReadTimeout:        server.Connection.ReadTimeout,
		Logger:             s.logger,
	}
	if server.TLS.Explicit && !server.TLS.InsecureSkipVerify && server.TLS.FingerprintFile != "" {
		trust, err := ftp.LoadTrustStore(server.TLS.FingerprintFile, s.logger)
		if err != nil {
			return nil, err
		}
		opts.Trust = trust
	}
	if server.Connection.Proxy.Address != "" {
		opts.Proxy = &ftp.ProxyOptions{
			Address:  server.Connection.Proxy.Address,
			Username: server.Connection.Proxy.Username,
			Password: config.ProxyPassword(),
		}
	}
	return ftp.ClientDialer(opts), nil
}

// Unmount stops the monitors, unmounts the host and closes every connection.
// Unmounting a service that is not mounted does nothing.
func (s *Service) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mounted {
		return nil
	}

	s.logger.Info("unmounting", zap.String("mount_point", s.config.Server.Mount.MountPoint))
	s.cleanup()
	s.mounted = false
	s.setState(StateUnmounted)
	return nil
}

// cleanup releases whatever mount built, in reverse order. Host unmount
// errors are logged; the rest of the teardown still runs.
func (s *Service) cleanup() {
	if s.releaseMonitor != nil {
		s.releaseMonitor.Stop()
		s.releaseMonitor = nil
	}
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.host != nil {
		if s.host.IsMounted() {
			if err := s.host.Unmount(); err != nil {
				s.logger.Warn("unmount error", zap.Error(err))
			}
		}
		s.host = nil
	}
	if s.engine != nil {
		s.engine.Shutdown()
		s.engine = nil
	}
	s.searcher = nil
	s.cache = nil
	s.ops = nil
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Debug("pool close error", zap.Error(err))
		}
		s.pool = nil
	}
}

// RefreshCache drops every cached directory listing.
func (s *Service) RefreshCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		s.cache.Clear()
		s.logger.Info("directory cache cleared")
	}
}

// Search finds releases by name under the configured watch path.
func (s *Service) Search(ctx context.Context, keyword string) ([]releases.SearchResult, error) {
	s.mu.Lock()
	searcher := s.searcher
	s.mu.Unlock()

	if searcher == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidState,
			fmt.Sprintf("server %q is not mounted or has no watch path", s.config.Server.Name)).
			WithComponent("mount").
			WithOperation("Search")
	}
	return searcher.Search(ctx, keyword)
}

// Stats returns a snapshot of the pool, cache and health monitor.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ServiceStats{State: s.State()}
	if s.pool != nil {
		stats.Pool = s.pool.Stats()
	}
	if s.cache != nil {
		stats.Cache = s.cache.Stats()
	}
	if s.monitor != nil {
		stats.Health = s.monitor.Stats()
	}
	return stats
}
