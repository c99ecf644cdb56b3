package mount

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/config"
	"github.com/ftpsdrive/ftpsdrive/internal/releases"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	BufferMemory int64
	Metrics      types.MetricsCollector
	Logger       *zap.Logger

	// NewService replaces NewService, mainly so tests can swap the host and
	// dialer.
	NewService func(ServiceConfig) *Service
}

// ServerInfo describes one configured server and its mount state.
type ServerInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MountPoint string `json:"mount_point"`
	Enabled    bool   `json:"enabled"`
	State      State  `json:"state"`
}

// Manager mounts the configured servers, each under its own Service keyed by
// server ID.
type Manager struct {
	servers []config.ServerConfig
	config  ManagerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	services map[string]*Service

	eventMu       sync.RWMutex
	onStateChange func(id, name string, state State)
	onNewRelease  func(id, name string, r releases.Release)
}

// NewManager creates a manager for cfg.Servers. Servers without an ID get a
// random one, written back into cfg.
func NewManager(cfg *config.Configuration, mc ManagerConfig) *Manager {
	if mc.Metrics == nil {
		mc.Metrics = types.NopMetrics{}
	}
	if mc.Logger == nil {
		mc.Logger = zap.NewNop()
	}
	if mc.NewService == nil {
		mc.NewService = NewService
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].ID == "" {
			cfg.Servers[i].ID = uuid.NewString()
		}
	}
	return &Manager{
		servers:  cfg.Servers,
		config:   mc,
		logger:   mc.Logger.Named("manager"),
		services: make(map[string]*Service),
	}
}

// OnStateChange registers a callback for state changes of every server.
func (m *Manager) OnStateChange(fn func(id, name string, state State)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onStateChange = fn
}

// OnNewRelease registers a callback for new releases on every server.
func (m *Manager) OnNewRelease(fn func(id, name string, r releases.Release)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.onNewRelease = fn
}

func (m *Manager) server(id string) (config.ServerConfig, bool) {
	for _, s := range m.servers {
		if s.ID == id {
			return s, true
		}
	}
	return config.ServerConfig{}, false
}

// MountServer mounts the server with the given ID. Mounting a server that is
// already mounted logs a warning and returns nil.
func (m *Manager) MountServer(ctx context.Context, id string) error {
	server, ok := m.server(id)
	if !ok {
		m.logger.Warn("server not found", zap.String("server_id", id))
		return errors.NewError(errors.ErrCodeNotFound, "server "+id+" is not configured").
			WithComponent("manager").
			WithOperation("MountServer")
	}

	m.mu.Lock()
	if _, mounted := m.services[id]; mounted {
		m.mu.Unlock()
		m.logger.Warn("server already mounted", zap.String("server", server.Name))
		return nil
	}
	svc := m.config.NewService(ServiceConfig{
		Server:       server,
		BufferMemory: m.config.BufferMemory,
		Metrics:      m.config.Metrics,
		Logger:       m.config.Logger,
	})
	svc.OnStateChange(func(state State) { m.emitState(server.ID, server.Name, state) })
	svc.OnNewRelease(func(r releases.Release) { m.emitRelease(server.ID, server.Name, r) })
	m.services[id] = svc
	m.mu.Unlock()

	if err := svc.Mount(ctx); err != nil {
		m.mu.Lock()
		if m.services[id] == svc {
			delete(m.services, id)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// UnmountServer unmounts the server with the given ID. Unknown or unmounted
// servers are ignored.
func (m *Manager) UnmountServer(id string) error {
	m.mu.Lock()
	svc, ok := m.services[id]
	delete(m.services, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return svc.Unmount()
}

// MountAll mounts every enabled server marked for auto-mount. A failure is
// logged and does not stop the others. It returns how many servers mounted.
func (m *Manager) MountAll(ctx context.Context) int {
	mounted := 0
	for _, s := range m.servers {
		if !s.Enabled || !s.Mount.AutoMount {
			continue
		}
		if err := m.MountServer(ctx, s.ID); err != nil {
			m.logger.Error("failed to mount server",
				zap.String("server", s.Name),
				zap.Error(err))
			continue
		}
		mounted++
	}
	return mounted
}

// UnmountAll unmounts every mounted server.
func (m *Manager) UnmountAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.UnmountServer(id); err != nil {
			m.logger.Warn("failed to unmount server", zap.String("server_id", id), zap.Error(err))
		}
	}
}

// Get returns the service of a mounted server.
func (m *Manager) Get(id string) (*Service, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	return svc, ok
}

// mounted returns the service of a mounted server, or an error naming why
// there is none.
func (m *Manager) mounted(id, op string) (*Service, error) {
	if svc, ok := m.Get(id); ok {
		return svc, nil
	}
	if _, ok := m.server(id); !ok {
		return nil, errors.NewError(errors.ErrCodeNotFound, "server "+id+" is not configured").
			WithComponent("manager").
			WithOperation(op)
	}
	return nil, errors.NewError(errors.ErrCodeInvalidState, "server "+id+" is not mounted").
		WithComponent("manager").
		WithOperation(op)
}

// Stats returns the statistics of a mounted server.
func (m *Manager) Stats(id string) (ServiceStats, error) {
	svc, err := m.mounted(id, "Stats")
	if err != nil {
		return ServiceStats{}, err
	}
	return svc.Stats(), nil
}

// Search runs a release search on a mounted server.
func (m *Manager) Search(ctx context.Context, id, keyword string) ([]releases.SearchResult, error) {
	svc, err := m.mounted(id, "Search")
	if err != nil {
		return nil, err
	}
	return svc.Search(ctx, keyword)
}

// RefreshCache drops the cached listings of a mounted server.
func (m *Manager) RefreshCache(id string) error {
	svc, err := m.mounted(id, "RefreshCache")
	if err != nil {
		return err
	}
	svc.RefreshCache()
	return nil
}

// Mounted returns the IDs of the mounted servers.
func (m *Manager) Mounted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.services))
	for _, s := range m.servers {
		if _, ok := m.services[s.ID]; ok {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Servers lists every configured server in configuration order.
func (m *Manager) Servers() []ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServerInfo, 0, len(m.servers))
	for _, s := range m.servers {
		info := ServerInfo{
			ID:         s.ID,
			Name:       s.Name,
			MountPoint: s.Mount.MountPoint,
			Enabled:    s.Enabled,
			State:      StateUnmounted,
		}
		if svc, ok := m.services[s.ID]; ok {
			info.State = svc.State()
		}
		out = append(out, info)
	}
	return out
}

func (m *Manager) emitState(id, name string, state State) {
	m.eventMu.RLock()
	fn := m.onStateChange
	m.eventMu.RUnlock()
	if fn != nil {
		fn(id, name, state)
	}
}

func (m *Manager) emitRelease(id, name string, r releases.Release) {
	m.eventMu.RLock()
	fn := m.onNewRelease
	m.eventMu.RUnlock()
	if fn != nil {
		fn(id, name, r)
	}
}
