// Package api serves the local control API: server states, mount and
// unmount, cache refresh, release search and recent release notifications.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/mount"
	"github.com/ftpsdrive/ftpsdrive/internal/releases"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// Controller is the part of mount.Manager the API drives.
type Controller interface {
	Servers() []mount.ServerInfo
	MountServer(ctx context.Context, id string) error
	UnmountServer(id string) error
	Stats(id string) (mount.ServiceStats, error)
	Search(ctx context.Context, id, keyword string) ([]releases.SearchResult, error)
	RefreshCache(id string) error
}

var _ Controller = (*mount.Manager)(nil)

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:9109")
	Address string `yaml:"address" json:"address"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// MountTimeout bounds a mount request, which logs in and lists the root.
	MountTimeout time.Duration `yaml:"mount_timeout" json:"mount_timeout"`

	// RecentReleases is how many release notifications GET /releases keeps.
	RecentReleases int `yaml:"recent_releases" json:"recent_releases"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:9109",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MountTimeout:   time.Minute,
		RecentReleases: 100,
	}
}

// ReleaseEvent is one new-release notification.
type ReleaseEvent struct {
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name"`
	Category   string    `json:"category"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Detected   time.Time `json:"detected"`
}

// Server provides HTTP control endpoints
type Server struct {
	controller Controller
	config     ServerConfig
	logger     *zap.Logger
	httpServer *http.Server
	handler    http.Handler

	mu       sync.Mutex
	releases []ReleaseEvent
}

// NewServer creates a new API server
func NewServer(config ServerConfig, controller Controller, logger *zap.Logger) *Server {
	defaults := DefaultServerConfig()
	if config.MountTimeout <= 0 {
		config.MountTimeout = defaults.MountTimeout
	}
	if config.RecentReleases <= 0 {
		config.RecentReleases = defaults.RecentReleases
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		controller: controller,
		config:     config,
		logger:     logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /servers/{id}", s.handleServerStats)
	mux.HandleFunc("POST /servers/{id}/mount", s.handleMount)
	mux.HandleFunc("POST /servers/{id}/unmount", s.handleUnmount)
	mux.HandleFunc("POST /servers/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /servers/{id}/search", s.handleSearch)
	mux.HandleFunc("GET /releases", s.handleReleases)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              config.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ReadTimeout:       config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	s.logger.Info("serving control api", zap.String("address", ln.Addr().String()))
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RecordRelease remembers a release notification. It matches the signature
// of mount.Manager.OnNewRelease.
func (s *Server) RecordRelease(id, name string, r releases.Release) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releases = append(s.releases, ReleaseEvent{
		ServerID:   id,
		ServerName: name,
		Category:   r.Category,
		Name:       r.Name,
		Path:       r.Path,
		Detected:   r.Detected,
	})
	if over := len(s.releases) - s.config.RecentReleases; over > 0 {
		s.releases = append(s.releases[:0:0], s.releases[over:]...)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	servers := s.controller.Servers()

	status := "healthy"
	counts := make(map[string]int)
	for _, info := range servers {
		counts[info.State.String()]++
		switch info.State {
		case mount.StateError:
			status = "unhealthy"
		case mount.StateReconnecting, mount.StateConnecting:
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"servers":   counts,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.controller.Servers()
	out := make([]map[string]interface{}, 0, len(servers))
	for _, info := range servers {
		out = append(out, map[string]interface{}{
			"id":          info.ID,
			"name":        info.Name,
			"mount_point": info.MountPoint,
			"enabled":     info.Enabled,
			"state":       info.State.String(),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"servers": out,
		"count":   len(out),
	})
}

func (s *Server) handleServerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.Stats(r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":  stats.State.String(),
		"pool":   stats.Pool,
		"cache":  stats.Cache,
		"health": stats.Health,
	})
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.MountTimeout)
	defer cancel()

	id := r.PathValue("id")
	if err := s.controller.MountServer(ctx, id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "mounted": true})
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.UnmountServer(id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "mounted": false})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.controller.RefreshCache(id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "refreshed": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))
	if keyword == "" {
		s.respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	results, err := s.controller.Search(r.Context(), r.PathValue("id"), keyword)
	if err != nil && len(results) == 0 {
		s.respondErr(w, err)
		return
	}

	resp := map[string]interface{}{
		"query":   keyword,
		"results": results,
		"count":   len(results),
	}
	if err != nil {
		// Partial results: some categories could not be listed.
		resp["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReleases(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]ReleaseEvent, len(s.releases))
	// Newest first.
	for i, ev := range s.releases {
		out[len(out)-1-i] = ev
	}
	s.mu.Unlock()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"releases": out,
		"count":    len(out),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// statusFor maps a DriveError code to an HTTP status.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeMountFailed, errors.ErrCodeConnectionLost:
		return http.StatusBadGateway
	case errors.ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	resp := map[string]interface{}{
		"error":     err.Error(),
		"timestamp": time.Now(),
	}
	var driveErr *errors.DriveError
	if stderrors.As(err, &driveErr) {
		resp["code"] = driveErr.Code
		resp["message"] = driveErr.UserFacingMessage()
		resp["recommendation"] = driveErr.GetRecommendation()
	}
	s.respondJSON(w, statusFor(err), resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
