// Package health watches the connection to the server and reconnects after
// it is lost.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/retry"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReconnectInitial  = 5 * time.Second
	DefaultReconnectMax      = 120 * time.Second
	DefaultProbeTimeout      = 30 * time.Second
)

// Pool is the part of the connection pool the monitor drives.
type Pool interface {
	// Probe borrows a connection and sends a no-op on it.
	Probe(ctx context.Context) error
	// Reinitialize drops idle connections and establishes a fresh one.
	Reinitialize(ctx context.Context) error
}

// MonitorConfig represents monitor configuration
type MonitorConfig struct {
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`

	// OnLost runs when a probe fails while connected.
	OnLost func(err error) `yaml:"-"`
	// OnRestored runs when the connection comes back.
	OnRestored func() `yaml:"-"`

	// Sleep replaces the interruptible wait between probes and attempts.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`

	Logger  *zap.Logger            `yaml:"-"`
	Metrics types.MetricsCollector `yaml:"-"`
}

// MonitorStats tracks probe and reconnect activity
type MonitorStats struct {
	Connected         bool      `json:"connected"`
	Probes            uint64    `json:"probes"`
	ProbeFailures     uint64    `json:"probe_failures"`
	Reconnects        uint64    `json:"reconnects"`
	ReconnectFailures uint64    `json:"reconnect_failures"`
	LastProbe         time.Time `json:"last_probe"`
	LastError         string    `json:"last_error,omitempty"`
}

// Monitor probes the pool on a fixed interval. When a probe fails it reports
// the loss and reinitializes the pool with exponential backoff until it
// succeeds.
type Monitor struct {
	pool   Pool
	config MonitorConfig
	logger *zap.Logger

	connected atomic.Bool

	mu      sync.Mutex
	stats   MonitorStats
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a connection monitor for pool.
func NewMonitor(pool Pool, config MonitorConfig) *Monitor {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if config.ReconnectInitial <= 0 {
		config.ReconnectInitial = DefaultReconnectInitial
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = DefaultReconnectMax
	}
	if config.ReconnectMax < config.ReconnectInitial {
		config.ReconnectMax = config.ReconnectInitial
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Sleep == nil {
		config.Sleep = sleep
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Metrics == nil {
		config.Metrics = types.NopMetrics{}
	}

	m := &Monitor{
		pool:   pool,
		config: config,
		logger: config.Logger.Named("monitor"),
	}
	m.connected.Store(true)
	return m
}

// Start runs the monitor in the background until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("monitor already started")
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true

	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Connected reports whether the last probe or reconnect succeeded.
func (m *Monitor) Connected() bool {
	return m.connected.Load()
}

// Stats returns a snapshot of monitor activity.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Connected = m.connected.Load()
	return stats
}

// Run probes until ctx is canceled. It returns promptly on cancellation,
// including in the middle of a backoff wait.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if err := m.config.Sleep(ctx, m.config.KeepaliveInterval); err != nil {
			return
		}

		err := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil && !m.connected.Load():
			m.restored()
		case err != nil && m.connected.Load():
			m.lost(err)
			if !m.reconnect(ctx) {
				return
			}
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.pool.Probe(probeCtx)

	m.mu.Lock()
	m.stats.Probes++
	m.stats.LastProbe = time.Now()
	if err != nil {
		m.stats.ProbeFailures++
		m.stats.LastError = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("keepalive probe failed", zap.Error(err))
	}
	return err
}

// reconnect reinitializes the pool until it succeeds. It reports false if ctx
// ended first.
func (m *Monitor) reconnect(ctx context.Context) bool {
	backoff := retry.NewBackoff(m.config.ReconnectInitial, m.config.ReconnectMax)
	for attempt := 1; ; attempt++ {
		delay := backoff.Next()
		m.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if err := m.config.Sleep(ctx, delay); err != nil {
			return false
		}

		err := m.pool.Reinitialize(ctx)
		m.config.Metrics.RecordReconnect(err == nil)

		m.mu.Lock()
		if err == nil {
			m.stats.Reconnects++
		} else {
			m.stats.ReconnectFailures++
			m.stats.LastError = err.Error()
		}
		m.mu.Unlock()

		if err == nil {
			m.restored()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (m *Monitor) lost(err error) {
	m.connected.Store(false)
	m.logger.Warn("connection lost", zap.Error(err))
	if m.config.OnLost != nil {
		m.config.OnLost(err)
	}
}

func (m *Monitor) restored() {
	m.connected.Store(true)
	m.logger.Info("connection restored")
	if m.config.OnRestored != nil {
		m.config.OnRestored()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
