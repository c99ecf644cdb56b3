package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// Collector records operation, cache, pool and reconnect metrics into a
// private Prometheus registry and serves them over HTTP.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec
	reconnectCounter  *prometheus.CounterVec
	poolConnections   *prometheus.GaugeVec
	poolMaxSize       prometheus.Gauge
	poolWaits         prometheus.Gauge
	cpsvEnabled       prometheus.Gauge

	operations  map[string]*OperationMetrics
	directories *DirectoryTracker
	pool        types.PoolStats
	reconnects  [2]int64 // failed, succeeded
	lastReset   time.Time

	server *http.Server
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`

	// TrackedDirectories bounds the per-directory cache statistics.
	TrackedDirectories int `yaml:"tracked_directories"`
}

// DefaultConfig returns the configuration used when NewCollector gets nil.
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		Port:               9108,
		Path:               "/metrics",
		Namespace:          "ftpsdrive",
		TrackedDirectories: 256,
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		config:      config,
		logger:      logger.Named("metrics"),
		operations:  make(map[string]*OperationMetrics),
		directories: NewDirectoryTracker(config.TrackedDirectories),
		lastReset:   time.Now(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Handler returns the HTTP handler exposing the metrics endpoint and the
// debug pages.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.registry != nil {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	mux.HandleFunc("/debug/directories", c.debugDirectoriesHandler)
	return mux
}

// Start serves Handler on the configured port until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.Int("port", c.config.Port), zap.String("path", c.config.Path))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	result := "success"
	if !success {
		result = "error"
	}
	c.operationCounter.WithLabelValues(operation, result).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a directory cache hit for path
func (c *Collector) RecordCacheHit(path string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("hit").Inc()
	c.directories.Record(path, true)
}

// RecordCacheMiss records a directory cache miss for path
func (c *Collector) RecordCacheMiss(path string) {
	if !c.config.Enabled {
		return
	}
	c.cacheCounter.WithLabelValues("miss").Inc()
	c.directories.Record(path, false)
}

// RecordError records an error, labelled by its error code
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, classifyError(err)).Inc()
}

// RecordReconnect records the outcome of one reconnect attempt
func (c *Collector) RecordReconnect(success bool) {
	if !c.config.Enabled {
		return
	}

	result := "failure"
	c.mu.Lock()
	if success {
		result = "success"
		c.reconnects[1]++
	} else {
		c.reconnects[0]++
	}
	c.mu.Unlock()
	c.reconnectCounter.WithLabelValues(result).Inc()
}

// UpdatePoolStats publishes a pool snapshot
func (c *Collector) UpdatePoolStats(stats types.PoolStats) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	c.pool = stats
	c.mu.Unlock()

	c.poolConnections.WithLabelValues("active").Set(float64(stats.Active))
	c.poolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	c.poolMaxSize.Set(float64(stats.MaxSize))
	c.poolWaits.Set(float64(stats.Waits))
	if stats.UseCPSV {
		c.cpsvEnabled.Set(1)
	} else {
		c.cpsvEnabled.Set(0)
	}
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	return map[string]interface{}{
		"operations":           operations,
		"pool":                 c.pool,
		"reconnects_succeeded": c.reconnects[1],
		"reconnects_failed":    c.reconnects[0],
		"top_directories":      c.directories.Top(10),
		"last_reset":           c.lastReset,
		"uptime":               time.Since(c.lastReset),
	}
}

// ResetMetrics resets the in-process summaries. Prometheus counters keep
// counting.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.reconnects = [2]int64{}
	c.directories.Reset()
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of operations")),
		[]string{"operation", "status"},
	)

	durationOpts := opts("operation_duration_seconds", "Duration of operations in seconds")
	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   durationOpts.Namespace,
			Subsystem:   durationOpts.Subsystem,
			Name:        durationOpts.Name,
			Help:        durationOpts.Help,
			ConstLabels: durationOpts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
		},
		[]string{"operation"},
	)

	sizeOpts := opts("operation_size_bytes", "Bytes moved by operations")
	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   sizeOpts.Namespace,
			Subsystem:   sizeOpts.Subsystem,
			Name:        sizeOpts.Name,
			Help:        sizeOpts.Help,
			ConstLabels: sizeOpts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("directory_cache_requests_total", "Directory cache lookups")),
		[]string{"result"},
	)
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("errors_total", "Total number of errors")),
		[]string{"operation", "code"},
	)
	c.reconnectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("reconnects_total", "Reconnect attempts by outcome")),
		[]string{"result"},
	)
	c.poolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(opts("pool_connections", "Pooled control connections by state")),
		[]string{"state"},
	)
	c.poolMaxSize = prometheus.NewGauge(prometheus.GaugeOpts(opts("pool_max_size", "Configured pool size")))
	c.poolWaits = prometheus.NewGauge(prometheus.GaugeOpts(opts("pool_waits", "Borrows that had to wait for a connection")))
	c.cpsvEnabled = prometheus.NewGauge(prometheus.GaugeOpts(opts("cpsv_enabled", "1 when data connections use CPSV")))
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.errorCounter,
		c.reconnectCounter,
		c.poolConnections,
		c.poolMaxSize,
		c.poolWaits,
		c.cpsvEnabled,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError returns the lowercase error code, or a coarse guess for
// errors that carry none.
func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection"):
		return "connection"
	case strings.Contains(msg, "canceled"):
		return "canceled"
	default:
		return "other"
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"ftpsdrive-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("ftpsdrive operations\n")
	writef("====================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset).Truncate(time.Second))
	writef("Pool: %d active, %d idle, %d max, cpsv=%t\n\n", c.pool.Active, c.pool.Idle, c.pool.MaxSize, c.pool.UseCPSV)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-20s %10s %10s %12s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Avg Size", "Last Op")
	for _, name := range names {
		op := c.operations[name]
		writef("%-20s %10d %10d %12v %12.0f %10s\n",
			name, op.Count, op.Errors, op.AvgDuration.Truncate(time.Microsecond),
			op.AvgSize, op.LastOperation.Format("15:04:05"))
	}
}

func (c *Collector) debugDirectoriesHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	top := c.directories.Top(50)
	if len(top) == 0 {
		writef("No directory lookups recorded.\n")
		return
	}
	writef("%-50s %8s %8s %8s\n", "Directory", "Hits", "Misses", "Hit %")
	for _, d := range top {
		writef("%-50s %8d %8d %7.1f%%\n", d.Path, d.Hits, d.Misses, d.HitRate*100)
	}
}
