/*
Package metrics collects ftpsdrive operation metrics and exports them to
Prometheus.

# Overview

	┌─────────────┐
	│  Collector  │  ← implements types.MetricsCollector
	└──────┬──────┘
	       │
	   ┌───┴─────────────────────────────┐
	   │                                 │
	┌──▼───────────┐         ┌───────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints    │
	│   Registry   │         │  /metrics          │
	│              │         │  /health           │
	│ - Counters   │         │  /debug/operations │
	│ - Histograms │         │  /debug/directories│
	│ - Gauges     │         └────────────────────┘
	└──────────────┘

The collector owns a private registry, so several collectors can live in
one process (tests do this).

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9108,
		Path:      "/metrics",
		Namespace: "ftpsdrive",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

With the default namespace:

	ftpsdrive_operations_total{operation,status}
	ftpsdrive_operation_duration_seconds{operation}
	ftpsdrive_operation_size_bytes{operation}
	ftpsdrive_directory_cache_requests_total{result}
	ftpsdrive_errors_total{operation,code}
	ftpsdrive_reconnects_total{result}
	ftpsdrive_pool_connections{state}
	ftpsdrive_pool_max_size
	ftpsdrive_pool_waits
	ftpsdrive_cpsv_enabled

The code label of errors_total is the lowercase DriveError code, for
example connection_lost or not_found. Errors without a code fall into
timeout, connection, canceled or other.

# Directory statistics

Cache lookups are also counted per remote directory by a DirectoryTracker.
It keeps at most Config.TrackedDirectories entries and drops the least
recently used one when full. /debug/directories lists the busiest
directories.

# Disabled collectors

A collector built with Enabled false accepts every call and records
nothing, so callers never need a nil check. Use types.NopMetrics when no
collector exists at all.
*/
package metrics
