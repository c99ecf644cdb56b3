package types

import (
	"context"
	"time"
)

// Remote defines the whole-file operations the filesystem engine performs
// against the server.
type Remote interface {
	ListDirectory(ctx context.Context, dir string) ([]RemoteEntry, error)
	Download(ctx context.Context, file string) ([]byte, error)
	Upload(ctx context.Context, file string, data []byte) error
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, file string) error
	DeleteDirectory(ctx context.Context, dir string) error
	MakeDirectory(ctx context.Context, dir string) error
	Exists(ctx context.Context, p string) (bool, error)
	NoOp(ctx context.Context) error
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(path string)
	RecordCacheMiss(path string)
	RecordError(operation string, err error)
	RecordReconnect(success bool)
	UpdatePoolStats(stats PoolStats)
	GetMetrics() map[string]interface{}
}

// NopMetrics is a MetricsCollector that discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(string)                              {}
func (NopMetrics) RecordCacheMiss(string)                             {}
func (NopMetrics) RecordError(string, error)                          {}
func (NopMetrics) RecordReconnect(bool)                               {}
func (NopMetrics) UpdatePoolStats(PoolStats)                          {}
func (NopMetrics) GetMetrics() map[string]interface{}                 { return map[string]interface{}{} }
