package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{
		Enabled:            true,
		Path:               "/metrics",
		Namespace:          "ftpsdrive",
		Labels:             map[string]string{"server": "test"},
		TrackedDirectories: 4,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 9108, c.config.Port)
		assert.Equal(t, "/metrics", c.config.Path)
		assert.Equal(t, "ftpsdrive", c.config.Namespace)
		assert.NotNil(t, c.registry)
	})

	t.Run("disabled collector records nothing", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false}, nil)
		require.NoError(t, err)
		assert.Nil(t, c.registry)

		c.RecordOperation("list", time.Millisecond, 0, true)
		c.RecordCacheHit("/")
		c.RecordError("list", fmt.Errorf("boom"))
		c.RecordReconnect(true)
		c.UpdatePoolStats(types.PoolStats{Active: 1})
		assert.Empty(t, c.GetMetrics()["operations"])
		require.NoError(t, c.Start(context.Background()))
		require.NoError(t, c.Stop(context.Background()))
	})
}

func TestRecordOperation(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordOperation("download", 10*time.Millisecond, 1000, true)
	c.RecordOperation("download", 30*time.Millisecond, 3000, false)
	c.RecordOperation("list", time.Millisecond, 0, true)

	ops := c.GetMetrics()["operations"].(map[string]OperationMetrics)
	dl := ops["download"]
	assert.Equal(t, int64(2), dl.Count)
	assert.Equal(t, int64(1), dl.Errors)
	assert.Equal(t, 20*time.Millisecond, dl.AvgDuration)
	assert.InDelta(t, 2000, dl.AvgSize, 0.001)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("download", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("download", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.operationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationSize), "zero-size operations are not observed")
}

func TestRecordCache(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordCacheHit("/a")
	c.RecordCacheHit("/a")
	c.RecordCacheMiss("/a")
	c.RecordCacheMiss("/b")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheCounter.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheCounter.WithLabelValues("miss")))

	top := c.GetMetrics()["top_directories"].([]DirectoryStats)
	require.Len(t, top, 2)
	assert.Equal(t, "/a", top[0].Path)
	assert.InDelta(t, 2.0/3.0, top[0].HitRate, 0.0001)
}

func TestRecordErrorAndReconnect(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordError("download", errors.NewError(errors.ErrCodeConnectionLost, "gone"))
	c.RecordError("download", nil)
	c.RecordReconnect(false)
	c.RecordReconnect(false)
	c.RecordReconnect(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorCounter.WithLabelValues("download", "connection_lost")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnectCounter.WithLabelValues("failure")))
	m := c.GetMetrics()
	assert.Equal(t, int64(1), m["reconnects_succeeded"])
	assert.Equal(t, int64(2), m["reconnects_failed"])
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{errors.NewError(errors.ErrCodeNotFound, "x"), "not_found"},
		{fmt.Errorf("wrapped: %w", errors.NewError(errors.ErrCodeAccessDenied, "x")), "access_denied"},
		{fmt.Errorf("i/o timeout"), "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("connection reset by peer"), "connection"},
		{context.Canceled, "canceled"},
		{fmt.Errorf("something else"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}

func TestUpdatePoolStats(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.UpdatePoolStats(types.PoolStats{Active: 2, Idle: 1, MaxSize: 3, Waits: 7, UseCPSV: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.poolConnections.WithLabelValues("idle")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.poolMaxSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cpsvEnabled))
	assert.Equal(t, 3, c.GetMetrics()["pool"].(types.PoolStats).MaxSize)
}

func TestResetMetrics(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordOperation("list", time.Millisecond, 0, true)
	c.RecordCacheHit("/")
	c.ResetMetrics()

	m := c.GetMetrics()
	assert.Empty(t, m["operations"])
	assert.Empty(t, m["top_directories"])
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	c.RecordOperation("list", 2*time.Millisecond, 0, true)
	c.RecordCacheMiss("/pub")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(body)
	}

	metrics := get("/metrics")
	assert.Contains(t, metrics, `ftpsdrive_operations_total{operation="list",server="test",status="success"} 1`)
	assert.Contains(t, get("/health"), "healthy")
	assert.Contains(t, get("/debug/operations"), "list")
	assert.Contains(t, get("/debug/directories"), "/pub")
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	c := newTestCollector(t)
	assert.NoError(t, c.Stop(context.Background()))
}
