package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// scriptedPool answers probes and reinitializations from fixed scripts; once a
// script runs out every later call succeeds.
type scriptedPool struct {
	mu      sync.Mutex
	probes  []error
	reinits []error
	calls   []string
}

func (p *scriptedPool) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "probe")
	return pop(&p.probes)
}

func (p *scriptedPool) Reinitialize(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "reinit")
	return pop(&p.reinits)
}

func (p *scriptedPool) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func pop(script *[]error) error {
	if len(*script) == 0 {
		return nil
	}
	err := (*script)[0]
	*script = (*script)[1:]
	return err
}

// fakeSleeper records requested waits and cancels the run after limit waits.
type fakeSleeper struct {
	mu     sync.Mutex
	waits  []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	n := len(s.waits)
	s.mu.Unlock()

	if n > s.limit {
		s.cancel()
	}
	return ctx.Err()
}

var errLost = errors.NewError(errors.ErrCodeConnectionLost, "connection reset")

func TestMonitor_ReconnectBackoff(t *testing.T) {
	t.Parallel()

	pool := &scriptedPool{
		probes:  []error{errLost},
		reinits: []error{errLost, errLost},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{limit: 4, cancel: cancel}

	var lost, restored int
	m := NewMonitor(pool, MonitorConfig{
		KeepaliveInterval: 30 * time.Second,
		ReconnectInitial:  5 * time.Second,
		ReconnectMax:      120 * time.Second,
		Sleep:             sleeper.sleep,
		OnLost:            func(error) { lost++ },
		OnRestored:        func() { restored++ },
	})
	m.Run(ctx)

	assert.Equal(t, []time.Duration{
		30 * time.Second, // keepalive before the failing probe
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		30 * time.Second, // back to keepalive, canceled
	}, sleeper.waits)
	assert.Equal(t, []string{"probe", "reinit", "reinit", "reinit"}, pool.history())
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, restored)
	assert.True(t, m.Connected())

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.ProbeFailures)
	assert.Equal(t, uint64(2), stats.ReconnectFailures)
	assert.Equal(t, uint64(1), stats.Reconnects)
}

func TestMonitor_BackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	pool := &scriptedPool{
		probes:  []error{errLost},
		reinits: []error{errLost, errLost, errLost, errLost, errLost},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{limit: 6, cancel: cancel}

	m := NewMonitor(pool, MonitorConfig{
		KeepaliveInterval: time.Second,
		ReconnectInitial:  5 * time.Second,
		ReconnectMax:      30 * time.Second,
		Sleep:             sleeper.sleep,
	})
	m.Run(ctx)

	require.GreaterOrEqual(t, len(sleeper.waits), 7)
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, sleeper.waits[1:7])
}

func TestMonitor_HealthyProbesAreSilent(t *testing.T) {
	t.Parallel()

	pool := &scriptedPool{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{limit: 5, cancel: cancel}

	var events int
	m := NewMonitor(pool, MonitorConfig{
		Sleep:      sleeper.sleep,
		OnLost:     func(error) { events++ },
		OnRestored: func() { events++ },
	})
	m.Run(ctx)

	assert.Zero(t, events)
	assert.Len(t, pool.history(), 5)
	assert.Equal(t, DefaultKeepaliveInterval, sleeper.waits[0])
}

func TestMonitor_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	pool := &scriptedPool{probes: []error{errLost}}
	lost := make(chan struct{})
	m := NewMonitor(pool, MonitorConfig{
		KeepaliveInterval: time.Millisecond,
		ReconnectInitial:  time.Hour,
		OnLost:            func(error) { close(lost) },
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "second start is rejected")

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("probe failure was not reported")
	}
	assert.False(t, m.Connected())

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the backoff wait")
	}
	assert.Equal(t, []string{"probe"}, pool.history())

	m.Stop()
}
