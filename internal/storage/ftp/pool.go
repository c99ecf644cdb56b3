package ftp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const releaseProbeTimeout = 5 * time.Second

// Session is the subset of Client the pool lends out.
type Session interface {
	List(ctx context.Context, path string) ([]types.RemoteEntry, error)
	Retrieve(ctx context.Context, path string) ([]byte, error)
	Store(ctx context.Context, path string, content []byte) error
	Rename(ctx context.Context, from, to string) error
	Delete(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error
	MakeDir(ctx context.Context, path string) error
	Size(ctx context.Context, path string) (int64, error)
	ChangeDir(ctx context.Context, path string) error
	NoOp(ctx context.Context) error
	HasFeature(name string) bool
	SetCPSV(enabled bool)
	IsAlive() bool
	Quit() error
}

// Dialer creates a new authenticated session.
type Dialer func(ctx context.Context) (Session, error)

// ClientDialer returns a Dialer that connects with opts.
func ClientDialer(opts Options) Dialer {
	return func(ctx context.Context) (Session, error) {
		return Dial(ctx, opts)
	}
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Size   int
	Dialer Dialer
	// BorrowTimeout bounds how long Borrow waits for a session when every
	// slot is lent out. Zero leaves only the caller's context.
	BorrowTimeout time.Duration
	Metrics       types.MetricsCollector
	Logger        *zap.Logger
}

// Pool lends a bounded number of sessions. Borrowers beyond the bound block
// until a session is released or discarded.
type Pool struct {
	dial          Dialer
	maxSize       int
	borrowTimeout time.Duration

	idle    chan Session
	freed   chan struct{}
	created atomic.Int32

	initMu      sync.Mutex
	initialized atomic.Bool
	useCPSV     atomic.Bool

	closed  atomic.Bool
	closeCh chan struct{}

	statsMu sync.Mutex
	stats   types.PoolStats

	metrics types.MetricsCollector
	logger  *zap.Logger
}

// NewPool creates a pool. No connection is made until Initialize or Borrow.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Pool{
		dial:          cfg.Dialer,
		maxSize:       cfg.Size,
		borrowTimeout: cfg.BorrowTimeout,
		idle:          make(chan Session, cfg.Size),
		freed:         make(chan struct{}, cfg.Size),
		closeCh:       make(chan struct{}),
		stats:         types.PoolStats{MaxSize: cfg.Size},
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.Named("pool"),
	}
}

// Initialize opens the first session and detects CPSV support. Calls after
// the first success return immediately.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.initialized.Load() {
		return nil
	}
	if p.closed.Load() {
		return p.closedError("initialize")
	}

	if !p.reserve() {
		// Every slot is lent out; probing one proves the server is reachable.
		return p.probeBorrowed(ctx)
	}
	s, err := p.create(ctx)
	if err != nil {
		return err
	}

	cpsv := s.HasFeature("CPSV")
	p.useCPSV.Store(cpsv)
	s.SetCPSV(cpsv)
	p.initialized.Store(true)

	p.statsMu.Lock()
	p.stats.UseCPSV = cpsv
	p.statsMu.Unlock()

	p.logger.Info("connection pool initialized",
		zap.Int("size", p.maxSize),
		zap.Bool("cpsv", cpsv))

	p.put(s)
	return nil
}

func (p *Pool) probeBorrowed(ctx context.Context) error {
	p.initMu.Unlock()
	defer p.initMu.Lock()

	conn, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	err = conn.NoOp(ctx)
	if err == nil {
		cpsv := conn.HasFeature("CPSV")
		p.useCPSV.Store(cpsv)
		conn.SetCPSV(cpsv)
		p.initialized.Store(true)
	}
	conn.Release(err)
	return err
}

// Reinitialize discards idle sessions and initializes again. Sessions that
// are lent out are discarded on release if they turn out to be dead.
func (p *Pool) Reinitialize(ctx context.Context) error {
	p.initMu.Lock()
	p.initialized.Store(false)
	p.drainIdle()
	p.initMu.Unlock()

	return p.Initialize(ctx)
}

// Probe borrows a session and sends NOOP on it. A failing session is
// discarded on release.
func (p *Pool) Probe(ctx context.Context) error {
	conn, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	err = conn.NoOp(ctx)
	conn.Release(err)
	return err
}

// Initialized reports whether Initialize has succeeded.
func (p *Pool) Initialized() bool {
	return p.initialized.Load()
}

// UseCPSV reports whether sessions negotiate data connections with CPSV.
func (p *Pool) UseCPSV() bool {
	return p.useCPSV.Load()
}

// Borrow returns a live session. It reuses an idle one when possible, dials a
// new one while under the bound and otherwise waits.
func (p *Pool) Borrow(ctx context.Context) (*PooledConnection, error) {
	waited := false
	var expired <-chan time.Time
	for {
		if p.closed.Load() {
			return nil, p.closedError("borrow")
		}

		select {
		case s := <-p.idle:
			if s.IsAlive() {
				p.recordBorrow(true, waited)
				return p.wrap(s), nil
			}
			p.destroy(s)
			continue
		default:
		}

		if p.reserve() {
			s, err := p.create(ctx)
			if err != nil {
				return nil, err
			}
			p.recordBorrow(false, waited)
			return p.wrap(s), nil
		}

		if !waited && p.borrowTimeout > 0 {
			timer := time.NewTimer(p.borrowTimeout)
			defer timer.Stop()
			expired = timer.C
		}
		waited = true
		select {
		case s := <-p.idle:
			if s.IsAlive() {
				p.recordBorrow(true, waited)
				return p.wrap(s), nil
			}
			p.destroy(s)
		case <-p.freed:
		case <-p.closeCh:
			return nil, p.closedError("borrow")
		case <-expired:
			return nil, errors.NewError(errors.ErrCodeOperationTimeout,
				fmt.Sprintf("no connection became free within %s", p.borrowTimeout)).
				WithComponent(component).
				WithOperation("borrow")
		case <-ctx.Done():
			return nil, errors.Wrap(waitCode(ctx), "timed out waiting for a connection", ctx.Err()).
				WithComponent(component).
				WithOperation("borrow")
		}
	}
}

// Release returns a session after use. err is the result of the last
// operation: transport failures and cancellations make the session suspect
// and it is probed before reuse.
func (p *Pool) Release(s Session, err error) {
	if p.closed.Load() {
		p.destroy(s)
		return
	}

	if err != nil && !IsReplyError(err) && s.IsAlive() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseProbeTimeout)
		probeErr := s.NoOp(ctx)
		cancel()
		if probeErr != nil {
			p.logger.Debug("discarding suspect session", zap.Error(probeErr))
		}
	}

	if !s.IsAlive() {
		p.destroy(s)
		return
	}
	p.put(s)
}

func (p *Pool) put(s Session) {
	select {
	case p.idle <- s:
		if p.closed.Load() {
			// Close may have drained already.
			p.drainIdle()
		}
	default:
		p.destroy(s)
	}
}

// Close stops lending and quits every idle session. Lent sessions are closed
// when released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closeCh)
	p.drainIdle()
	p.logger.Info("connection pool closed")
	return nil
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() types.PoolStats {
	p.statsMu.Lock()
	stats := p.stats
	p.statsMu.Unlock()

	stats.Total = int(p.created.Load())
	stats.Idle = len(p.idle)
	stats.Active = stats.Total - stats.Idle
	if stats.Active < 0 {
		stats.Active = 0
	}
	stats.UseCPSV = p.useCPSV.Load()
	return stats
}

// reserve claims a slot for a new session.
func (p *Pool) reserve() bool {
	if p.created.Add(1) <= int32(p.maxSize) {
		return true
	}
	p.created.Add(-1)
	return false
}

// create dials into a slot claimed by reserve.
func (p *Pool) create(ctx context.Context) (Session, error) {
	s, err := p.dial(ctx)
	if err != nil {
		p.created.Add(-1)
		p.signalFreed()
		p.recordError(err)
		p.logger.Warn("failed to create session", zap.Error(err))
		return nil, err
	}
	s.SetCPSV(p.useCPSV.Load())

	p.statsMu.Lock()
	p.stats.Created++
	p.stats.LastCreated = time.Now()
	p.statsMu.Unlock()
	p.metrics.UpdatePoolStats(p.Stats())
	return s, nil
}

func (p *Pool) destroy(s Session) {
	p.created.Add(-1)
	_ = s.Quit()

	p.statsMu.Lock()
	p.stats.Destroyed++
	p.statsMu.Unlock()

	p.signalFreed()
	p.metrics.UpdatePoolStats(p.Stats())
}

func (p *Pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

func (p *Pool) drainIdle() {
	for {
		select {
		case s := <-p.idle:
			p.destroy(s)
		default:
			return
		}
	}
}

func (p *Pool) wrap(s Session) *PooledConnection {
	return &PooledConnection{Session: s, pool: p}
}

func (p *Pool) recordBorrow(reused, waited bool) {
	p.statsMu.Lock()
	if reused {
		p.stats.Hits++
	} else {
		p.stats.Misses++
	}
	if waited {
		p.stats.Waits++
	}
	p.statsMu.Unlock()
}

func (p *Pool) recordError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = time.Now()
	p.statsMu.Unlock()
}

func (p *Pool) closedError(op string) error {
	return errors.NewError(errors.ErrCodePoolClosed, "connection pool is closed").
		WithComponent(component).
		WithOperation(op)
}

func waitCode(ctx context.Context) errors.ErrorCode {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrCodeOperationTimeout
	}
	return errors.ErrCodeOperationCanceled
}

// PooledConnection is a borrowed session. Release must be called exactly
// once; later calls are ignored.
type PooledConnection struct {
	Session
	pool *Pool
	once sync.Once
}

// Release hands the session back to its pool.
func (c *PooledConnection) Release(err error) {
	c.once.Do(func() {
		c.pool.Release(c.Session, err)
	})
}
