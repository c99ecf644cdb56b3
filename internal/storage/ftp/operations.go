package ftp

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/circuit"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/retry"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// OperationsConfig configures Operations.
type OperationsConfig struct {
	Pool    *Pool
	Breaker circuit.Config
	// Retry applies to idempotent reads only.
	Retry retry.Config
	// RetryAttempts overrides Retry.MaxAttempts when positive.
	RetryAttempts int
	Metrics       types.MetricsCollector
	Logger        *zap.Logger
}

// Operations runs whole-file remote operations on pooled sessions.
type Operations struct {
	pool    *Pool
	breaker *circuit.Breaker
	retryer *retry.Retryer
	metrics types.MetricsCollector
	logger  *zap.Logger
}

var _ types.Remote = (*Operations)(nil)

// NewOperations creates the remote operation layer over pool.
func NewOperations(cfg OperationsConfig) *Operations {
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("remote")

	breakerCfg := cfg.Breaker
	if breakerCfg.IsSuccessful == nil {
		// A server refusing a command is healthy.
		breakerCfg.IsSuccessful = func(err error) bool {
			return err == nil || IsReplyError(err)
		}
	}
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		}
	}

	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
		retryCfg.MaxAttempts = 2
	}
	retryer := retry.New(retryCfg)
	if cfg.RetryAttempts > 0 {
		retryer = retryer.WithMaxAttempts(cfg.RetryAttempts)
	}
	if retryCfg.OnRetry == nil {
		retryer = retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Debug("retrying operation",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
	}

	return &Operations{
		pool:    cfg.Pool,
		breaker: circuit.New("ftp", breakerCfg),
		retryer: retryer,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker guarding the server.
func (o *Operations) Breaker() *circuit.Breaker {
	return o.breaker
}

func (o *Operations) run(ctx context.Context, op string, size *int64, fn func(context.Context, Session) error) error {
	start := time.Now()

	err := o.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		conn, err := o.pool.Borrow(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx, conn.Session)
		conn.Release(err)
		return err
	})
	if stderrors.Is(err, circuit.ErrOpenState) || stderrors.Is(err, circuit.ErrTooManyRequests) {
		err = errors.Wrap(errors.ErrCodeConnectionLost, "server is failing, requests are paused", err).
			WithComponent(component).
			WithOperation(op)
	}

	var n int64
	if size != nil {
		n = *size
	}
	o.metrics.RecordOperation(op, time.Since(start), n, err == nil)
	if err != nil {
		o.metrics.RecordError(op, err)
		o.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (o *Operations) runIdempotent(ctx context.Context, op string, size *int64, fn func(context.Context, Session) error) error {
	return o.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return o.run(ctx, op, size, fn)
	})
}

// ListDirectory lists dir.
func (o *Operations) ListDirectory(ctx context.Context, dir string) ([]types.RemoteEntry, error) {
	var entries []types.RemoteEntry
	err := o.runIdempotent(ctx, "list", nil, func(ctx context.Context, s Session) error {
		var err error
		entries, err = s.List(ctx, dir)
		return err
	})
	return entries, err
}

// Download fetches the whole content of file.
func (o *Operations) Download(ctx context.Context, file string) ([]byte, error) {
	var (
		data []byte
		size int64
	)
	err := o.runIdempotent(ctx, "download", &size, func(ctx context.Context, s Session) error {
		var err error
		data, err = s.Retrieve(ctx, file)
		size = int64(len(data))
		return err
	})
	return data, err
}

// Upload replaces file with data.
func (o *Operations) Upload(ctx context.Context, file string, data []byte) error {
	size := int64(len(data))
	return o.run(ctx, "upload", &size, func(ctx context.Context, s Session) error {
		return s.Store(ctx, file, data)
	})
}

// Rename moves from to to.
func (o *Operations) Rename(ctx context.Context, from, to string) error {
	return o.run(ctx, "rename", nil, func(ctx context.Context, s Session) error {
		return s.Rename(ctx, from, to)
	})
}

// Delete removes a file.
func (o *Operations) Delete(ctx context.Context, file string) error {
	return o.run(ctx, "delete", nil, func(ctx context.Context, s Session) error {
		return s.Delete(ctx, file)
	})
}

// DeleteDirectory removes an empty directory.
func (o *Operations) DeleteDirectory(ctx context.Context, dir string) error {
	return o.run(ctx, "rmdir", nil, func(ctx context.Context, s Session) error {
		return s.RemoveDir(ctx, dir)
	})
}

// MakeDirectory creates a directory.
func (o *Operations) MakeDirectory(ctx context.Context, dir string) error {
	return o.run(ctx, "mkdir", nil, func(ctx context.Context, s Session) error {
		return s.MakeDir(ctx, dir)
	})
}

// Exists reports whether p names a file or a directory. SIZE answers for
// files; directories are probed with CWD.
func (o *Operations) Exists(ctx context.Context, p string) (bool, error) {
	var exists bool
	err := o.runIdempotent(ctx, "exists", nil, func(ctx context.Context, s Session) error {
		exists = false
		_, err := s.Size(ctx, p)
		if err == nil {
			exists = true
			return nil
		}
		if !isReply(err, 550) {
			return err
		}

		err = s.ChangeDir(ctx, p)
		switch {
		case err == nil:
			exists = true
			return nil
		case isReply(err, 550):
			return nil
		default:
			return err
		}
	})
	return exists, err
}

// NoOp probes the server with a pooled session.
func (o *Operations) NoOp(ctx context.Context) error {
	return o.run(ctx, "noop", nil, func(ctx context.Context, s Session) error {
		return s.NoOp(ctx)
	})
}

func isReply(err error, code int) bool {
	return errors.ReplyCodeOf(err) == code
}
