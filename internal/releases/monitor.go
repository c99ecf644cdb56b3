// Package releases watches a category tree on the server for new release
// directories and searches it by name.
//
// The tree is two levels deep: WatchPath holds one directory per category
// and each category holds one directory per release.
package releases

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// DefaultPollInterval is used when MonitorConfig.PollInterval is zero.
const DefaultPollInterval = 60 * time.Second

// Lister lists one remote directory without consulting any cache.
type Lister interface {
	ListDirectory(ctx context.Context, dir string) ([]types.RemoteEntry, error)
}

// Release is a release directory that appeared since the previous poll.
type Release struct {
	Category string
	Name     string
	Path     string
	Detected time.Time
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	WatchPath          string
	PollInterval       time.Duration
	ExcludedCategories []string

	// Connected gates each poll. A nil func always polls.
	Connected func() bool
	// OnNewRelease is called from the monitor goroutine.
	OnNewRelease func(Release)

	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *zap.Logger
}

// Monitor polls WatchPath and reports release directories that were not there
// on the previous poll. The first poll only seeds the snapshot.
type Monitor struct {
	lister   Lister
	config   MonitorConfig
	excluded map[string]bool
	logger   *zap.Logger

	// owned by the polling goroutine
	snapshot map[string]map[string]struct{}
	seeded   bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor. Call Start to begin polling.
func NewMonitor(lister Lister, config MonitorConfig) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Sleep == nil {
		config.Sleep = sleep
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	config.WatchPath = trimWatchPath(config.WatchPath)

	excluded := make(map[string]bool, len(config.ExcludedCategories))
	for _, c := range config.ExcludedCategories {
		excluded[strings.ToLower(c)] = true
	}

	return &Monitor{
		lister:   lister,
		config:   config,
		excluded: excluded,
		logger:   config.Logger.Named("releases"),
		snapshot: make(map[string]map[string]struct{}),
	}
}

// Start runs the polling loop in the background until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("release monitor already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.started = true

	go func() {
		defer close(m.done)
		m.Run(ctx)
	}()

	m.logger.Info("watching for new releases",
		zap.String("watch_path", m.config.WatchPath),
		zap.Duration("interval", m.config.PollInterval))
	return nil
}

// Stop ends the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run polls until ctx ends. Each cycle sleeps first.
func (m *Monitor) Run(ctx context.Context) {
	for {
		if err := m.config.Sleep(ctx, m.config.PollInterval); err != nil {
			return
		}
		if m.config.Connected != nil && !m.config.Connected() {
			continue
		}
		if err := m.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("release poll failed", zap.Error(err))
		}
	}
}

// poll lists every category once and reports what is new. A category that
// cannot be listed keeps its previous snapshot.
func (m *Monitor) poll(ctx context.Context) error {
	categories, err := listCategories(ctx, m.lister, m.config.WatchPath, m.excluded)
	if err != nil {
		return err
	}

	for _, category := range categories {
		dir := types.JoinRemote(m.config.WatchPath, category)
		entries, err := m.lister.ListDirectory(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Debug("skipping category", zap.String("category", category), zap.Error(err))
			continue
		}

		current := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				current[e.Name] = struct{}{}
			}
		}

		previous, known := m.snapshot[category]
		if known && m.seeded {
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				if _, seen := previous[e.Name]; seen {
					continue
				}
				m.emit(Release{
					Category: category,
					Name:     e.Name,
					Path:     types.JoinRemote(dir, e.Name),
					Detected: m.config.Now(),
				})
			}
		}
		m.snapshot[category] = current
	}

	if !m.seeded {
		m.seeded = true
		m.logger.Debug("release snapshot seeded", zap.Int("categories", len(m.snapshot)))
	}
	return nil
}

func (m *Monitor) emit(r Release) {
	m.logger.Info("new release",
		zap.String("category", r.Category),
		zap.String("release", r.Name))
	if m.config.OnNewRelease != nil {
		m.config.OnNewRelease(r)
	}
}

// listCategories returns the directory names under watchPath that are not
// excluded.
func listCategories(ctx context.Context, lister Lister, watchPath string, excluded map[string]bool) ([]string, error) {
	entries, err := lister.ListDirectory(ctx, watchPath)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", watchPath, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !excluded[strings.ToLower(e.Name)] {
			out = append(out, e.Name)
		}
	}
	return out, nil
}

func trimWatchPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
