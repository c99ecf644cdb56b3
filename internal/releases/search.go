package releases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// SearchResult is one release directory whose name matched.
type SearchResult struct {
	ReleaseName string    `json:"release_name"`
	Category    string    `json:"category"`
	RemotePath  string    `json:"remote_path"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
}

// Searcher finds releases by name across every category of a watch path.
type Searcher struct {
	lister      Lister
	watchPath   string
	concurrency int
	logger      *zap.Logger
}

// NewSearcher creates a searcher that lists at most concurrency categories
// at a time. Pass the pool size so a search cannot queue behind itself.
func NewSearcher(lister Lister, watchPath string, concurrency int, logger *zap.Logger) *Searcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		lister:      lister,
		watchPath:   trimWatchPath(watchPath),
		concurrency: concurrency,
		logger:      logger.Named("search"),
	}
}

// Search returns the release directories whose names contain keyword,
// ignoring case, sorted by category and then name. Categories that cannot be
// listed are skipped. When the category list itself fails the error is
// returned together with whatever was found.
func (s *Searcher) Search(ctx context.Context, keyword string) ([]SearchResult, error) {
	categories, err := listCategories(ctx, s.lister, s.watchPath, nil)
	if err != nil {
		s.logger.Error("search failed", zap.String("keyword", keyword), zap.Error(err))
		return nil, err
	}

	needle := strings.ToLower(keyword)
	var (
		mu      sync.Mutex
		results []SearchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, category := range categories {
		g.Go(func() error {
			found, err := s.searchCategory(gctx, category, needle)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Debug("skipping category", zap.String("category", category), zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, found...)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Category != results[j].Category {
			return results[i].Category < results[j].Category
		}
		return results[i].ReleaseName < results[j].ReleaseName
	})
	if err != nil {
		s.logger.Error("search failed", zap.String("keyword", keyword), zap.Error(err))
	}
	return results, err
}

func (s *Searcher) searchCategory(ctx context.Context, category, needle string) ([]SearchResult, error) {
	dir := types.JoinRemote(s.watchPath, category)
	entries, err := s.lister.ListDirectory(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, e := range entries {
		if !e.IsDir() || !strings.Contains(strings.ToLower(e.Name), needle) {
			continue
		}
		fullPath := e.FullPath
		if fullPath == "" {
			fullPath = types.JoinRemote(dir, e.Name)
		}
		out = append(out, SearchResult{
			ReleaseName: e.Name,
			Category:    category,
			RemotePath:  fullPath,
			Size:        e.Size,
			Modified:    e.Modified,
		})
	}
	return out, nil
}

// ReleaseFiles lists the regular files inside one release directory.
func (s *Searcher) ReleaseFiles(ctx context.Context, remotePath string) ([]types.RemoteEntry, error) {
	entries, err := s.lister.ListDirectory(ctx, remotePath)
	if err != nil {
		return nil, err
	}
	files := entries[:0:0]
	for _, e := range entries {
		if e.Type == types.EntryFile {
			files = append(files, e)
		}
	}
	return files, nil
}
