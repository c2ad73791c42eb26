// Package discovery expands an observation request's glob patterns into
// concrete file paths on a timer, spawning a per-path worker for each newly
// matched path. Spawned workers are retired only when the discovery worker
// itself is stopped. Matching uses doublestar so "**" recursive
// globs behave the same way across platforms.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultInterval is the glob re-expansion frequency used when a Config
// leaves Interval at zero.
const DefaultInterval = time.Second

// DefaultFileLimit bounds the number of concurrently-owned paths per
// discipline unless a Config overrides it.
const DefaultFileLimit = 50

// Spawner is called once for every newly-matched path that fits under the
// file limit. It must return a stop function that the Worker calls from Stop;
// a path that is later deleted or excluded keeps its worker until then.
type Spawner func(ctx context.Context, path string) (stop func(), err error)

// Config configures a discovery Worker.
type Config struct {
	Globs    []string
	Excludes []string
	// SharedExcludes, when set, is consulted on every tick in addition to
	// Excludes. It lets a pattern list appended to after Start still affect
	// future spawns, without retroactively stopping an already-owned path.
	SharedExcludes func() []string
	Interval       time.Duration
	FileLimit      int

	Spawn  Spawner
	Logger *slog.Logger
}

// Worker periodically re-expands Config.Globs, spawning a new owner for each
// newly matched path. A path that falls out of scope keeps its owner until
// Stop retires every owner. It is safe to Stop before Start ever runs.
type Worker struct {
	cfg Config

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu    sync.Mutex
	owned map[string]func()
}

// New constructs a discovery Worker. It does not begin expanding globs
// until Start is called.
func New(cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FileLimit <= 0 {
		cfg.FileLimit = DefaultFileLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		cfg:   cfg,
		done:  make(chan struct{}),
		owned: make(map[string]func()),
	}
}

// Start begins periodic glob expansion in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts expansion and retires every currently-owned path's worker. Safe
// to call more than once.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for path, stop := range w.owned {
		stop()
		delete(w.owned, path)
	}
}

// Owned returns a sorted snapshot of the paths currently spawned by this
// worker, primarily useful for tests and diagnostics.
func (w *Worker) Owned() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.owned))
	for p := range w.owned {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	w.tick(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	matched, err := w.expand()
	if err != nil {
		w.cfg.Logger.Warn("discovery: glob expansion failed", slog.Any("error", err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// A path that no longer matches (deleted, or newly excluded) is not
	// retired here: once a file worker owns a path, whether to keep idling
	// or terminate is that worker's own decision, not discovery's.

	if len(w.owned) >= w.cfg.FileLimit {
		return
	}

	// Spawn newly matched paths in deterministic order so the file-limit
	// cutoff behaves predictably across ticks rather than depending on map
	// iteration order.
	paths := make([]string, 0, len(matched))
	for p := range matched {
		if _, already := w.owned[p]; !already {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for i, path := range paths {
		if len(w.owned) >= w.cfg.FileLimit {
			w.cfg.Logger.Warn("discovery: file limit reached, deferring remaining matches",
				slog.Int("limit", w.cfg.FileLimit), slog.Int("deferred", len(paths)-i))
			break
		}
		stop, err := w.cfg.Spawn(ctx, path)
		if err != nil {
			w.cfg.Logger.Warn("discovery: spawn failed", slog.String("path", path), slog.Any("error", err))
			continue
		}
		w.owned[path] = stop
	}
}

// expand evaluates every glob in cfg.Globs, unions the matches, and removes
// any path matching an exclusion pattern.
func (w *Worker) expand() (map[string]struct{}, error) {
	matched := make(map[string]struct{})

	for _, g := range w.cfg.Globs {
		hits, err := doublestar.FilepathGlob(g)
		if err != nil {
			return nil, fmt.Errorf("discovery: glob %q: %w", g, err)
		}
		for _, p := range hits {
			matched[filepath.Clean(p)] = struct{}{}
		}
	}

	excludes := w.cfg.Excludes
	if w.cfg.SharedExcludes != nil {
		excludes = append(append([]string(nil), excludes...), w.cfg.SharedExcludes()...)
	}
	for _, ex := range excludes {
		for p := range matched {
			if ok, _ := doublestar.Match(ex, p); ok {
				delete(matched, p)
			}
		}
	}

	return matched, nil
}
