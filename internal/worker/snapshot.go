package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tripwire/filepulse/internal/extract"
	"github.com/tripwire/filepulse/internal/parser"
)

// SnapshotConfig configures a Snapshot worker.
type SnapshotConfig struct {
	Path     string
	Parser   parser.Snapshot
	Kwargs   map[string]any
	Extract  extract.Options
	Interval time.Duration
	// Static marks the file as expected to settle into a single, final
	// state (e.g. a build artifact written once). The worker delivers at
	// most one Result and then terminates on its own rather than polling
	// indefinitely.
	Static bool

	OnResult    Callback
	OnException ExceptionCallback

	Logger *slog.Logger
}

// Snapshot polls a single file, invoking a whole-file parser each time its
// mtime/size/mode fingerprint changes since the previous tick.
type Snapshot struct {
	cfg SnapshotConfig
	*lifecycle

	last     fileState
	haveLast bool
}

// NewSnapshot constructs a Snapshot worker for cfg.Path. The worker does
// not begin polling until Start is called.
func NewSnapshot(cfg SnapshotConfig) *Snapshot {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Snapshot{cfg: cfg, lifecycle: newLifecycle()}
}

// Start begins polling in a background goroutine and returns immediately.
// The goroutine exits when ctx is cancelled, Stop is called, or (for a
// Static config) after the first successful parse.
func (s *Snapshot) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Snapshot) run(ctx context.Context) {
	defer s.wg.Done()

	finished := s.tick()
	s.markReady()
	if finished {
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.tick() {
				return
			}
		}
	}
}

// tick performs one stat/compare/parse/extract/callback cycle. It returns
// true when the worker should terminate on its own (a Static config that
// has just delivered its result).
func (s *Snapshot) tick() bool {
	cur, err := statState(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		s.reportException(fmt.Errorf("snapshot worker: stat %q: %w", s.cfg.Path, err))
		return false
	}

	if s.haveLast && !s.last.changed(cur) {
		return false
	}
	s.last = cur
	s.haveLast = true

	extras, payload, err := s.cfg.Parser.ParseSnapshot(s.cfg.Path, s.cfg.Kwargs)
	if err != nil {
		s.reportException(fmt.Errorf("snapshot worker: parse %q: %w", s.cfg.Path, err))
		return false
	}

	values, ok := extract.Extract(payload, s.cfg.Extract)
	if !ok {
		return s.cfg.Static
	}

	if s.cfg.OnResult != nil {
		res := Result{Path: s.cfg.Path, Values: values, Extras: extras, ModTime: cur.modTime}
		if err := s.cfg.OnResult(res); err != nil {
			s.reportException(fmt.Errorf("snapshot worker: callback %q: %w", s.cfg.Path, err))
		}
	}

	return s.cfg.Static
}

func (s *Snapshot) reportException(err error) {
	if s.cfg.OnException != nil {
		s.cfg.OnException(s.cfg.Path, err)
		return
	}
	s.cfg.Logger.Warn("snapshot worker error", slog.String("path", s.cfg.Path), slog.Any("error", err))
}
