package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/tripwire/filepulse/internal/extract"
	"github.com/tripwire/filepulse/internal/parser"
)

// RawLineKey is the reserved payload key an Incremental parser uses to carry
// the original raw line alongside any decoded fields, so that LiteralLine
// tracked-values entries can match against it.
const RawLineKey = "__line"

// IncrementalConfig configures an Incremental worker.
type IncrementalConfig struct {
	Path     string
	Parser   parser.Incremental
	Kwargs   map[string]any
	Extract  extract.Options
	Interval time.Duration
	// SkipLines, when non-nil, drops any complete line matching the
	// pattern before it reaches the parser.
	SkipLines *regexp.Regexp

	OnResult    Callback
	OnException ExceptionCallback

	Logger *slog.Logger
}

// Incremental polls a single growing file, tracking a byte offset and
// feeding newly-appended content to an Incremental parser. A file that
// shrinks below the last recorded offset is treated as truncated or
// rotated: the offset resets to zero and any buffered partial line is
// discarded, so the next tick re-reads the file from the start.
type Incremental struct {
	cfg IncrementalConfig
	*lifecycle

	offset  int64
	pending string // trailing partial line carried across ticks
	lastMod time.Time
}

// NewIncremental constructs an Incremental worker for cfg.Path.
func NewIncremental(cfg IncrementalConfig) *Incremental {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Incremental{cfg: cfg, lifecycle: newLifecycle()}
}

// Start begins polling in a background goroutine and returns immediately.
func (w *Incremental) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Incremental) run(ctx context.Context) {
	defer w.wg.Done()

	// Offset starts at zero: pre-existing content is this worker's first
	// delta, parsed on the first tick exactly like any later append.
	w.markReady()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Incremental) tick() {
	info, err := os.Stat(w.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.reportException(fmt.Errorf("incremental worker: stat %q: %w", w.cfg.Path, err))
		return
	}

	if info.Size() < w.offset {
		// Truncation or rotation: the file is shorter than what we already
		// consumed. Restart from the beginning and drop any partial line
		// left over from the previous read.
		w.offset = 0
		w.pending = ""
	}

	if info.Size() == w.offset && info.ModTime().Equal(w.lastMod) {
		return
	}
	w.lastMod = info.ModTime()

	f, err := os.Open(w.cfg.Path)
	if err != nil {
		w.reportException(fmt.Errorf("incremental worker: open %q: %w", w.cfg.Path, err))
		return
	}
	defer f.Close()

	if _, err := f.Seek(w.offset, 0); err != nil {
		w.reportException(fmt.Errorf("incremental worker: seek %q: %w", w.cfg.Path, err))
		return
	}

	buf := make([]byte, info.Size()-w.offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		w.reportException(fmt.Errorf("incremental worker: read %q: %w", w.cfg.Path, err))
		return
	}
	w.offset += int64(n)

	chunk := w.pending + string(buf[:n])
	lastNL := strings.LastIndexByte(chunk, '\n')
	if lastNL < 0 {
		// No complete line yet; hold everything for the next tick.
		w.pending = chunk
		return
	}
	complete := chunk[:lastNL+1]
	w.pending = chunk[lastNL+1:]

	if w.cfg.SkipLines != nil {
		complete = filterLines(complete, w.cfg.SkipLines)
	}
	if complete == "" {
		return
	}

	w.deliver(complete)
}

func filterLines(text string, skip *regexp.Regexp) string {
	lines := strings.SplitAfter(text, "\n")
	var kept strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		if skip.MatchString(line) {
			continue
		}
		kept.WriteString(line)
	}
	return kept.String()
}

// deliver hands the joined, skip-filtered delta to the parser, normalizes
// its payload into a list of individual records, and emits one callback per
// item in file-byte order.
func (w *Incremental) deliver(delta string) {
	extras, payload, err := w.cfg.Parser.ParseIncremental(delta, w.cfg.Kwargs)
	if err != nil {
		w.reportException(fmt.Errorf("incremental worker: parse %q: %w", w.cfg.Path, err))
		return
	}

	for _, item := range normalizePayload(payload) {
		opts := w.cfg.Extract
		if line, ok := item[RawLineKey].(string); ok {
			opts.Line = line
		}
		values, ok := extract.Extract(item, opts)
		if !ok {
			continue
		}
		if w.cfg.OnResult == nil {
			continue
		}
		res := Result{Path: w.cfg.Path, Values: values, Extras: extras, ModTime: w.lastMod}
		if err := w.cfg.OnResult(res); err != nil {
			w.reportException(fmt.Errorf("incremental worker: callback %q: %w", w.cfg.Path, err))
		}
	}
}

// normalizePayload accepts either a single map[string]any, a []map[string]any,
// or a []parser.Payload and returns a uniform slice, so an incremental parser
// may return one record or many per delta.
func normalizePayload(payload any) []map[string]any {
	switch v := payload.(type) {
	case nil:
		return nil
	case map[string]any:
		return []map[string]any{v}
	case parser.Payload:
		return []map[string]any{v}
	case []map[string]any:
		return v
	case []parser.Payload:
		out := make([]map[string]any, len(v))
		for i, p := range v {
			out[i] = p
		}
		return out
	default:
		return nil
	}
}

func (w *Incremental) reportException(err error) {
	if w.cfg.OnException != nil {
		w.cfg.OnException(w.cfg.Path, err)
		return
	}
	w.cfg.Logger.Warn("incremental worker error", slog.String("path", w.cfg.Path), slog.Any("error", err))
}
