package filepulse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/filepulse/internal/discovery"
	"github.com/tripwire/filepulse/internal/extract"
	"github.com/tripwire/filepulse/internal/parser"
	"github.com/tripwire/filepulse/internal/parser/builtin"
	"github.com/tripwire/filepulse/internal/supervisor"
	"github.com/tripwire/filepulse/internal/worker"
)

// TriggerFlag is a set-once signal the supervisor sets on termination, e.g.
// to notify a downstream subprocess that this session has stopped. See
// NewTriggerFlag and WithTriggerFlag.
type TriggerFlag = supervisor.TriggerFlag

// NewTriggerFlag constructs an unset TriggerFlag to pass to WithTriggerFlag.
func NewTriggerFlag() *TriggerFlag { return supervisor.NewTriggerFlag() }

// ErrCrossDisciplineConflict is returned by Track/Tail when one of the
// request's glob patterns is already registered under the opposite
// discipline. A path may be watched as Snapshot or Incremental, never both.
var ErrCrossDisciplineConflict = errors.New("filepulse: glob already registered under the opposite discipline")

// Discipline selects how a matched file is observed.
type Discipline int

const (
	// Snapshot re-parses the whole file every time its mtime/size/mode
	// fingerprint changes.
	Snapshot Discipline = iota
	// Incremental parses only the bytes appended since the previous read.
	Incremental
)

// ObservationRequest describes one set of paths to watch and how to watch
// them. A Session may hold any number of requests, tracked via Track (for
// Snapshot) or Tail (for Incremental).
type ObservationRequest struct {
	// Globs are doublestar patterns (supporting "**") expanded on a timer
	// to the concrete set of paths this request owns.
	Globs []string
	// Excludes removes paths from the expanded set that would otherwise
	// match Globs.
	Excludes []string

	Discipline Discipline

	// Tracked filters and labels the parsed payload. An empty list emits
	// the payload unchanged (after an optional Flatten).
	Tracked []extract.Tracked
	// Flatten collapses nested mappings with "." before tracked-values
	// filtering is applied.
	Flatten bool

	// FileType overrides suffix-based parser resolution (Snapshot only).
	FileType string
	// Parser, when set, is used instead of the suffix-resolved default.
	Parser any // parser.Snapshot or parser.Incremental, matching Discipline
	// ParserArgs are passed through to the parser on every invocation.
	ParserArgs map[string]any

	// SkipLines drops matching complete lines before they reach an
	// Incremental parser.
	SkipLines *regexp.Regexp

	// Static marks a Snapshot request as expected to settle into one final
	// state; its worker delivers at most one Record then terminates.
	Static bool

	// Interval overrides the default poll interval for this request's
	// discovery and file workers.
	Interval time.Duration
	// FileLimit bounds how many concurrently-owned paths this request's
	// discovery worker will spawn at once.
	FileLimit int

	// Callback receives every Record this request produces. If nil, the
	// Session's default callback (set via WithCallback) is used.
	Callback func(Record)
}

// Session is a running (or configured-but-not-yet-run) observation. Build
// one with New, register requests with Track/Tail, then call Run.
type Session struct {
	logger    *slog.Logger
	callback  func(Record)
	onError   func(path string, err error)
	onNotify  func(msg string)
	registry  *parser.Registry
	super     *supervisor.Supervisor
	supOpts   supervisor.Options
	interval  time.Duration
	fileLimit int
	flatten   bool

	mu             sync.Mutex
	requests       []ObservationRequest
	sinks          []func(Record)
	running        bool
	globDiscipline map[string]Discipline
	registeredKeys map[string]bool
	excludes       *excludeList
}

// excludeList is a mutex-guarded, append-only pattern list shared by every
// discovery worker in a Session. Appending after workers have started is
// visible on their next tick, but never retires a path already spawned.
type excludeList struct {
	mu       sync.Mutex
	patterns []string
}

func (e *excludeList) add(pattern string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = append(e.patterns, pattern)
}

func (e *excludeList) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// Option configures a Session at construction time.
type Option func(*Session)

// New constructs a Session. It does not begin watching anything until Run
// is called.
func New(opts ...Option) *Session {
	registry := parser.NewRegistry()
	builtin.Register(registry)

	s := &Session{
		logger:         slog.Default(),
		registry:       registry,
		interval:       worker.DefaultInterval,
		fileLimit:      discovery.DefaultFileLimit,
		globDiscipline: make(map[string]Discipline),
		registeredKeys: make(map[string]bool),
		excludes:       &excludeList{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithCallback sets the session-wide default callback used by requests that
// do not supply their own.
func WithCallback(cb func(Record)) Option {
	return func(s *Session) { s.callback = cb }
}

// WithExceptionCallback sets the handler invoked once, at session
// termination, if any worker failed to stat, parse, extract, or deliver a
// record during the session's run. It receives an empty path and a single
// error aggregating every such failure, one fragment per failed worker.
func WithExceptionCallback(cb func(path string, err error)) Option {
	return func(s *Session) { s.onError = cb }
}

// WithNotificationCallback sets the handler invoked once per file worker
// spawned ("tracking <path>" or "tailing <path>"). No notice is sent when a
// worker is retired or the session stops.
func WithNotificationCallback(cb func(msg string)) Option {
	return func(s *Session) { s.onNotify = cb }
}

// WithLogger overrides the session's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithTimeout stops the session automatically after d, regardless of
// worker activity.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.supOpts.Timeout = d }
}

// WithAbortOnFailure stops the whole session the first time any worker
// reports a failure, rather than letting the others continue.
func WithAbortOnFailure() Option {
	return func(s *Session) { s.supOpts.AbortOnFailure = true }
}

// WithTriggerFlag registers a downstream subprocess trigger flag. The
// supervisor sets it once every worker has stopped, strictly before the
// session's Close returns, so a caller can poll it to learn the session has
// fully terminated.
func WithTriggerFlag(flag *TriggerFlag) Option {
	return func(s *Session) { s.supOpts.TriggerFlags = append(s.supOpts.TriggerFlags, flag) }
}

// WithLockCallbacks serializes every request callback invocation behind a
// single mutex, so two workers never run a callback concurrently.
func WithLockCallbacks() Option {
	return func(s *Session) { s.supOpts.LockCallbacks = true }
}

// WithInterval overrides the default poll interval used by requests that
// do not set ObservationRequest.Interval.
func WithInterval(d time.Duration) Option {
	return func(s *Session) { s.interval = d }
}

// WithFileLimit overrides the default per-request file limit.
func WithFileLimit(n int) Option {
	return func(s *Session) { s.fileLimit = n }
}

// WithFlattenData flattens every request's payload by default unless the
// request itself overrides Flatten.
func WithFlattenData() Option {
	return func(s *Session) { s.flatten = true }
}

// WithRegistry replaces the built-in parser registry, e.g. to add or
// override suffix-based defaults before any request is tracked.
func WithRegistry(r *parser.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithSink registers an additional callback invoked for every Record the
// session produces, independent of any per-request Callback. Sinks
// (persistence, broadcast, audit) are ordinary subscribers to this
// contract — see the WithPostgresSink, WithLocalQueue, WithBroadcaster, and
// WithAuditLogger options in sinks.go.
func WithSink(fn func(Record)) Option {
	return func(s *Session) { s.sinks = append(s.sinks, fn) }
}

// Track registers a Snapshot observation request. It is equivalent to
// setting req.Discipline = Snapshot and calling add. It returns
// ErrCrossDisciplineConflict if any of req.Globs is already registered
// under Incremental.
func (s *Session) Track(req ObservationRequest) error {
	req.Discipline = Snapshot
	return s.add(req)
}

// Tail registers an Incremental observation request. It is equivalent to
// setting req.Discipline = Incremental and calling add. It returns
// ErrCrossDisciplineConflict if any of req.Globs is already registered
// under Snapshot.
func (s *Session) Tail(req ObservationRequest) error {
	req.Discipline = Incremental
	return s.add(req)
}

// add registers req, keyed on (sorted globs, discipline) for idempotency: a
// request identical in globs and discipline to one already registered is a
// no-op rather than a duplicate worker set. Requests sharing paths under the
// same discipline are still registered and run independently, each applying
// its own tracked-values filter.
func (s *Session) add(req ObservationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("filepulse: cannot register a request while the session is running")
	}

	for _, g := range req.Globs {
		if d, ok := s.globDiscipline[g]; ok && d != req.Discipline {
			return ErrCrossDisciplineConflict
		}
	}

	key := requestKey(req.Globs, req.Discipline)
	if s.registeredKeys[key] {
		return nil
	}
	s.registeredKeys[key] = true
	for _, g := range req.Globs {
		s.globDiscipline[g] = req.Discipline
	}
	s.requests = append(s.requests, req)
	return nil
}

// Exclude appends pattern to the session-wide exclusion list. The list is
// shared across every request's discovery worker regardless of discipline,
// and a pattern takes effect starting with the next discovery tick after
// this call; it does not retroactively stop a path whose file worker has
// already been spawned.
func (s *Session) Exclude(pattern string) {
	s.excludes.add(pattern)
}

// requestKey returns a stable identity for a (globs, discipline) pair,
// independent of the order globs were listed in.
func requestKey(globs []string, d Discipline) string {
	sorted := append([]string(nil), globs...)
	sort.Strings(sorted)
	return fmt.Sprintf("%d:%s", d, strings.Join(sorted, "\x00"))
}

// Run starts every registered request's discovery worker and returns
// immediately; workers run in background goroutines until Close is called
// or a termination trigger fires. Run returns an error if the session is
// already running.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("filepulse: session already running")
	}
	s.running = true
	requests := append([]ObservationRequest(nil), s.requests...)
	s.mu.Unlock()

	s.supOpts.Logger = s.logger
	s.supOpts.OnAggregatedFailure = func(msg string) {
		if s.onError != nil {
			s.onError("", errors.New(msg))
		}
	}
	s.super = supervisor.New(s.supOpts)

	runners := make([]supervisor.Runner, 0, len(requests))
	for _, req := range requests {
		runners = append(runners, s.requestRunner(req))
	}

	return s.super.Run(ctx, runners...)
}

// Close stops the session, retiring every discovery and file worker and
// blocking until all of their goroutines have exited. It returns a non-nil
// error aggregating every worker failure reported during the session's
// lifetime, or nil if none occurred. Safe to call more than once and safe
// to call even if Run was never called.
func (s *Session) Close() error {
	s.mu.Lock()
	sup := s.super
	s.running = false
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	sup.Stop()
	return sup.Err()
}

// requestRunner builds the supervisor.Runner that spawns req's discovery
// worker, which in turn spawns and retires a file worker per matched path.
func (s *Session) requestRunner(req ObservationRequest) supervisor.Runner {
	onResult := func(path string) worker.Callback {
		return func(res worker.Result) error {
			rec := Record{Values: res.Values, Meta: newMeta(path, res.Extras)}
			return s.super.Guard(func() error {
				s.deliver(req, rec)
				return nil
			})
		}
	}
	// Individual worker failures are not surfaced immediately; they are
	// recorded for aggregation and raised as one message when the session
	// terminates (see Run's OnAggregatedFailure wiring and Close).
	onException := func(path string, err error) {
		s.super.Fail(fmt.Errorf("%s: %w", path, err))
	}

	interval := req.Interval
	if interval <= 0 {
		interval = s.interval
	}
	fileLimit := req.FileLimit
	if fileLimit <= 0 {
		fileLimit = s.fileLimit
	}
	flatten := req.Flatten || s.flatten

	spawnWorker := func(ctx context.Context, path string) (func(), error) {
		extractOpts := extract.Options{Flatten: flatten, Tracked: req.Tracked}

		switch req.Discipline {
		case Incremental:
			p, err := s.resolveIncremental(req, path)
			if err != nil {
				return nil, err
			}
			kwargs := withPath(req.ParserArgs, path)
			w := worker.NewIncremental(worker.IncrementalConfig{
				Path:        path,
				Parser:      p,
				Kwargs:      kwargs,
				Extract:     extractOpts,
				Interval:    interval,
				SkipLines:   req.SkipLines,
				OnResult:    onResult(path),
				OnException: onException,
				Logger:      s.logger,
			})
			s.notify(fmt.Sprintf("tailing %s", path))
			w.Start(ctx)
			return w.Stop, nil

		default:
			p, err := s.resolveSnapshot(req, path)
			if err != nil {
				return nil, err
			}
			kwargs := withPath(req.ParserArgs, path)
			w := worker.NewSnapshot(worker.SnapshotConfig{
				Path:        path,
				Parser:      p,
				Kwargs:      kwargs,
				Extract:     extractOpts,
				Interval:    interval,
				Static:      req.Static,
				OnResult:    onResult(path),
				OnException: onException,
				Logger:      s.logger,
			})
			s.notify(fmt.Sprintf("tracking %s", path))
			w.Start(ctx)
			return w.Stop, nil
		}
	}

	disc := discovery.New(discovery.Config{
		Globs:          req.Globs,
		Excludes:       req.Excludes,
		SharedExcludes: s.excludes.snapshot,
		Interval:       interval,
		FileLimit:      fileLimit,
		Spawn:          spawnWorker,
		Logger:         s.logger,
	})

	return func(ctx context.Context) func() {
		disc.Start(ctx)
		return disc.Stop
	}
}

// resolveSnapshot dispatches in order: an explicit FileType override wins
// over an explicit custom Parser, which in turn wins over suffix-based
// registry lookup.
func (s *Session) resolveSnapshot(req ObservationRequest, path string) (parser.Snapshot, error) {
	if req.FileType != "" {
		return s.registry.ResolveSnapshot(path, req.FileType)
	}
	if p, ok := req.Parser.(parser.Snapshot); ok {
		return p, nil
	}
	return s.registry.ResolveSnapshot(path, "")
}

func (s *Session) resolveIncremental(req ObservationRequest, path string) (parser.Incremental, error) {
	if p, ok := req.Parser.(parser.Incremental); ok {
		return p, nil
	}
	return s.registry.ResolveIncremental(path)
}

func (s *Session) deliver(req ObservationRequest, rec Record) {
	cb := req.Callback
	if cb == nil {
		cb = s.callback
	}
	if cb != nil {
		cb(rec)
	}
	for _, sink := range s.sinks {
		sink(rec)
	}
}

func (s *Session) notify(msg string) {
	if s.onNotify != nil {
		s.onNotify(msg)
	}
}

func withPath(base map[string]any, path string) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["__path"] = path
	return out
}
