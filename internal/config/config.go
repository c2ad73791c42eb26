// Package config provides YAML configuration loading and validation for the
// filepulse CLI front end.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with an UnmarshalYAML that accepts Go
// duration strings ("250ms", "1m30s") instead of requiring nanosecond
// integers in the YAML source.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler so duration fields accept the
// usual Go duration string syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns d as a standard library time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure for the filepulse CLI.
type Config struct {
	// Requests is the list of observation requests the session should
	// track or tail. At least one is required.
	Requests []RequestConfig `yaml:"requests"`

	// Interval is the default poll interval applied to requests that do
	// not set their own. Defaults to 100ms when omitted.
	Interval Duration `yaml:"interval"`

	// Timeout stops the session automatically after it elapses. Zero
	// means run until signalled.
	Timeout Duration `yaml:"timeout"`

	// FileLimit bounds how many concurrently-owned paths a single
	// request's discovery worker may spawn at once. Defaults to 50.
	FileLimit int `yaml:"file_limit"`

	// LockCallbacks serializes every delivered Record behind one mutex.
	LockCallbacks bool `yaml:"lock_callbacks"`

	// AbortOnFailure stops the whole session the first time any worker
	// reports a failure.
	AbortOnFailure bool `yaml:"abort_on_failure"`

	// FlattenData flattens nested payloads with "." by default.
	FlattenData bool `yaml:"flatten_data"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Sinks configures the optional downstream persistence/broadcast/audit
	// layer. Every field is optional; a zero-value SinksConfig wires no
	// sinks at all.
	Sinks SinksConfig `yaml:"sinks"`
}

// RequestConfig is the YAML shape of one filepulse.ObservationRequest.
type RequestConfig struct {
	// Globs are doublestar patterns (supporting "**") expanded on a timer
	// to the concrete set of paths this request owns. Required.
	Globs []string `yaml:"globs"`
	// Excludes removes paths from the expanded set that would otherwise
	// match Globs.
	Excludes []string `yaml:"excludes,omitempty"`

	// Discipline is "snapshot" or "incremental". Required.
	Discipline string `yaml:"discipline"`

	// FileType overrides suffix-based parser resolution (snapshot only).
	FileType string `yaml:"file_type,omitempty"`

	// Flatten collapses nested mappings with "." before tracked-values
	// filtering is applied.
	Flatten bool `yaml:"flatten,omitempty"`

	// Static marks a snapshot request as expected to settle into one
	// final state; its worker delivers at most one Record then
	// terminates. Setting it on an incremental request is a validation
	// error.
	Static bool `yaml:"static,omitempty"`

	// Interval overrides the top-level default for this request.
	Interval Duration `yaml:"interval,omitempty"`
	// FileLimit overrides the top-level default for this request.
	FileLimit int `yaml:"file_limit,omitempty"`

	// SkipLines drops matching complete lines before they reach an
	// incremental parser; compiled as a Go regexp. Incremental only.
	SkipLines string `yaml:"skip_lines,omitempty"`
}

// SinksConfig configures the optional downstream sinks a session may be
// wired with. An empty field disables that sink.
type SinksConfig struct {
	// Postgres, when non-empty, is a libpq connection string; the session
	// gains a batched Postgres record sink.
	Postgres string `yaml:"postgres,omitempty"`
	// PostgresBatchSize overrides postgres.DefaultBatchSize.
	PostgresBatchSize int `yaml:"postgres_batch_size,omitempty"`
	// PostgresFlushInterval overrides postgres.DefaultFlushInterval.
	PostgresFlushInterval Duration `yaml:"postgres_flush_interval,omitempty"`

	// QueuePath, when non-empty, opens a WAL-mode SQLite queue at this
	// path and wires it as a local durability sink.
	QueuePath string `yaml:"queue_path,omitempty"`

	// Broadcast enables the in-process WebSocket broadcaster sink.
	Broadcast bool `yaml:"broadcast,omitempty"`

	// AuditLogPath, when non-empty, opens a tamper-evident hash-chained
	// audit log at this path and wires it as a sink.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDisciplines is the set of accepted discipline strings.
var validDisciplines = map[string]bool{
	"snapshot":    true,
	"incremental": true,
}

// DefaultInterval is the poll interval applied when neither the top-level
// config nor a request specifies one.
const DefaultInterval = Duration(100 * time.Millisecond)

// DefaultFileLimit is the per-request concurrent-file-worker cap applied
// when neither the top-level config nor a request specifies one.
const DefaultFileLimit = 50

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FileLimit <= 0 {
		cfg.FileLimit = DefaultFileLimit
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if len(cfg.Requests) == 0 {
		errs = append(errs, errors.New("requests: at least one observation request is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	for i, req := range cfg.Requests {
		prefix := fmt.Sprintf("requests[%d]", i)
		if len(req.Globs) == 0 {
			errs = append(errs, fmt.Errorf("%s: globs is required", prefix))
		}
		if !validDisciplines[req.Discipline] {
			errs = append(errs, fmt.Errorf("%s: discipline %q must be one of: snapshot, incremental", prefix, req.Discipline))
		}
		if req.Static && req.Discipline != "snapshot" {
			errs = append(errs, fmt.Errorf("%s: static is only valid for discipline=snapshot", prefix))
		}
		if req.SkipLines != "" && req.Discipline != "incremental" {
			errs = append(errs, fmt.Errorf("%s: skip_lines is only valid for discipline=incremental", prefix))
		}
	}

	return errors.Join(errs...)
}
