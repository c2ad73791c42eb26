// Package parser defines the uniform contract that both built-in and
// user-supplied format parsers implement, plus a suffix-keyed registry used
// for the default-parser lookup described by the snapshot worker's dispatch
// order (explicit override → explicit custom parser → registry lookup by
// suffix → failure).
//
// Parsers are pure with respect to engine state: they consume a path or a
// content delta plus static keyword arguments and return extracted data, or
// an error. A parser never mutates session configuration and never calls
// back into the engine.
package parser

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Payload is whatever a parser returns as its decoded data: a single-level
// mapping from string key to value. The extractor is responsible for
// flattening nested mappings when requested.
type Payload = map[string]any

// Snapshot is implemented by parsers that consume an entire file on every
// invocation. kwargs carries the static keyword arguments configured on the
// observation request (ObservationRequest.ParserArgs).
type Snapshot interface {
	ParseSnapshot(path string, kwargs map[string]any) (extras map[string]any, payload Payload, err error)
}

// Incremental is implemented by parsers that consume only the bytes newly
// appended to a file since the previous read. The payload may be a single
// mapping or an ordered slice of mappings when the delta covers more than
// one independent record; IncrementalParser implementations that always
// emit exactly one record per call may return a single Payload.
type Incremental interface {
	ParseIncremental(delta string, kwargs map[string]any) (extras map[string]any, payload any, err error)
}

// SnapshotFunc adapts a plain function to the Snapshot interface.
type SnapshotFunc func(path string, kwargs map[string]any) (map[string]any, Payload, error)

// ParseSnapshot implements Snapshot.
func (f SnapshotFunc) ParseSnapshot(path string, kwargs map[string]any) (map[string]any, Payload, error) {
	return f(path, kwargs)
}

// IncrementalFunc adapts a plain function to the Incremental interface.
type IncrementalFunc func(delta string, kwargs map[string]any) (map[string]any, any, error)

// ParseIncremental implements Incremental.
func (f IncrementalFunc) ParseIncremental(delta string, kwargs map[string]any) (map[string]any, any, error) {
	return f(delta, kwargs)
}

// Registry maps a file suffix (lower-cased, including the leading dot, e.g.
// ".json") to the default Snapshot parser used for that suffix. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	snaps    map[string]Snapshot
	incrs    map[string]Incremental
	fallback Incremental
}

// NewRegistry returns an empty Registry. Use Default for one pre-populated
// with the built-in format parsers.
func NewRegistry() *Registry {
	return &Registry{
		snaps: make(map[string]Snapshot),
		incrs: make(map[string]Incremental),
	}
}

// RegisterSnapshot associates suffix (e.g. ".json") with a default Snapshot
// parser. Registering the same suffix twice overwrites the prior entry.
func (r *Registry) RegisterSnapshot(suffix string, p Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[normalizeSuffix(suffix)] = p
}

// RegisterIncremental associates suffix with a default Incremental parser.
func (r *Registry) RegisterIncremental(suffix string, p Incremental) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incrs[normalizeSuffix(suffix)] = p
}

// RegisterFallbackIncremental sets the Incremental parser returned by
// ResolveIncremental when no suffix-specific parser is registered. It backs
// plain line-oriented tracking (LiteralLine tracked-values with no
// structured file format).
func (r *Registry) RegisterFallbackIncremental(p Incremental) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = p
}

// ErrNoParser is returned (wrapped) when no parser can be resolved for a
// path by suffix.
type ErrNoParser struct {
	Path   string
	Suffix string
}

func (e *ErrNoParser) Error() string {
	return fmt.Sprintf("parser: no parser available for %q (suffix %q)", e.Path, e.Suffix)
}

// ResolveSnapshot implements the snapshot dispatch order described by the
// worker: fileType, when non-empty, is looked up directly in the registry
// (the "file_type override" path) instead of deriving the suffix from path.
func (r *Registry) ResolveSnapshot(path, fileType string) (Snapshot, error) {
	suffix := normalizeSuffix(fileType)
	if suffix == "" {
		suffix = normalizeSuffix(filepath.Ext(path))
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snaps[suffix]
	if !ok {
		return nil, &ErrNoParser{Path: path, Suffix: suffix}
	}
	return p, nil
}

// ResolveIncremental looks up the default Incremental parser for path's
// suffix. Incremental requests do not support the file-type override (it is
// a snapshot-only field per the observation request contract).
func (r *Registry) ResolveIncremental(path string) (Incremental, error) {
	suffix := normalizeSuffix(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.incrs[suffix]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &ErrNoParser{Path: path, Suffix: suffix}
}

func normalizeSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" && !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return s
}
