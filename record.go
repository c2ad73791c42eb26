// Package filepulse is a parallel file-change observation framework. Given a
// set of filesystem path patterns, it continuously watches matching files
// and, whenever a file's last-modified timestamp advances, parses new
// content and delivers extracted key-value records to a user-supplied
// callback.
//
// Two observation disciplines coexist: snapshot observation re-parses a file
// in full on every change (suitable for structured documents that are
// rewritten wholesale), while incremental observation parses only the bytes
// appended since the previous read (suitable for append-only logs).
//
// A minimal session looks like:
//
//	sess := filepulse.New(filepulse.WithCallback(func(rec filepulse.Record) {
//	    fmt.Println(rec.Values, rec.Meta)
//	}))
//	sess.Track(filepulse.ObservationRequest{Globs: []string{"data/*.json"}})
//	sess.Run(context.Background())
//	defer sess.Close()
package filepulse

import "time"

// Record is the value delivered to a callback for each successful
// extraction: a single-level mapping from label to scalar or structured
// value, accompanied by metadata about where and when it was produced.
type Record struct {
	// Values holds the extracted, optionally flattened and filtered,
	// label→value pairs.
	Values map[string]any

	// Meta always contains "file_name" (absolute path) and "timestamp"
	// (wall-clock seconds since epoch of emission), plus any parser-supplied
	// extras.
	Meta map[string]any
}

// FileName returns the file_name metadata field, or "" if absent.
func (r Record) FileName() string {
	if v, ok := r.Meta["file_name"].(string); ok {
		return v
	}
	return ""
}

// Timestamp returns the timestamp metadata field as a time.Time, or the zero
// value if absent or malformed.
func (r Record) Timestamp() time.Time {
	if v, ok := r.Meta["timestamp"].(float64); ok {
		return time.Unix(0, int64(v*float64(time.Second)))
	}
	return time.Time{}
}

// newMeta builds the base metadata map for a record emitted for path at the
// current wall-clock time, merging in any parser-supplied extras.
func newMeta(path string, extras map[string]any) map[string]any {
	m := make(map[string]any, len(extras)+2)
	for k, v := range extras {
		m[k] = v
	}
	m["file_name"] = path
	m["timestamp"] = float64(time.Now().UnixNano()) / float64(time.Second)
	return m
}
