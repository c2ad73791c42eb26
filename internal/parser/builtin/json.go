// Package builtin registers the default snapshot and incremental parsers for
// the handful of structured-data formats a typical deployment needs out of
// the box: JSON, YAML, TOML, and CSV. The remaining formats spec.md lists
// (pickle variants, Fortran namelists, columnar formats) are intentionally
// left unregistered — they have no natural Go encoding in this corpus, and
// callers needing them supply a custom parser via ObservationRequest.Parser.
package builtin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tripwire/filepulse/internal/parser"
)

// JSON is the default Snapshot parser registered for the ".json" suffix. It
// decodes the entire file as a single JSON object into a flat payload map;
// nested objects/arrays are preserved as-is (the extractor flattens them
// when flatten_data is requested).
var JSON parser.SnapshotFunc = func(path string, _ map[string]any) (map[string]any, parser.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("builtin json: read %q: %w", path, err)
	}
	var payload parser.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("builtin json: decode %q: %w", path, err)
	}
	return nil, payload, nil
}

// Register installs all built-in parsers into r.
func Register(r *parser.Registry) {
	r.RegisterSnapshot(".json", JSON)
	r.RegisterSnapshot(".yaml", YAML)
	r.RegisterSnapshot(".yml", YAML)
	r.RegisterSnapshot(".toml", TOML)
	r.RegisterSnapshot(".csv", CSVSnapshot)
	r.RegisterIncremental(".csv", CSVIncremental)
	r.RegisterFallbackIncremental(RawLine)
}
