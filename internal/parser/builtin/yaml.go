package builtin

import (
	"fmt"
	"os"

	"github.com/tripwire/filepulse/internal/parser"
	"gopkg.in/yaml.v3"
)

// YAML is the default Snapshot parser registered for the ".yaml"/".yml"
// suffixes. It decodes the entire document into a flat payload map; nested
// mappings are preserved as-is for the extractor's flatten step.
var YAML parser.SnapshotFunc = func(path string, _ map[string]any) (map[string]any, parser.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("builtin yaml: read %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("builtin yaml: decode %q: %w", path, err)
	}
	return nil, normalizeYAMLMaps(raw), nil
}

// normalizeYAMLMaps returns v as a map[string]any, recursing into nested
// map[string]any values. It returns nil when v is not a map[string]any;
// nested maps of any other type (e.g. map[interface{}]interface{}) are left
// as they are, not converted.
func normalizeYAMLMaps(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	for k, val := range m {
		if nested, ok := val.(map[string]any); ok {
			m[k] = normalizeYAMLMaps(nested)
		}
	}
	return m
}
