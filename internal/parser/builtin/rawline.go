package builtin

import (
	"strings"

	"github.com/tripwire/filepulse/internal/parser"
	"github.com/tripwire/filepulse/internal/worker"
)

// RawLine is the default Incremental parser used when an observation
// request tracks LiteralLine values without a structured file format: each
// complete line in the delta becomes its own payload, carrying the line
// verbatim under worker.RawLineKey so LiteralLine tracked-values entries can
// match it.
var RawLine parser.IncrementalFunc = func(delta string, _ map[string]any) (map[string]any, any, error) {
	trimmed := strings.TrimRight(delta, "\n")
	if trimmed == "" {
		return nil, []parser.Payload{}, nil
	}
	lines := strings.Split(trimmed, "\n")
	records := make([]parser.Payload, 0, len(lines))
	for _, line := range lines {
		records = append(records, parser.Payload{worker.RawLineKey: line})
	}
	return map[string]any{"line_count": len(records)}, records, nil
}
