package builtin

import (
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/tripwire/filepulse/internal/parser"
)

// TOML is the default Snapshot parser registered for the ".toml" suffix. It
// decodes the entire document into a flat payload map via go-toml's generic
// Tree representation; nested tables surface as map[string]interface{}
// values for the extractor's flatten step.
var TOML parser.SnapshotFunc = func(path string, _ map[string]any) (map[string]any, parser.Payload, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("builtin toml: load %q: %w", path, err)
	}
	return nil, tree.ToMap(), nil
}
