// Package extract implements the value-extraction contract: given a parser
// payload (a mapping, or a list of mappings in the incremental case), it
// applies the optional flatten step and the tracked-values filter, and
// assigns labels, producing the label→value map delivered to a Record.
package extract

import (
	"fmt"
	"regexp"
	"sort"
)

// Tracked is a tagged variant describing one entry of an observation
// request's tracked-values list. Exactly one of the fields is meaningful,
// selected by Kind.
type Tracked struct {
	Kind  Kind
	Key   string         // ExactKey, LiteralLine
	Regex *regexp.Regexp // SingleCaptureRegex, LabeledRegex
	Label string         // required for ExactKey/SingleCaptureRegex; optional override for LabeledRegex
}

// Kind discriminates the tagged variant of a Tracked entry.
type Kind int

const (
	// ExactKey retains the payload item whose key equals Key verbatim.
	ExactKey Kind = iota
	// SingleCaptureRegex applies Regex (exactly one capture group) against a
	// string payload value via findall semantics; Label is required.
	SingleCaptureRegex
	// LabeledRegex applies Regex (exactly two capture groups) against a
	// string payload value; the first capture group is the label unless
	// Label overrides it, the second is the value.
	LabeledRegex
	// LiteralLine matches a raw incremental line against Key verbatim;
	// valid only for incremental requests.
	LiteralLine
)

// NewExactKey builds a Tracked entry that retains payload[key] under label.
func NewExactKey(key string) Tracked { return Tracked{Kind: ExactKey, Key: key, Label: key} }

// NewSingleCaptureRegex builds a Tracked entry for a one-capture-group regex.
// label is required by the invariant in spec.md §3.
func NewSingleCaptureRegex(re *regexp.Regexp, label string) Tracked {
	return Tracked{Kind: SingleCaptureRegex, Regex: re, Label: label}
}

// NewLabeledRegex builds a Tracked entry for a two-capture-group regex.
// labelOverride, when non-empty, replaces the captured label.
func NewLabeledRegex(re *regexp.Regexp, labelOverride string) Tracked {
	return Tracked{Kind: LabeledRegex, Regex: re, Label: labelOverride}
}

// NewLiteralLine builds a Tracked entry that matches a raw incremental line.
func NewLiteralLine(line, label string) Tracked {
	return Tracked{Kind: LiteralLine, Key: line, Label: label}
}

// Validate checks the label/tracked-value co-constraints from spec.md §3:
// a string entry or single-capture regex requires a non-null label.
func (t Tracked) Validate() error {
	switch t.Kind {
	case ExactKey:
		if t.Key == "" {
			return fmt.Errorf("extract: ExactKey entry requires a non-empty key")
		}
	case SingleCaptureRegex:
		if t.Label == "" {
			return fmt.Errorf("extract: SingleCaptureRegex entry requires a label")
		}
		if t.Regex == nil || t.Regex.NumSubexp() != 1 {
			return fmt.Errorf("extract: SingleCaptureRegex requires exactly one capture group")
		}
	case LabeledRegex:
		if t.Regex == nil || t.Regex.NumSubexp() != 2 {
			return fmt.Errorf("extract: LabeledRegex requires exactly two capture groups")
		}
	case LiteralLine:
		if t.Key == "" || t.Label == "" {
			return fmt.Errorf("extract: LiteralLine entry requires a key and a label")
		}
	}
	return nil
}

// Options controls extraction behaviour independent of the tracked-values
// list itself.
type Options struct {
	// Flatten collapses nested mappings using "." as the key delimiter.
	Flatten bool
	// Tracked is the filter list; nil or empty means "emit unchanged".
	Tracked []Tracked
	// Line is the raw incremental line under consideration, used only for
	// LiteralLine matching. Empty for snapshot payloads.
	Line string
}

// Flatten collapses a nested mapping into a single-level map using "." as
// the key delimiter. Sequence values (and any other non-map value) are
// preserved as-is. Applying Flatten to an already-flat payload is a no-op.
func Flatten(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// Extract applies opts.Flatten (if set) and then the tracked-values filter
// to payload, returning the resulting label→value map. A nil return (with
// ok=false) means the record should be dropped: the filter produced no
// matches for this payload.
func Extract(payload map[string]any, opts Options) (map[string]any, bool) {
	data := payload
	if opts.Flatten {
		data = Flatten(payload)
	}

	if len(opts.Tracked) == 0 {
		if len(data) == 0 {
			return nil, false
		}
		return data, true
	}

	result := make(map[string]any)
	matched := false

	for _, t := range opts.Tracked {
		switch t.Kind {
		case ExactKey:
			if v, ok := data[t.Key]; ok {
				result[t.Label] = v
				matched = true
			}

		case SingleCaptureRegex:
			for _, v := range data {
				s, ok := v.(string)
				if !ok {
					continue
				}
				matches := t.Regex.FindAllStringSubmatch(s, -1)
				assignSuffixed(result, t.Label, matches, 1)
				if len(matches) > 0 {
					matched = true
				}
			}

		case LabeledRegex:
			for _, v := range data {
				s, ok := v.(string)
				if !ok {
					continue
				}
				for _, m := range t.Regex.FindAllStringSubmatch(s, -1) {
					label := m[1]
					if t.Label != "" {
						label = t.Label
					}
					result[label] = m[2]
					matched = true
				}
			}

		case LiteralLine:
			if opts.Line == t.Key {
				result[t.Label] = opts.Line
				matched = true
			}
		}
	}

	if !matched {
		return nil, false
	}
	return result, true
}

// assignSuffixed writes each capture group (at captureIdx) from matches into
// dst under label, suffixing with _0, _1, ... in order when there is more
// than one match — per spec.md §4.2 step 3.
func assignSuffixed(dst map[string]any, label string, matches [][]string, captureIdx int) {
	if len(matches) == 0 {
		return
	}
	if len(matches) == 1 {
		dst[label] = matches[0][captureIdx]
		return
	}
	for i, m := range matches {
		dst[fmt.Sprintf("%s_%d", label, i)] = m[captureIdx]
	}
}

// SortedKeys is a small test/debug helper returning payload's keys sorted,
// useful for deterministic assertions over map iteration.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
