package builtin

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tripwire/filepulse/internal/parser"
)

// CSVSnapshot is the default Snapshot parser registered for the ".csv"
// suffix. It re-reads the whole file on every invocation and returns the
// last data row keyed by the header row — the natural snapshot semantics for
// a CSV file that is periodically rewritten in full (e.g. a status table).
// Row count is reported via the extras map under "row_count".
var CSVSnapshot parser.SnapshotFunc = func(path string, _ map[string]any) (map[string]any, parser.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("builtin csv: open %q: %w", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("builtin csv: decode %q: %w", path, err)
	}
	if len(rows) == 0 {
		return map[string]any{"row_count": 0}, parser.Payload{}, nil
	}

	header := rows[0]
	payload := parser.Payload{}
	if len(rows) > 1 {
		last := rows[len(rows)-1]
		for i, col := range header {
			if i < len(last) {
				payload[col] = last[i]
			}
		}
	}
	return map[string]any{"row_count": len(rows) - 1}, payload, nil
}

// csvIncrementalState tracks the header row seen for a given incremental CSV
// stream, keyed by the path a request was configured against. Incremental
// parsers are pure with respect to engine state, but the CSV format itself
// is stateful across calls (the header only appears once, at the top of the
// file) — this small per-path cache is local to the builtin parser and never
// touches engine state.
var csvHeaders sync.Map // map[string][]string, keyed by kwargs["__path"]

// CSVIncremental is the default Incremental parser registered for the
// ".csv" suffix. The caller is expected to pass the observed path via the
// "__path" kwarg (the incremental file worker does this automatically); on
// the first delta containing the header line, subsequent deltas are decoded
// using that remembered header. Each complete CSV row in the delta yields
// one record in the returned list, preserving file-byte order.
var CSVIncremental parser.IncrementalFunc = func(delta string, kwargs map[string]any) (map[string]any, any, error) {
	pathKey, _ := kwargs["__path"].(string)

	lines := strings.Split(strings.TrimRight(delta, "\n"), "\n")
	if len(lines) == 0 || (len(lines) == 1 && lines[0] == "") {
		return nil, []parser.Payload{}, nil
	}

	header, haveHeader := loadCSVHeader(pathKey)
	var records []parser.Payload
	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("builtin csv: decode delta: %w", err)
	}

	start := 0
	if !haveHeader && len(rows) > 0 {
		header = rows[0]
		storeCSVHeader(pathKey, header)
		start = 1
	}
	for _, row := range rows[start:] {
		rec := parser.Payload{}
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return map[string]any{"row_count": len(records)}, records, nil
}

func loadCSVHeader(path string) ([]string, bool) {
	v, ok := csvHeaders.Load(path)
	if !ok {
		return nil, false
	}
	return v.([]string), true
}

func storeCSVHeader(path string, header []string) {
	csvHeaders.Store(path, header)
}
