// Package postgres provides the optional PostgreSQL-backed persistence sink
// for an observation session. It exposes a RecordRow model mapped to a
// single `records` table and a Store that wraps a pgxpool connection pool
// with a batched insert path, so high-volume sessions do not pay a
// round-trip per record.
package postgres

import (
	"encoding/json"
	"time"
)

// RecordRow maps to the `records` table: one row per delivered Record.
//
// Values and Meta carry the record's JSONB payloads verbatim; they round-trip
// without modification: bytes written to the DB are returned unchanged on
// read.
type RecordRow struct {
	RecordID  string          `json:"record_id"`
	FileName  string          `json:"file_name"`
	Timestamp time.Time       `json:"timestamp"`
	Values    json.RawMessage `json:"values"`
	Meta      json.RawMessage `json:"meta"`
	StoredAt  time.Time       `json:"stored_at"`
}

// RecordQuery carries the filter and pagination parameters for QueryRecords.
//
// From and To bracket the stored_at column, enabling PostgreSQL partition
// pruning on deployments that partition the records table by time. Limit
// defaults to 100 when ≤ 0. An empty FileName matches all files.
type RecordQuery struct {
	FileName string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
