package rest

import (
	"context"

	"github.com/tripwire/filepulse/internal/sink/postgres"
)

// Store is the subset of postgres.Store used by the REST handlers. Defining
// an interface allows handlers to be tested with a mock store without a live
// PostgreSQL connection.
type Store interface {
	// QueryRecords returns records matching q's filter and pagination
	// parameters, most recent first.
	QueryRecords(ctx context.Context, q postgres.RecordQuery) ([]postgres.RecordRow, error)
}
