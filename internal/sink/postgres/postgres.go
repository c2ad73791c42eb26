package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of record rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed persistence sink for an observation
// session.
//
// Ingestion is batched: callers enqueue individual records via Insert,
// which accumulates them in memory and flushes to the database either when
// the buffer reaches batchSize or when the background ticker fires,
// whichever comes first.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []RecordRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]RecordRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered records, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and
// calls Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Insert enqueues fileName/values/meta for deferred batch insertion and
// returns the generated record ID.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) Insert(ctx context.Context, fileName string, ts time.Time, values, meta map[string]any) (string, error) {
	valuesJSON, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal values: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal meta: %w", err)
	}

	row := RecordRow{
		RecordID:  uuid.NewString(),
		FileName:  fileName,
		Timestamp: ts,
		Values:    valuesJSON,
		Meta:      metaJSON,
		StoredAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.batch = append(s.batch, row)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			return row.RecordID, err
		}
	}
	return row.RecordID, nil
}

// Flush drains the current record buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support).
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains
// a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]RecordRow, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO records
			(record_id, file_name, timestamp, values, meta, stored_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query, r.RecordID, r.FileName, r.Timestamp, []byte(r.Values), []byte(r.Meta), r.StoredAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec record: %w", err)
		}
	}
	return nil
}

// QueryRecords returns paginated records that fall within [q.From, q.To) on
// the stored_at column.
//
// Optional filter: q.FileName (exact match). q.Limit defaults to 100;
// q.Offset enables cursor-style pagination. Results are ordered by
// stored_at DESC, record_id ASC.
func (s *Store) QueryRecords(ctx context.Context, q RecordQuery) ([]RecordRow, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE stored_at >= $1 AND stored_at < $2"
	if q.FileName != "" {
		where += " AND file_name = $5"
		args = append(args, q.FileName)
	}

	sql := fmt.Sprintf(`
		SELECT record_id, file_name, timestamp, values, meta, stored_at
		FROM   records
		%s
		ORDER  BY stored_at DESC, record_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		var values, meta []byte
		if err := rows.Scan(&r.RecordID, &r.FileName, &r.Timestamp, &values, &meta, &r.StoredAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Values = values
		r.Meta = meta
		out = append(out, r)
	}
	return out, rows.Err()
}
