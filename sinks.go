package filepulse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tripwire/filepulse/internal/audit"
	"github.com/tripwire/filepulse/internal/queue"
	"github.com/tripwire/filepulse/internal/sink/postgres"
	ws "github.com/tripwire/filepulse/internal/sink/stream"
	"github.com/tripwire/filepulse/internal/supervisor"
)

// WithPostgresSink opens a PostgreSQL-backed Store at connStr and registers
// it as a sink: every Record the session produces is batched into the
// `records` table. Close(ctx) must be called (the Session's Close does not
// manage the Store's lifetime) to flush any records still buffered and
// release the connection pool.
//
// batchSize and flushInterval are forwarded to postgres.New; pass 0 for both
// to use its defaults.
func WithPostgresSink(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (Option, *postgres.Store, error) {
	store, err := postgres.New(ctx, connStr, batchSize, flushInterval)
	if err != nil {
		return nil, nil, err
	}
	opt := WithSink(func(rec Record) {
		_, _ = store.Insert(context.Background(), rec.FileName(), rec.Timestamp(), rec.Values, rec.Meta)
	})
	return opt, store, nil
}

// WithLocalQueue opens a WAL-mode SQLite queue at path and registers it as a
// sink, giving the session an at-least-once local durability buffer ahead of
// a downstream sink that may be temporarily unavailable. The caller is
// responsible for draining the queue (Dequeue/Ack) and for calling Close on
// the returned *queue.SQLiteQueue.
func WithLocalQueue(path string) (Option, *queue.SQLiteQueue, error) {
	q, err := queue.New(path)
	if err != nil {
		return nil, nil, err
	}
	opt := WithSink(func(rec Record) {
		_ = q.Enqueue(context.Background(), queue.Record{Values: rec.Values, Meta: rec.Meta})
	})
	return opt, q, nil
}

// WithBroadcaster registers bc as a sink, fanning every Record out to
// connected WebSocket clients and anonymous Subscribe channels. bc's
// lifecycle (Close) is managed by the caller, not the Session.
func WithBroadcaster(bc *ws.Broadcaster) Option {
	return WithSink(func(rec Record) {
		bc.Publish(ws.Record{
			Path:      rec.FileName(),
			Timestamp: rec.Timestamp(),
			Values:    rec.Values,
		})
	})
}

// WithAuditLogger opens a tamper-evident hash-chained audit log at path and
// registers it both as a per-Record sink (one JSON line per delivered
// Record) and as the supervisor's lifecycle audit trail (one entry for
// session run, each worker failure, and termination with its cause).
// Logging failures are reported through onError rather than dropped
// silently; onError may be nil.
//
// The caller must call Close on the returned *audit.Logger when the session
// is done.
func WithAuditLogger(path string, onError func(err error)) (Option, *audit.Logger, error) {
	logger, err := audit.Open(path)
	if err != nil {
		return nil, nil, err
	}
	recordSink := func(rec Record) {
		payload, err := json.Marshal(map[string]any{
			"file_name": rec.FileName(),
			"values":    rec.Values,
			"meta":      rec.Meta,
		})
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if _, err := logger.Append(payload); err != nil && onError != nil {
			onError(err)
		}
	}
	opt := func(s *Session) {
		s.sinks = append(s.sinks, recordSink)
		s.supOpts.Audit = auditSinkAdapter{logger: logger, onError: onError}
	}
	return opt, logger, nil
}

// auditSinkAdapter adapts *audit.Logger to supervisor.AuditSink, keeping the
// supervisor free of any dependency on the audit log's hash-chained wire
// format.
type auditSinkAdapter struct {
	logger  *audit.Logger
	onError func(error)
}

func (a auditSinkAdapter) Append(payload []byte) error {
	_, err := a.logger.Append(payload)
	if err != nil && a.onError != nil {
		a.onError(err)
	}
	return err
}

var _ supervisor.AuditSink = auditSinkAdapter{}
