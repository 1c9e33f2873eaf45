// Package oplog persists and queries the per-batch operation log.
package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pubstats/internal/db"
	"github.com/sells-group/pubstats/internal/model"
	"github.com/sells-group/pubstats/internal/resilience"
)

// Metadata keys the import guard matches on. MetaImported is set to true
// on file_import entries that actually wrote the input rows.
const (
	MetaClicksHash = "clicks_hash"
	MetaFeedsHash  = "feeds_hash"
	MetaImported   = "imported"
)

// DefaultListLimit caps List when the filter sets no limit.
const DefaultListLimit = 50

// Filter narrows List results. Zero values match everything.
type Filter struct {
	BatchID   string
	Operation string
	Limit     int
}

// Log provides read/write access to the operation_log table.
type Log struct {
	pool  db.Querier
	retry resilience.RetryConfig
}

// New creates a Log backed by the given connection pool. Every statement
// runs under the retry policy.
func New(pool db.Querier, retry resilience.RetryConfig) *Log {
	return &Log{pool: pool, retry: retry}
}

// Record appends an entry and returns its ID.
func (l *Log) Record(ctx context.Context, e model.OperationLogEntry) (int64, error) {
	if e.BatchID == "" || e.Operation == "" {
		return 0, eris.New("oplog: batch id and operation are required")
	}
	if e.Status == "" {
		e.Status = model.OpStatusSuccess
	}

	var metaJSON []byte
	if len(e.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return 0, eris.Wrap(err, "oplog: marshal metadata")
		}
	}

	id, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (int64, error) {
		var id int64
		err := l.pool.QueryRow(ctx,
			`INSERT INTO operation_log
			   (batch_id, operation, status, message, records_processed, execution_time_ms, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			e.BatchID, e.Operation, string(e.Status), e.Message, e.RecordsProcessed,
			e.ExecutionTime.Milliseconds(), metaJSON,
		).Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, eris.Wrapf(err, "oplog: record %s for batch %s", e.Operation, e.BatchID)
	}
	return id, nil
}

// List returns entries ordered by most recent first.
func (l *Log) List(ctx context.Context, f Filter) ([]model.OperationLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.BatchID != "" {
		args = append(args, f.BatchID)
		where = append(where, "batch_id = $"+strconv.Itoa(len(args)))
	}
	if f.Operation != "" {
		args = append(args, f.Operation)
		where = append(where, "operation = $"+strconv.Itoa(len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)

	sql := `SELECT id, batch_id, operation, status, message, records_processed,
	               execution_time_ms, metadata, created_at
	        FROM operation_log`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	return resilience.DoVal(ctx, l.retry, func(ctx context.Context) ([]model.OperationLogEntry, error) {
		rows, err := l.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, eris.Wrap(err, "oplog: list")
		}
		defer rows.Close()

		var entries []model.OperationLogEntry
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return nil, eris.Wrap(err, "oplog: scan entry")
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "oplog: list rows")
		}
		return entries, nil
	})
}

// FindImport returns the most recent file_import that wrote rows for the
// given hash pair, recorded by a batch other than excludeBatch at or after
// since. Imports that finished with a warning (skipped or rejected rows)
// count; entries for skipped imports do not. It returns nil when there is none.
func (l *Log) FindImport(ctx context.Context, clicksHash, feedsHash, excludeBatch string, since time.Time) (*model.OperationLogEntry, error) {
	entry, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (*model.OperationLogEntry, error) {
		row := l.pool.QueryRow(ctx,
			`SELECT id, batch_id, operation, status, message, records_processed,
			        execution_time_ms, metadata, created_at
			 FROM operation_log
			 WHERE operation = $1 AND status IN ($2, $3)
			   AND records_processed > 0 AND metadata->>'imported' = 'true'
			   AND metadata->>'clicks_hash' = $4 AND metadata->>'feeds_hash' = $5
			   AND batch_id <> $6 AND created_at >= $7
			 ORDER BY created_at DESC LIMIT 1`,
			model.OpFileImport, string(model.OpStatusSuccess), string(model.OpStatusWarning),
			clicksHash, feedsHash, excludeBatch, since,
		)
		e, err := scanEntry(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &e, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "oplog: find import")
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (model.OperationLogEntry, error) {
	var (
		e        model.OperationLogEntry
		status   string
		execMs   int64
		metaJSON []byte
	)
	if err := row.Scan(&e.ID, &e.BatchID, &e.Operation, &status, &e.Message,
		&e.RecordsProcessed, &execMs, &metaJSON, &e.CreatedAt); err != nil {
		return e, err
	}
	e.Status = model.OpStatus(status)
	e.ExecutionTime = time.Duration(execMs) * time.Millisecond
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return e, eris.Wrapf(err, "decode metadata for entry %d", e.ID)
		}
	}
	return e, nil
}
