package store

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pubstats/internal/db"
	"github.com/sells-group/pubstats/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLockKey serializes concurrent migrate runs.
const migrationLockKey = 7413605

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	retry   resilience.RetryConfig
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns       int32
	MinConns       int32
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// NewPostgres creates a PostgresStore with a connection pool. Every query
// runs under retry with QueryTimeout bounding each attempt.
func NewPostgres(ctx context.Context, connString string, poolCfg PoolConfig, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg.MaxConns > 0 {
		maxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		minConns = poolCfg.MinConns
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	acquire := poolCfg.AcquireTimeout
	if acquire <= 0 {
		acquire = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, acquire)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return newPostgresStore(pool, retry, poolCfg.QueryTimeout, pool.Close), nil
}

func newPostgresStore(pool db.Pool, retry resilience.RetryConfig, queryTimeout time.Duration, closeFn func()) *PostgresStore {
	if queryTimeout > 0 {
		retry.AttemptTimeout = queryTimeout
	}
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("store", "query")
	}
	return &PostgresStore{pool: pool, retry: retry, closeFn: closeFn}
}

// Pool returns the underlying database pool for subsystems that share it,
// such as the operation log.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Retry returns the retry policy the store runs queries under.
func (s *PostgresStore) Retry() resilience.RetryConfig {
	return s.retry
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Migrate applies pending SQL migrations in lexicographic order inside one
// transaction holding an advisory lock.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "store: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockKey)); err != nil {
			return eris.Wrap(err, "store: acquire migration lock")
		}

		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
			return eris.Wrap(err, "store: ensure migration table")
		}

		applied, err := appliedMigrations(ctx, tx)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()
			if applied[name] {
				continue
			}

			data, err := migrationFS.ReadFile("migrations/" + name)
			if err != nil {
				return eris.Wrapf(err, "store: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))

			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "store: apply migration %s", name)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (filename, applied_at) VALUES ($1, now())",
				name,
			); err != nil {
				return eris.Wrapf(err, "store: record migration %s", name)
			}
		}
		return nil
	})
}

func appliedMigrations(ctx context.Context, q db.Querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, "SELECT filename FROM schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "store: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "store: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Health checks connectivity, table presence and the distribution record count.
func (s *PostgresStore) Health(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{Tables: make(map[string]bool, len(RequiredTables)), CheckedAt: time.Now().UTC()}
	for _, t := range RequiredTables {
		report.Tables[t] = false
	}

	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return report, eris.Wrap(err, "store: health: connect")
	}
	report.Connected = true

	rows, err := s.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = ANY($1)`,
		RequiredTables,
	)
	if err != nil {
		return report, eris.Wrap(err, "store: health: list tables")
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return report, eris.Wrap(err, "store: health: scan table")
		}
		report.Tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return report, eris.Wrap(err, "store: health: list tables")
	}

	if report.Tables["distributed_stats"] {
		if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM distributed_stats").Scan(&report.DistributionRecords); err != nil {
			return report, eris.Wrap(err, "store: health: count records")
		}
	}
	return report, nil
}
