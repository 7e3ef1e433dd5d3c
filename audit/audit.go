// Package audit provides a Postgres-backed failure ledger and a
// Postgres-backed response cache, grounded on the teacher's
// invalidation.AuditLogger: same append-only, indexed-by-timestamp schema
// idea, re-wired onto github.com/jackc/pgx/v5/pgxpool directly instead of
// Encore's sqldb wrapper, since this module is an embeddable library rather
// than an Encore microservice.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucaromagnoli/dataservice"
	"github.com/lucaromagnoli/dataservice/cache"
)

// FailureLog is a persisted record of a Request that the scheduler gave up
// on, the Postgres analogue of dataservice.FailedRequest.
type FailureLog struct {
	ID            int64
	URL           string
	ExceptionKind string
	Message       string
	OccurredAt    time.Time
}

// FailureLogger appends FailedRequest records to Postgres for durable,
// queryable crawl-failure history across runs.
//
// Design decisions (carried from the teacher's AuditLogger):
//   - append-only log, no updates or deletes, for audit integrity
//   - indexed by occurred_at for efficient time-range queries
type FailureLogger struct {
	pool *pgxpool.Pool
}

// NewFailureLogger opens a pool against dsn and ensures the schema exists.
func NewFailureLogger(ctx context.Context, dsn string) (*FailureLogger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connecting: %w", err)
	}
	l := &FailureLogger{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *FailureLogger) ensureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS crawl_failures (
			id BIGSERIAL PRIMARY KEY,
			url TEXT NOT NULL,
			exception_kind TEXT NOT NULL,
			message TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_crawl_failures_occurred_at
		ON crawl_failures(occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_crawl_failures_url
		ON crawl_failures(url);
	`
	_, err := l.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("audit: ensuring schema: %w", err)
	}
	return nil
}

// Insert persists one FailedRequest.
func (l *FailureLogger) Insert(ctx context.Context, fr dataservice.FailedRequest) error {
	const query = `
		INSERT INTO crawl_failures (url, exception_kind, message, occurred_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := l.pool.Exec(ctx, query, fr.Request.URL, fr.ExceptionKind, fr.Message, fr.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: inserting failure: %w", err)
	}
	return nil
}

// Recent returns the most recently recorded failures, newest first.
func (l *FailureLogger) Recent(ctx context.Context, limit int) ([]FailureLog, error) {
	const query = `
		SELECT id, url, exception_kind, message, occurred_at
		FROM crawl_failures
		ORDER BY occurred_at DESC
		LIMIT $1
	`
	rows, err := l.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying failures: %w", err)
	}
	defer rows.Close()

	var logs []FailureLog
	for rows.Next() {
		var fl FailureLog
		if err := rows.Scan(&fl.ID, &fl.URL, &fl.ExceptionKind, &fl.Message, &fl.OccurredAt); err != nil {
			return nil, fmt.Errorf("audit: scanning failure row: %w", err)
		}
		logs = append(logs, fl)
	}
	return logs, rows.Err()
}

// Close releases the connection pool.
func (l *FailureLogger) Close() { l.pool.Close() }

// PostgresCache is the cache.Cache backing dsconfig.CacheTypePostgres: it
// persists cache entries as rows instead of a single flushed file, which
// suits long-running services better than the JSON/binary snapshot variants
// since a crash doesn't lose entries written since the last flush.
type PostgresCache struct {
	pool *pgxpool.Pool
}

// NewPostgresCache opens a pool against dsn and ensures the cache table
// exists.
func NewPostgresCache(ctx context.Context, dsn string) (*PostgresCache, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connecting cache pool: %w", err)
	}
	c := &PostgresCache{pool: pool}
	const ddl = `
		CREATE TABLE IF NOT EXISTS response_cache (
			fingerprint TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			data JSONB
		);
	`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ensuring cache schema: %w", err)
	}
	return c, nil
}

// Load is a no-op for PostgresCache: Get reads through to the table directly
// since Postgres is itself the durable store, unlike the file-backed
// variants that must hydrate an in-memory map first.
func (c *PostgresCache) Load(ctx context.Context) error { return nil }

// Get looks up a cache entry by fingerprint.
func (c *PostgresCache) Get(key string) (cache.Entry, bool) {
	var e cache.Entry
	var data []byte
	err := c.pool.QueryRow(context.Background(),
		`SELECT text, data FROM response_cache WHERE fingerprint = $1`, key,
	).Scan(&e.Text, &data)
	if err != nil {
		return cache.Entry{}, false
	}
	e.Data = json.RawMessage(data)
	return e, true
}

// Set upserts a cache entry by fingerprint.
func (c *PostgresCache) Set(key string, e cache.Entry) {
	var data any
	if len(e.Data) > 0 {
		data = []byte(e.Data)
	}
	_, _ = c.pool.Exec(context.Background(), `
		INSERT INTO response_cache (fingerprint, text, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET text = EXCLUDED.text, data = EXCLUDED.data
	`, key, e.Text, data)
}

// Flush is a no-op: Set already commits each entry, since partial state loss
// on crash matters more here than batching writes.
func (c *PostgresCache) Flush(ctx context.Context) error { return nil }

// Tick is a no-op for the same reason as Flush.
func (c *PostgresCache) Tick(ctx context.Context, interval time.Duration) {}

// Close releases the connection pool.
func (c *PostgresCache) Close() { c.pool.Close() }
