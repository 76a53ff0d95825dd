package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT NOT NULL,
	caller_id     TEXT NOT NULL,
	backend_id    TEXT NOT NULL,
	provider      TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_estimate DOUBLE PRECISION NOT NULL,
	latency_ms    BIGINT NOT NULL,
	cache_hit     BOOLEAN NOT NULL,
	failovers     INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_caller_created
	ON usage_records (caller_id, created_at);
`

const insertUsageRecord = `
INSERT INTO usage_records (
	request_id, caller_id, backend_id, provider,
	input_tokens, output_tokens, cost_estimate, latency_ms,
	cache_hit, failovers, outcome, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// PostgresSink persists usage records to Postgres.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens the database and ensures the usage table exists.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createUsageTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create usage table: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, insertUsageRecord,
		rec.RequestID, rec.CallerID, rec.BackendID, rec.Provider,
		rec.InputTokens, rec.OutputTokens, rec.CostEstimate, rec.LatencyMs,
		rec.CacheHit, rec.Failovers, rec.Outcome, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *PostgresSink) Close() error { return s.db.Close() }
