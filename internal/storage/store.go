package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"crypto-revenue-analyzer/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS runs (
        id            UUID PRIMARY KEY,
        generated_at  TIMESTAMPTZ NOT NULL,
        window_start  DATE NOT NULL,
        window_end    DATE NOT NULL,
        protocols     JSONB NOT NULL,
        bucket_count  INTEGER NOT NULL,
        score_count   INTEGER NOT NULL,
        issue_count   INTEGER NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS idx_runs_generated_at ON runs (generated_at DESC);`,
	`CREATE TABLE IF NOT EXISTS period_buckets (
        run_id                   UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        protocol_id              TEXT NOT NULL,
        period_kind              TEXT NOT NULL,
        period_start             DATE NOT NULL,
        period_end               DATE NOT NULL,
        total_revenue_usd        NUMERIC NOT NULL,
        sustainable_revenue_usd  NUMERIC NOT NULL,
        incentivized_revenue_usd NUMERIC NOT NULL,
        unknown_revenue_usd      NUMERIC NOT NULL,
        total_fees_usd           NUMERIC NOT NULL,
        reported_revenue_usd     NUMERIC NOT NULL,
        observation_count        INTEGER NOT NULL,
        days_covered             INTEGER NOT NULL,
        avg_daily_revenue_usd    NUMERIC NOT NULL,
        is_partial               BOOLEAN NOT NULL,
        revenue_by_chain         JSONB NOT NULL,
        counterparties           BIGINT NOT NULL,
        counterparties_known     BOOLEAN NOT NULL,
        PRIMARY KEY (run_id, protocol_id, period_kind, period_start)
    );`,
	`CREATE TABLE IF NOT EXISTS comparative_scores (
        run_id                 UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        protocol_id            TEXT NOT NULL,
        sector                 TEXT NOT NULL,
        period_kind            TEXT NOT NULL,
        period_start           DATE NOT NULL,
        period_end             DATE NOT NULL,
        is_partial             BOOLEAN NOT NULL,
        total_revenue_usd      NUMERIC NOT NULL,
        annualized_revenue_usd NUMERIC NOT NULL,
        market_cap_usd         NUMERIC,
        revenue_to_mcap_ratio  NUMERIC,
        qoq_growth_pct         NUMERIC,
        sustainability_score   NUMERIC,
        unknown_revenue_share  NUMERIC,
        concentration_unknown  BOOLEAN NOT NULL,
        peer_rank              INTEGER NOT NULL,
        peer_size              INTEGER NOT NULL,
        rating                 TEXT NOT NULL,
        flags                  TEXT[] NOT NULL,
        null_reasons           JSONB NOT NULL,
        PRIMARY KEY (run_id, protocol_id, period_kind, period_start)
    );`,
	`CREATE TABLE IF NOT EXISTS run_issues (
        run_id       UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
        seq          INTEGER NOT NULL,
        kind         TEXT NOT NULL,
        protocol_id  TEXT NOT NULL,
        chain_id     TEXT NOT NULL,
        source       TEXT NOT NULL,
        period_kind  TEXT NOT NULL,
        period_start DATE,
        field        TEXT NOT NULL,
        detail       TEXT NOT NULL,
        PRIMARY KEY (run_id, seq)
    );`,
	`ALTER TABLE runs ADD COLUMN IF NOT EXISTS summary JSONB NOT NULL DEFAULT '{}';`,
	`ALTER TABLE period_buckets ADD COLUMN IF NOT EXISTS reported_observations INTEGER NOT NULL DEFAULT 0;`,
}

// Migrate creates the schema when missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
