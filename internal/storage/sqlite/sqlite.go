package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/normalize"
)

// Store is the local observation cache. Raw rows are kept exactly as fetched so a cached run replays the
// same adapter input.
type Store struct {
	db *sql.DB
}

// New opens the cache database at path over a single connection and creates its tables when missing.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database. It is safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveObservations upserts raw rows. Rows without a native reference are keyed by their content hash.
func (s *Store) SaveObservations(ctx context.Context, observations []domain.RawObservation) (err error) {
	if len(observations) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_observations (
			protocol_id, source, row_key, chain_id, observed_at, ts, amount, currency,
			raw_ref, category, fee_type, counterparty, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(protocol_id, source, row_key)
		DO UPDATE SET
			chain_id = excluded.chain_id,
			observed_at = excluded.observed_at,
			ts = excluded.ts,
			amount = excluded.amount,
			currency = excluded.currency,
			category = excluded.category,
			fee_type = excluded.fee_type,
			counterparty = excluded.counterparty,
			ingested_at = excluded.ingested_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, obs := range observations {
		key := obs.RawRef
		if key == "" {
			key = normalize.SyntheticRef(obs)
		}
		var observedAt any
		if ts, perr := normalize.ParseTimestamp(obs.Timestamp); perr == nil {
			observedAt = ts.Unix()
		}
		_, err = stmt.ExecContext(ctx,
			obs.ProtocolID, obs.Source, key, obs.ChainID, observedAt, obs.Timestamp, obs.Amount, obs.Currency,
			obs.RawRef, obs.Category, obs.FeeType, obs.Counterparty, now,
		)
		if err != nil {
			return fmt.Errorf("sqlite: save observation: %w", err)
		}
	}

	return tx.Commit()
}

// LoadObservations returns cached rows for the protocols whose timestamp falls in [from, to). Rows whose
// timestamp could not be parsed are always returned so the adapter reports them.
func (s *Store) LoadObservations(ctx context.Context, protocolIDs []string, from, to time.Time) ([]domain.RawObservation, error) {
	if len(protocolIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(protocolIDs)), ",")
	args := make([]any, 0, len(protocolIDs)+2)
	for _, id := range protocolIDs {
		args = append(args, id)
	}
	args = append(args, from.Unix(), to.Unix())

	rows, err := s.db.QueryContext(ctx, `
		SELECT protocol_id, chain_id, ts, amount, currency, source, raw_ref, category, fee_type, counterparty
		FROM raw_observations
		WHERE protocol_id IN (`+placeholders+`)
		  AND (observed_at IS NULL OR (observed_at >= ? AND observed_at < ?))
		ORDER BY protocol_id, source, observed_at, row_key
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RawObservation
	for rows.Next() {
		var obs domain.RawObservation
		if err := rows.Scan(&obs.ProtocolID, &obs.ChainID, &obs.Timestamp, &obs.Amount, &obs.Currency,
			&obs.Source, &obs.RawRef, &obs.Category, &obs.FeeType, &obs.Counterparty); err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

// SaveSeries upserts a daily value series under (kind, key).
func (s *Store) SaveSeries(ctx context.Context, kind, key string, series *domain.DailySeries) (err error) {
	if series.Len() == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_series (kind, series_key, day, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, series_key, day) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range series.Days() {
		v, _ := series.At(d)
		if _, err = stmt.ExecContext(ctx, kind, key, d.Format(domain.DayLayout), v.String()); err != nil {
			return fmt.Errorf("sqlite: save series: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSeries reads the cached days of (kind, key) inside [from, to). It returns an empty series on a miss.
func (s *Store) LoadSeries(ctx context.Context, kind, key string, from, to time.Time) (*domain.DailySeries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, value FROM daily_series
		WHERE kind = ? AND series_key = ? AND day >= ? AND day < ?
		ORDER BY day
	`, kind, key, from.Format(domain.DayLayout), to.Format(domain.DayLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	series := domain.NewDailySeries()
	for rows.Next() {
		var day, value string
		if err := rows.Scan(&day, &value); err != nil {
			return nil, err
		}
		t, err := time.Parse(domain.DayLayout, day)
		if err != nil {
			return nil, fmt.Errorf("sqlite: bad cached day %q: %w", day, err)
		}
		v, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("sqlite: bad cached value %q: %w", value, err)
		}
		series.Set(t, v)
	}
	return series, rows.Err()
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS raw_observations (
			protocol_id TEXT NOT NULL,
			source TEXT NOT NULL,
			row_key TEXT NOT NULL,
			chain_id TEXT NOT NULL,
			observed_at INTEGER,
			ts TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			raw_ref TEXT NOT NULL,
			category TEXT NOT NULL,
			fee_type TEXT NOT NULL,
			counterparty TEXT NOT NULL,
			ingested_at TEXT NOT NULL,
			PRIMARY KEY (protocol_id, source, row_key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_raw_observations_time ON raw_observations (protocol_id, observed_at);`,
		`CREATE TABLE IF NOT EXISTS daily_series (
			kind TEXT NOT NULL,
			series_key TEXT NOT NULL,
			day TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (kind, series_key, day)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}
