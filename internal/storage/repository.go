package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoRuns is returned when no snapshot has been persisted yet.
	ErrNoRuns = errors.New("storage: no runs recorded")
)

const (
	insertRunSQL = `INSERT INTO runs (
        id, generated_at, window_start, window_end, protocols, bucket_count, score_count, issue_count, summary
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	insertBucketSQL = `INSERT INTO period_buckets (
        run_id, protocol_id, period_kind, period_start, period_end,
        total_revenue_usd, sustainable_revenue_usd, incentivized_revenue_usd, unknown_revenue_usd,
        total_fees_usd, reported_revenue_usd, observation_count, days_covered, avg_daily_revenue_usd,
        is_partial, revenue_by_chain, counterparties, counterparties_known, reported_observations
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12,$13,$14::numeric,$15,$16,$17,$18,$19
    );`

	insertScoreSQL = `INSERT INTO comparative_scores (
        run_id, protocol_id, sector, period_kind, period_start, period_end, is_partial,
        total_revenue_usd, annualized_revenue_usd, market_cap_usd, revenue_to_mcap_ratio, qoq_growth_pct,
        sustainability_score, unknown_revenue_share, concentration_unknown, peer_rank, peer_size, rating,
        flags, null_reasons
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12::numeric,$13::numeric,$14::numeric,$15,$16,$17,$18,$19,$20
    );`

	insertIssueSQL = `INSERT INTO run_issues (
        run_id, seq, kind, protocol_id, chain_id, source, period_kind, period_start, field, detail
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	selectRunColumns = `id::text, generated_at, window_start, window_end, protocols, bucket_count, score_count, issue_count, created_at, summary`

	latestRunSQL = `SELECT ` + selectRunColumns + ` FROM runs ORDER BY generated_at DESC LIMIT 1;`

	getRunSQL = `SELECT ` + selectRunColumns + ` FROM runs WHERE id = $1;`

	listRunsSQL = `SELECT ` + selectRunColumns + ` FROM runs ORDER BY generated_at DESC LIMIT $1;`

	listBucketsSQL = `SELECT
        protocol_id, period_kind, period_start, period_end,
        total_revenue_usd::text, sustainable_revenue_usd::text, incentivized_revenue_usd::text,
        unknown_revenue_usd::text, total_fees_usd::text, reported_revenue_usd::text,
        observation_count, days_covered, avg_daily_revenue_usd::text, is_partial,
        revenue_by_chain, counterparties, counterparties_known, reported_observations
    FROM period_buckets
    WHERE run_id = $1
    ORDER BY protocol_id, period_kind, period_start;`

	listScoresSQL = `SELECT
        protocol_id, sector, period_kind, period_start, period_end, is_partial,
        total_revenue_usd::text, annualized_revenue_usd::text, market_cap_usd::text,
        revenue_to_mcap_ratio::text, qoq_growth_pct::text, sustainability_score::text,
        unknown_revenue_share::text, concentration_unknown, peer_rank, peer_size, rating,
        flags, null_reasons
    FROM comparative_scores
    WHERE run_id = $1
    ORDER BY protocol_id, period_kind, period_start;`

	listIssuesSQL = `SELECT
        kind, protocol_id, chain_id, source, period_kind, period_start, field, detail
    FROM run_issues
    WHERE run_id = $1
    ORDER BY seq;`

	deleteRunsBeforeSQL = `DELETE FROM runs WHERE generated_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore persists and reloads pipeline snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error
	LatestSnapshot(ctx context.Context) (*domain.Snapshot, error)
	LoadSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL run archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveSnapshot writes the run and all of its rows in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if snap == nil {
		return errors.New("save snapshot: nil snapshot")
	}

	protocols, err := json.Marshal(toProtocolJSON(snap.Protocols()))
	if err != nil {
		return fmt.Errorf("encode protocols: %w", err)
	}
	summary, err := json.Marshal(toSummaryJSON(snap.Summary()))
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	buckets := snap.Buckets()
	scores := snap.Scores()
	issues := snap.Issues()
	window := snap.Window()

	batch := &pgx.Batch{}
	batch.Queue(insertRunSQL, snap.RunID(), snap.GeneratedAt(), window.Start, window.End, protocols,
		len(buckets), len(scores), len(issues), summary)

	for _, b := range buckets {
		byChain := make(map[string]string, len(b.RevenueByChain))
		for chain, v := range b.RevenueByChain {
			byChain[chain] = v.String()
		}
		chainJSON, err := json.Marshal(byChain)
		if err != nil {
			return fmt.Errorf("encode revenue by chain: %w", err)
		}
		batch.Queue(insertBucketSQL,
			snap.RunID(), b.ProtocolID, string(b.Kind), b.PeriodStart, b.PeriodEnd,
			b.TotalRevenueUSD.String(), b.SustainableRevenueUSD.String(), b.IncentivizedRevenueUSD.String(),
			b.UnknownRevenueUSD.String(), b.TotalFeesUSD.String(), b.ReportedRevenueUSD.String(),
			b.ObservationCount, b.DaysCovered, b.AvgDailyRevenueUSD.String(), b.IsPartial,
			chainJSON, int64(b.Counterparties), b.CounterpartiesKnown, b.ReportedObservations,
		)
	}

	for _, sc := range scores {
		reasons := sc.NullReasons
		if reasons == nil {
			reasons = map[string]string{}
		}
		reasonJSON, err := json.Marshal(reasons)
		if err != nil {
			return fmt.Errorf("encode null reasons: %w", err)
		}
		flags := sc.Flags
		if flags == nil {
			flags = []string{}
		}
		batch.Queue(insertScoreSQL,
			snap.RunID(), sc.ProtocolID, sc.Sector, string(sc.Kind), sc.PeriodStart, sc.PeriodEnd, sc.IsPartial,
			sc.TotalRevenueUSD.String(), sc.AnnualizedRevenueUSD.String(),
			nullDecimalArg(sc.MarketCapUSD), nullDecimalArg(sc.RevenueToMcapRatio), nullDecimalArg(sc.QoQGrowthPct),
			nullDecimalArg(sc.SustainabilityScore), nullDecimalArg(sc.UnknownRevenueShare),
			sc.ConcentrationUnknown, sc.PeerRank, sc.PeerSize, sc.Rating, flags, reasonJSON,
		)
	}

	for i, is := range issues {
		var periodStart any
		if !is.PeriodStart.IsZero() {
			periodStart = is.PeriodStart
		}
		batch.Queue(insertIssueSQL,
			snap.RunID(), i, string(is.Kind), is.ProtocolID, is.ChainID, is.Source, string(is.PeriodKind),
			periodStart, is.Field, is.Detail,
		)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.RunID(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", snap.RunID(), err)
	}
	return nil
}

// LatestSnapshot reloads the most recently generated snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	run, err := scanRun(pool.QueryRow(ctx, latestRunSQL))
	if err != nil {
		return nil, err
	}
	return s.loadRows(ctx, pool, run)
}

// LoadSnapshot reloads the snapshot of a given run.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	run, err := scanRun(pool.QueryRow(ctx, getRunSQL, runID))
	if err != nil {
		return nil, err
	}
	return s.loadRows(ctx, pool, run)
}

// ListRuns lists the most recent runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// DeleteRunsBefore removes runs generated before olderThan together with their rows.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete runs before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) loadRows(ctx context.Context, pool *pgxpool.Pool, run RunRecord) (*domain.Snapshot, error) {
	buckets, err := listBuckets(ctx, pool, run.ID)
	if err != nil {
		return nil, err
	}
	scores, err := listScores(ctx, pool, run.ID)
	if err != nil {
		return nil, err
	}
	issues, err := listIssues(ctx, pool, run.ID)
	if err != nil {
		return nil, err
	}
	var summary summaryJSON
	if len(run.summary) > 0 {
		if err := json.Unmarshal(run.summary, &summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	window := domain.Window{Start: run.WindowStart, End: run.WindowEnd}
	return domain.NewSnapshot(run.ID, run.GeneratedAt, window, run.Protocols, buckets, scores, issues, summary.toDomain()), nil
}

func scanRun(row pgx.Row) (RunRecord, error) {
	var (
		rec       RunRecord
		protocols []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.GeneratedAt,
		&rec.WindowStart,
		&rec.WindowEnd,
		&protocols,
		&rec.BucketCount,
		&rec.ScoreCount,
		&rec.IssueCount,
		&rec.CreatedAt,
		&rec.summary,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunRecord{}, ErrNoRuns
		}
		return RunRecord{}, fmt.Errorf("scan run: %w", err)
	}

	var decoded []protocolJSON
	if err := json.Unmarshal(protocols, &decoded); err != nil {
		return RunRecord{}, fmt.Errorf("decode protocols: %w", err)
	}
	rec.Protocols = fromProtocolJSON(decoded)
	rec.GeneratedAt = rec.GeneratedAt.UTC()
	rec.WindowStart = domain.Day(rec.WindowStart)
	rec.WindowEnd = domain.Day(rec.WindowEnd)
	return rec, nil
}

func listBuckets(ctx context.Context, pool *pgxpool.Pool, runID string) ([]domain.PeriodBucket, error) {
	rows, err := pool.Query(ctx, listBucketsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PeriodBucket, 0)
	for rows.Next() {
		var b domain.PeriodBucket
		var kind, total, sust, incent, unknown, fees, reported, avg string
		var byChain []byte
		var counterparties int64
		if err := rows.Scan(
			&b.ProtocolID, &kind, &b.PeriodStart, &b.PeriodEnd,
			&total, &sust, &incent, &unknown, &fees, &reported,
			&b.ObservationCount, &b.DaysCovered, &avg, &b.IsPartial,
			&byChain, &counterparties, &b.CounterpartiesKnown, &b.ReportedObservations,
		); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Kind = domain.PeriodKind(kind)
		b.PeriodStart = domain.Day(b.PeriodStart)
		b.PeriodEnd = domain.Day(b.PeriodEnd)
		b.Counterparties = uint64(counterparties)

		amounts := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&b.TotalRevenueUSD, total},
			{&b.SustainableRevenueUSD, sust},
			{&b.IncentivizedRevenueUSD, incent},
			{&b.UnknownRevenueUSD, unknown},
			{&b.TotalFeesUSD, fees},
			{&b.ReportedRevenueUSD, reported},
			{&b.AvgDailyRevenueUSD, avg},
		}
		for _, a := range amounts {
			v, err := decimal.NewFromString(a.src)
			if err != nil {
				return nil, fmt.Errorf("parse bucket amount: %w", err)
			}
			*a.dst = v
		}

		var chains map[string]string
		if err := json.Unmarshal(byChain, &chains); err != nil {
			return nil, fmt.Errorf("decode revenue by chain: %w", err)
		}
		b.RevenueByChain = make(map[string]decimal.Decimal, len(chains))
		for chain, raw := range chains {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("parse chain revenue: %w", err)
			}
			b.RevenueByChain[chain] = v
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func listScores(ctx context.Context, pool *pgxpool.Pool, runID string) ([]domain.ComparativeScore, error) {
	rows, err := pool.Query(ctx, listScoresSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ComparativeScore, 0)
	for rows.Next() {
		var sc domain.ComparativeScore
		var kind, total, annualized string
		var mcap, ratio, growth, sust, unknownSh *string
		var reasons []byte
		if err := rows.Scan(
			&sc.ProtocolID, &sc.Sector, &kind, &sc.PeriodStart, &sc.PeriodEnd, &sc.IsPartial,
			&total, &annualized, &mcap, &ratio, &growth, &sust, &unknownSh,
			&sc.ConcentrationUnknown, &sc.PeerRank, &sc.PeerSize, &sc.Rating,
			&sc.Flags, &reasons,
		); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		sc.Kind = domain.PeriodKind(kind)
		sc.PeriodStart = domain.Day(sc.PeriodStart)
		sc.PeriodEnd = domain.Day(sc.PeriodEnd)

		if sc.TotalRevenueUSD, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total revenue: %w", err)
		}
		if sc.AnnualizedRevenueUSD, err = decimal.NewFromString(annualized); err != nil {
			return nil, fmt.Errorf("parse annualized revenue: %w", err)
		}
		nullable := []struct {
			dst *decimal.NullDecimal
			src *string
		}{
			{&sc.MarketCapUSD, mcap},
			{&sc.RevenueToMcapRatio, ratio},
			{&sc.QoQGrowthPct, growth},
			{&sc.SustainabilityScore, sust},
			{&sc.UnknownRevenueShare, unknownSh},
		}
		for _, n := range nullable {
			v, err := parseNullDecimal(n.src)
			if err != nil {
				return nil, err
			}
			*n.dst = v
		}
		if err := json.Unmarshal(reasons, &sc.NullReasons); err != nil {
			return nil, fmt.Errorf("decode null reasons: %w", err)
		}
		if len(sc.Flags) == 0 {
			sc.Flags = nil
		}
		out = append(out, sc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func listIssues(ctx context.Context, pool *pgxpool.Pool, runID string) ([]domain.Issue, error) {
	rows, err := pool.Query(ctx, listIssuesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Issue, 0)
	for rows.Next() {
		var (
			is          domain.Issue
			kind, pkind string
			start       *time.Time
		)
		if err := rows.Scan(&kind, &is.ProtocolID, &is.ChainID, &is.Source, &pkind, &start, &is.Field, &is.Detail); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		is.Kind = domain.IssueKind(kind)
		is.PeriodKind = domain.PeriodKind(pkind)
		if start != nil {
			is.PeriodStart = domain.Day(*start)
		}
		out = append(out, is)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func nullDecimalArg(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func parseNullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse nullable decimal: %w", err)
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ SnapshotStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
