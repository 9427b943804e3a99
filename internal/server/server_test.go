package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/report"
	"crypto-revenue-analyzer/internal/score"
	"crypto-revenue-analyzer/internal/storage"
)

type staticSource struct {
	snap *domain.Snapshot
	err  error
}

func (s staticSource) Latest(context.Context) (*domain.Snapshot, error) { return s.snap, s.err }

type memoryArchive struct {
	runs  []storage.RunRecord
	snaps map[string]*domain.Snapshot
}

func (m memoryArchive) ListRuns(_ context.Context, limit int) ([]storage.RunRecord, error) {
	if limit < len(m.runs) {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m memoryArchive) LoadSnapshot(_ context.Context, id string) (*domain.Snapshot, error) {
	snap, ok := m.snaps[id]
	if !ok {
		return nil, storage.ErrNoRuns
	}
	return snap, nil
}

func testSnapshot(t *testing.T) *domain.Snapshot {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	window, err := domain.NewWindow(start, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	buckets := []domain.PeriodBucket{{
		ProtocolID: "lido", Kind: domain.PeriodQuarter, PeriodStart: start, PeriodEnd: start.AddDate(0, 3, 0),
		TotalRevenueUSD: decimal.NewFromInt(910), ReportedRevenueUSD: decimal.NewFromInt(1000),
		ReportedObservations: 91, ObservationCount: 182, DaysCovered: 91,
	}}
	scores := []domain.ComparativeScore{{
		ProtocolID: "lido", Sector: "Liquid Staking", Kind: domain.PeriodQuarter, PeriodStart: start,
		TotalRevenueUSD: decimal.NewFromInt(910),
		NullReasons:     map[string]string{domain.FieldMarketCap: domain.ReasonMissingMarketCap},
		Rating:          domain.RatingNA,
	}}
	issues := []domain.Issue{{Kind: domain.IssueMissingMarketCap, ProtocolID: "lido", PeriodKind: domain.PeriodQuarter, PeriodStart: start, Detail: "missing"}}
	protocols := []domain.ProtocolInfo{{ID: "lido", Name: "Lido", Sector: "Liquid Staking"}, {ID: "orphan", Name: "Orphan"}}
	summary := score.Summarize(protocols, buckets, scores, map[string]string{"orphan": domain.ReasonNoSector})
	return domain.NewSnapshot("run-1", start, window, protocols, buckets, scores, issues, summary)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	h := New(":0", staticSource{}, nil, report.BasisDerived, zerolog.Nop()).Router()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("healthz 返回异常: %d %s", rec.Code, rec.Body.String())
	}
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "revanalyzer_http_requests_total") {
		t.Fatalf("metrics 应包含 http 计数器: %d", rec.Code)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	h := New(":0", staticSource{snap: testSnapshot(t)}, nil, report.BasisDerived, zerolog.Nop()).Router()

	rec := get(t, h, "/api/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body snapshotView
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != "run-1" || body.WindowEnd != "2024-03-31" || len(body.Scores) != 1 || len(body.Issues) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Scores[0].MarketCapUSD.Valid || body.Scores[0].NullReasons[domain.FieldMarketCap] != domain.ReasonMissingMarketCap {
		t.Fatalf("null market cap should carry its reason: %+v", body.Scores[0])
	}
	if body.Issues[0].Period != "2024-Q1" {
		t.Fatalf("unexpected issue period %q", body.Issues[0].Period)
	}
}

func TestComparisonEndpointBasis(t *testing.T) {
	h := New(":0", staticSource{snap: testSnapshot(t)}, nil, report.BasisDerived, zerolog.Nop()).Router()

	rec := get(t, h, "/api/comparison?basis=reported")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[0]["annual_revenue_usd"] != "1000" || rows[0]["annual_revenue_basis"] != "reported" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[1]["excluded"] != domain.ReasonNoSector || rows[1]["annual_revenue_usd"] != nil {
		t.Fatalf("无 sector 的协议应为空值并标注原因: %+v", rows[1])
	}

	if rec := get(t, h, "/api/comparison?basis=weekly"); rec.Code != http.StatusBadRequest {
		t.Fatalf("非法 basis 应返回 400, 实际 %d", rec.Code)
	}
}

func TestSnapshotNotFoundAndFailure(t *testing.T) {
	h := New(":0", staticSource{err: storage.ErrNoRuns}, nil, report.BasisDerived, zerolog.Nop()).Router()
	if rec := get(t, h, "/api/snapshot"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	h = New(":0", staticSource{err: errors.New("db down")}, nil, report.BasisDerived, zerolog.Nop()).Router()
	if rec := get(t, h, "/api/snapshot"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRunsEndpoints(t *testing.T) {
	snap := testSnapshot(t)
	archive := memoryArchive{
		runs: []storage.RunRecord{
			{ID: "run-2", WindowStart: snap.Window().Start, WindowEnd: snap.Window().End, BucketCount: 3},
			{ID: "run-1", WindowStart: snap.Window().Start, WindowEnd: snap.Window().End, BucketCount: 1},
		},
		snaps: map[string]*domain.Snapshot{"run-1": snap},
	}
	h := New(":0", staticSource{}, archive, report.BasisDerived, zerolog.Nop()).Router()

	rec := get(t, h, "/api/runs?limit=1")
	var runs []runView
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-2" || runs[0].WindowEnd != "2024-03-31" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	if rec := get(t, h, "/api/runs?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/runs/run-1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := get(t, h, "/api/runs/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	h = New(":0", staticSource{}, nil, report.BasisDerived, zerolog.Nop()).Router()
	if rec := get(t, h, "/api/runs"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
}
