package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/report"
	"crypto-revenue-analyzer/internal/storage"
)

// SnapshotSource returns the most recent snapshot.
type SnapshotSource interface {
	Latest(ctx context.Context) (*domain.Snapshot, error)
}

// RunArchive lists and loads archived runs.
type RunArchive interface {
	ListRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
	LoadSnapshot(ctx context.Context, runID string) (*domain.Snapshot, error)
}

// Server exposes metrics, health and read-only snapshot endpoints.
type Server struct {
	addr    string
	source  SnapshotSource
	archive RunArchive
	basis   report.Basis
	logger  zerolog.Logger
}

// New builds a server. archive may be nil.
func New(addr string, source SnapshotSource, archive RunArchive, basis report.Basis, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		source:  source,
		archive: archive,
		basis:   basis,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Router returns the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(s.logger))
	r.Use(Metrics())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.latestSnapshot)
		r.Get("/comparison", s.comparison)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.loadRun)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.latest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

func (s *Server) comparison(w http.ResponseWriter, r *http.Request) {
	basis := s.basis
	if v := r.URL.Query().Get("basis"); v != "" {
		parsed, err := report.ParseBasis(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		basis = parsed
	}
	snap, ok := s.latest(w, r)
	if !ok {
		return
	}
	rows := snap.Comparison()
	out := make([]comparisonView, 0, len(rows))
	for _, row := range rows {
		annual, _ := report.AnnualRevenue(row, basis)
		out = append(out, comparisonView{
			ProtocolID:          row.ProtocolID,
			Name:                row.Name,
			Sector:              row.Sector,
			TokenType:           row.TokenType,
			Excluded:            row.Excluded,
			Period:              row.Period,
			MarketCapUSD:        row.MarketCapUSD,
			AnnualRevenueUSD:    annual,
			Basis:               string(basis),
			DerivedRevenueUSD:   row.DerivedRevenueUSD,
			ReportedRevenueUSD:  row.ReportedRevenueUSD,
			QoQGrowthPct:        row.QoQGrowthPct,
			SustainabilityScore: row.SustainabilityScore,
			Rating:              row.Rating,
			PeerRank:            row.PeerRank,
			PeerSize:            row.PeerSize,
			NullReasons:         row.NullReasons,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "run archive not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.archive.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list runs failed")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView{
			ID:          run.ID,
			GeneratedAt: run.GeneratedAt,
			WindowStart: run.WindowStart.Format(domain.DayLayout),
			WindowEnd:   run.WindowEnd.AddDate(0, 0, -1).Format(domain.DayLayout),
			Buckets:     run.BucketCount,
			Scores:      run.ScoreCount,
			Issues:      run.IssueCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "run archive not configured")
		return
	}
	snap, err := s.archive.LoadSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNoRuns) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load run failed")
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) (*domain.Snapshot, bool) {
	snap, err := s.source.Latest(r.Context())
	if errors.Is(err, storage.ErrNoRuns) || (err == nil && snap == nil) {
		writeError(w, http.StatusNotFound, "no snapshot yet")
		return nil, false
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("load latest snapshot failed")
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return nil, false
	}
	return snap, true
}

type comparisonView struct {
	ProtocolID          string              `json:"protocol_id"`
	Name                string              `json:"name"`
	Sector              string              `json:"sector"`
	TokenType           string              `json:"token_type"`
	Excluded            string              `json:"excluded,omitempty"`
	Period              string              `json:"period"`
	MarketCapUSD        decimal.NullDecimal `json:"market_cap_usd"`
	AnnualRevenueUSD    decimal.NullDecimal `json:"annual_revenue_usd"`
	Basis               string              `json:"annual_revenue_basis"`
	DerivedRevenueUSD   decimal.NullDecimal `json:"derived_revenue_usd"`
	ReportedRevenueUSD  decimal.NullDecimal `json:"reported_revenue_usd"`
	QoQGrowthPct        decimal.NullDecimal `json:"qoq_growth_pct"`
	SustainabilityScore decimal.NullDecimal `json:"sustainability_score"`
	Rating              string              `json:"rating"`
	PeerRank            int                 `json:"peer_rank"`
	PeerSize            int                 `json:"peer_size"`
	NullReasons         map[string]string   `json:"null_reasons,omitempty"`
}

type runView struct {
	ID          string    `json:"id"`
	GeneratedAt time.Time `json:"generated_at"`
	WindowStart string    `json:"window_start"`
	WindowEnd   string    `json:"window_end"`
	Buckets     int       `json:"buckets"`
	Scores      int       `json:"scores"`
	Issues      int       `json:"issues"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
