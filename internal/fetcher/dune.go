package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/domain"
)

// Dune result column roles.
const (
	ColumnTimestamp    = "timestamp"
	ColumnAmount       = "amount"
	ColumnChain        = "chain"
	ColumnCategory     = "category"
	ColumnFeeType      = "fee_type"
	ColumnCounterparty = "counterparty"
	ColumnCurrency     = "currency"
)

var defaultDuneColumns = map[string]string{
	ColumnTimestamp: "day",
	ColumnAmount:    "amount",
}

// DuneOptions parameterise the Dune query results client.
type DuneOptions struct {
	BaseURL    string
	APIKey     string
	PageSize   int
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Dune reads the latest results of saved Dune queries.
type Dune struct {
	client   *resty.Client
	pageSize int
	logger   zerolog.Logger
}

// NewDune constructs the client.
func NewDune(opts DuneOptions, logger zerolog.Logger) *Dune {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dune.com/api/v1"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = 2 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("X-Dune-API-Key", opts.APIKey)
	client.SetHeader("User-Agent", defaultUserAgent)
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(retryWait)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r != nil && (r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError)
	})

	return &Dune{
		client:   client,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "dune_fetcher").Logger(),
	}
}

// Name implements Source.
func (d *Dune) Name() string { return SourceDune }

type duneResults struct {
	State  string `json:"state"`
	Result struct {
		Rows []map[string]json.RawMessage `json:"rows"`
	} `json:"result"`
	NextOffset *int `json:"next_offset"`
}

// Fetch implements Source. Rows are mapped through Target.Columns; rows without a raw reference column get a
// content hash downstream.
func (d *Dune) Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error) {
	if req.Target.QueryID <= 0 {
		return nil, errors.New("dune query id not configured")
	}
	columns := make(map[string]string, len(defaultDuneColumns)+len(req.Target.Columns))
	for k, v := range defaultDuneColumns {
		columns[k] = v
	}
	for k, v := range req.Target.Columns {
		columns[k] = v
	}

	var out []domain.RawObservation
	offset := 0
	for {
		resp, err := d.client.R().
			SetContext(ctx).
			SetPathParam("id", strconv.Itoa(req.Target.QueryID)).
			SetQueryParam("limit", strconv.Itoa(d.pageSize)).
			SetQueryParam("offset", strconv.Itoa(offset)).
			Get("/query/{id}/results")
		if err != nil {
			return nil, fmt.Errorf("dune query %d: %w", req.Target.QueryID, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, parseHTTPError(SourceDune, resp.StatusCode(), resp.Body())
		}

		var page duneResults
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, fmt.Errorf("decode dune response: %w", err)
		}
		if page.State != "" && page.State != "QUERY_STATE_COMPLETED" {
			return nil, fmt.Errorf("dune query %d not completed: %s", req.Target.QueryID, page.State)
		}

		for _, row := range page.Result.Rows {
			obs, keep, err := duneObservation(req, columns, row)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, obs)
			}
		}

		if page.NextOffset == nil || *page.NextOffset <= offset || len(page.Result.Rows) == 0 {
			break
		}
		offset = *page.NextOffset
	}

	d.logger.Debug().Str("protocol", req.ProtocolID).Int("query_id", req.Target.QueryID).Int("observations", len(out)).Msg("dune rows fetched")
	return out, nil
}

func duneObservation(req Request, columns map[string]string, row map[string]json.RawMessage) (domain.RawObservation, bool, error) {
	cell := func(role string) string {
		name, ok := columns[role]
		if !ok {
			return ""
		}
		raw, ok := row[name]
		if !ok || string(raw) == "null" {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}

	ts := cell(ColumnTimestamp)
	if when, err := parseDuneTime(ts); err == nil {
		if when.Before(req.Start) || !when.Before(req.End) {
			return domain.RawObservation{}, false, nil
		}
		ts = when.Format(time.RFC3339)
	}

	chain := cell(ColumnChain)
	if chain == "" {
		chain = req.ChainID
	} else if req.ChainID != "" && !strings.EqualFold(chain, req.ChainID) {
		return domain.RawObservation{}, false, nil
	}

	return domain.RawObservation{
		ProtocolID:   req.ProtocolID,
		ChainID:      chain,
		Timestamp:    ts,
		Amount:       cell(ColumnAmount),
		Currency:     withDefault(cell(ColumnCurrency), withDefault(req.Target.Symbol, domain.CurrencyUSD)),
		Source:       SourceDune,
		Category:     withDefault(cell(ColumnCategory), withDefault(req.Target.Category, "revenue")),
		FeeType:      withDefault(cell(ColumnFeeType), req.Target.FeeType),
		Counterparty: cell(ColumnCounterparty),
	}, true, nil
}

// parseDuneTime accepts Dune's "2006-01-02 15:04:05.000 UTC" rendering plus the formats the adapter understands.
func parseDuneTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{"2006-01-02 15:04:05.000 UTC", "2006-01-02 15:04:05 UTC", "2006-01-02 15:04:05", time.RFC3339, domain.DayLayout} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparsable dune time %q", v)
}

var _ Source = (*Dune)(nil)
