package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/domain"
)

const (
	defillamaFeesPath = "/summary/fees/"
	// chainAll marks series that are not broken down by chain.
	chainAll = "all"
)

// DefaultDataTypes are the DeFiLlama series pulled when a target does not list its own.
var DefaultDataTypes = []string{"dailyFees", "dailyRevenue"}

// DeFiLlamaOptions parameterise the DeFiLlama fee feed client.
type DeFiLlamaOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// DeFiLlama pulls daily fee and revenue series from the DeFiLlama dimensions API.
type DeFiLlama struct {
	http    jsonGetter
	baseURL string
	logger  zerolog.Logger
}

// NewDeFiLlama constructs the client. cache may be nil.
func NewDeFiLlama(opts DeFiLlamaOptions, cache ResponseCache, logger zerolog.Logger) *DeFiLlama {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.llama.fi"
	}
	l := logger.With().Str("component", "defillama_fetcher").Logger()
	return &DeFiLlama{
		http: jsonGetter{
			client:    &http.Client{Timeout: timeout},
			cache:     cache,
			userAgent: opts.UserAgent,
			logger:    l,
			service:   SourceDeFiLlama,
		},
		baseURL: baseURL,
		logger:  l,
	}
}

// Name implements Source.
func (d *DeFiLlama) Name() string { return SourceDeFiLlama }

type llamaSummary struct {
	TotalDataChart          [][]json.RawMessage `json:"totalDataChart"`
	TotalDataChartBreakdown [][]json.RawMessage `json:"totalDataChartBreakdown"`
}

// Fetch implements Source. Each data type becomes one observation per day and chain; when the request names a
// chain, only that chain is kept.
func (d *DeFiLlama) Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error) {
	slug := strings.TrimSpace(req.Target.Slug)
	if slug == "" {
		return nil, errors.New("defillama slug not configured")
	}
	dataTypes := req.Target.DataTypes
	if len(dataTypes) == 0 {
		dataTypes = DefaultDataTypes
	}

	var out []domain.RawObservation
	partial := &PartialError{Source: SourceDeFiLlama}
	for _, dataType := range dataTypes {
		q := url.Values{}
		q.Set("dataType", dataType)
		q.Set("excludeTotalDataChart", "false")
		q.Set("excludeTotalDataChartBreakdown", "false")
		endpoint := d.baseURL + defillamaFeesPath + url.PathEscape(slug) + "?" + q.Encode()

		var summary llamaSummary
		if err := d.http.get(ctx, endpoint, nil, &summary); err != nil {
			return nil, fmt.Errorf("defillama %s %s: %w", slug, dataType, err)
		}

		obs := llamaObservations(req, slug, dataType, summary, partial)
		d.logger.Debug().Str("protocol", req.ProtocolID).Str("data_type", dataType).Int("observations", len(obs)).Msg("defillama series fetched")
		out = append(out, obs...)
	}
	if len(partial.Skipped) > 0 {
		d.logger.Warn().Str("protocol", req.ProtocolID).Int("skipped", len(partial.Skipped)).Msg("unreadable defillama points skipped")
	}
	return out, partial.orNil()
}

// llamaObservations flattens one summary. Points that cannot be read are recorded on partial and skipped.
func llamaObservations(req Request, slug, dataType string, summary llamaSummary, partial *PartialError) []domain.RawObservation {
	category := "fees"
	if strings.Contains(strings.ToLower(dataType), "revenue") {
		category = "revenue"
	}
	wantChain := strings.ToLower(req.ChainID)

	base := domain.RawObservation{
		ProtocolID: req.ProtocolID,
		Currency:   domain.CurrencyUSD,
		Source:     SourceDeFiLlama,
		Category:   category,
		FeeType:    dataType,
	}

	var out []domain.RawObservation
	emit := func(ts int64, chain, sub string, amount json.RawMessage) {
		day := time.Unix(ts, 0).UTC()
		if day.Before(req.Start) || !day.Before(req.End) {
			return
		}
		obs := base
		obs.ChainID = chain
		obs.Timestamp = strconv.FormatInt(ts, 10)
		obs.Amount = strings.Trim(string(amount), `"`)
		obs.RawRef = strings.Join([]string{slug, dataType, obs.Timestamp, chain, sub}, ":")
		out = append(out, obs)
	}

	if len(summary.TotalDataChartBreakdown) > 0 {
		for i, point := range summary.TotalDataChartBreakdown {
			if len(point) != 2 {
				partial.skip("%s breakdown point %d has %d elements", dataType, i, len(point))
				continue
			}
			ts, err := parseUnix(point[0])
			if err != nil {
				partial.skip("%s breakdown point %d: %v", dataType, i, err)
				continue
			}
			var chains map[string]json.RawMessage
			if err := json.Unmarshal(point[1], &chains); err != nil {
				partial.skip("%s breakdown point %d: %v", dataType, i, err)
				continue
			}
			for _, chain := range sortedKeys(chains) {
				name := strings.ToLower(chain)
				if wantChain != "" && wantChain != name {
					continue
				}
				raw := bytes.TrimSpace(chains[chain])
				if len(raw) > 0 && raw[0] == '{' {
					var subs map[string]json.RawMessage
					if err := json.Unmarshal(raw, &subs); err != nil {
						partial.skip("%s breakdown point %d chain %s: %v", dataType, i, name, err)
						continue
					}
					for _, sub := range sortedKeys(subs) {
						emit(ts, name, sub, subs[sub])
					}
					continue
				}
				emit(ts, name, "", raw)
			}
		}
		return out
	}

	chain := wantChain
	if chain == "" {
		chain = chainAll
	}
	for i, point := range summary.TotalDataChart {
		if len(point) != 2 {
			partial.skip("%s chart point %d has %d elements", dataType, i, len(point))
			continue
		}
		ts, err := parseUnix(point[0])
		if err != nil {
			partial.skip("%s chart point %d: %v", dataType, i, err)
			continue
		}
		emit(ts, chain, "", point[1])
	}
	return out
}

func parseUnix(raw json.RawMessage) (int64, error) {
	v := strings.Trim(string(raw), `"`)
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, fmt.Errorf("bad unix timestamp %q", v)
		}
		ts = int64(f)
	}
	return ts, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Source = (*DeFiLlama)(nil)
