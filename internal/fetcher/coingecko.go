package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// CoinGeckoOptions parameterise the market data client.
type CoinGeckoOptions struct {
	BaseURL   string
	APIKey    string
	Pro       bool
	Timeout   time.Duration
	UserAgent string
}

// CoinGecko serves historical prices and market caps.
type CoinGecko struct {
	http    jsonGetter
	baseURL string
	headers map[string]string
	logger  zerolog.Logger
}

// NewCoinGecko constructs the client. cache may be nil.
func NewCoinGecko(opts CoinGeckoOptions, cache ResponseCache, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	headers := map[string]string{}
	if opts.APIKey != "" {
		if opts.Pro {
			headers["x-cg-pro-api-key"] = opts.APIKey
		} else {
			headers["x-cg-demo-api-key"] = opts.APIKey
		}
	}
	l := logger.With().Str("component", "coingecko_fetcher").Logger()
	return &CoinGecko{
		http: jsonGetter{
			client:    &http.Client{Timeout: timeout},
			cache:     cache,
			userAgent: opts.UserAgent,
			logger:    l,
			service:   SourceCoinGecko,
		},
		baseURL: baseURL,
		headers: headers,
		logger:  l,
	}
}

type marketChart struct {
	Prices     [][]json.RawMessage `json:"prices"`
	MarketCaps [][]json.RawMessage `json:"market_caps"`
}

// History implements HistoryProvider using /coins/{id}/market_chart/range. The last sample of each UTC day wins.
func (c *CoinGecko) History(ctx context.Context, assetID string, from, to time.Time) (*domain.DailySeries, *domain.DailySeries, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, nil, errors.New("coingecko asset id not configured")
	}
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("from", strconv.FormatInt(from.Unix(), 10))
	q.Set("to", strconv.FormatInt(to.Unix(), 10))
	endpoint := fmt.Sprintf("%s/coins/%s/market_chart/range?%s", c.baseURL, url.PathEscape(assetID), q.Encode())

	var chart marketChart
	if err := c.http.get(ctx, endpoint, c.headers, &chart); err != nil {
		return nil, nil, fmt.Errorf("coingecko %s: %w", assetID, err)
	}

	partial := &PartialError{Source: SourceCoinGecko}
	prices := chartSeries(chart.Prices, "price", partial)
	caps := chartSeries(chart.MarketCaps, "market cap", partial)
	c.logger.Debug().Str("asset", assetID).Int("prices", prices.Len()).Int("market_caps", caps.Len()).Int("skipped", len(partial.Skipped)).Msg("history fetched")
	return prices, caps, partial.orNil()
}

// chartSeries keeps the readable points of a chart. null values are gaps, not errors.
func chartSeries(points [][]json.RawMessage, label string, partial *PartialError) *domain.DailySeries {
	series := domain.NewDailySeries()
	for i, p := range points {
		if len(p) != 2 {
			partial.skip("%s point %d has %d elements", label, i, len(p))
			continue
		}
		if string(p[1]) == "null" {
			continue
		}
		ms, err := parseUnix(p[0])
		if err != nil {
			partial.skip("%s point %d: %v", label, i, err)
			continue
		}
		v, err := decimal.NewFromString(strings.Trim(string(p[1]), `"`))
		if err != nil {
			partial.skip("%s point %d: bad value %s", label, i, p[1])
			continue
		}
		series.Set(time.UnixMilli(ms).UTC(), v)
	}
	return series
}

var _ HistoryProvider = (*CoinGecko)(nil)
