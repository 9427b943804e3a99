package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

const (
	blockchairTimeLayout = "2006-01-02 15:04:05"
	// blockchairMaxOffset is the deepest offset the free tier serves.
	blockchairMaxOffset = 10000
)

// DefaultBlockchairChains maps chain names onto Blockchair's EVM chain paths.
var DefaultBlockchairChains = map[string]string{
	"ethereum": "ethereum",
	"polygon":  "polygon",
	"arbitrum": "arbitrum-one",
	"optimism": "optimism",
	"base":     "base",
}

// BlockchairOptions parameterise the Blockchair client.
type BlockchairOptions struct {
	BaseURL    string
	APIKey     string
	PageSize   int
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	Chains     map[string]string
}

// Blockchair lists native inflows to a treasury through Blockchair's transactions table.
type Blockchair struct {
	client   *resty.Client
	apiKey   string
	pageSize int
	chains   map[string]string
	logger   zerolog.Logger
}

// NewBlockchair constructs the client. Rate limited responses (HTTP 402/429/430) are retried.
func NewBlockchair(opts BlockchairOptions, logger zerolog.Logger) *Blockchair {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.blockchair.com"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = 2 * time.Second
	}
	chains := opts.Chains
	if len(chains) == 0 {
		chains = DefaultBlockchairChains
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", defaultUserAgent)
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(retryWait)
	client.SetRetryMaxWaitTime(retryWait * 8)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil || r == nil {
			return false
		}
		switch r.StatusCode() {
		case http.StatusPaymentRequired, http.StatusTooManyRequests, 430:
			return true
		}
		return false
	})

	return &Blockchair{
		client:   client,
		apiKey:   opts.APIKey,
		pageSize: pageSize,
		chains:   chains,
		logger:   logger.With().Str("component", "blockchair_fetcher").Logger(),
	}
}

// Name implements Source.
func (b *Blockchair) Name() string { return SourceBlockchair }

type blockchairResponse struct {
	Data    []blockchairTx `json:"data"`
	Context struct {
		Code      int    `json:"code"`
		Error     string `json:"error"`
		TotalRows int    `json:"total_rows"`
	} `json:"context"`
}

type blockchairTx struct {
	Hash      string          `json:"hash"`
	Time      string          `json:"time"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Value     json.RawMessage `json:"value"`
	Failed    bool            `json:"failed"`
}

// Fetch implements Source. It lists successful native transfers received by the target address inside the
// window. Token transfers are not covered; bind those to the etherscan or onchain source.
func (b *Blockchair) Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error) {
	address := strings.ToLower(strings.TrimSpace(req.Target.Address))
	if address == "" {
		return nil, errors.New("blockchair target address not configured")
	}
	if req.Target.Token != "" {
		return nil, fmt.Errorf("blockchair: token transfers are not supported (token %s)", req.Target.Token)
	}
	chain := strings.ToLower(req.ChainID)
	if chain == "" {
		chain = "ethereum"
	}
	path, ok := b.chains[chain]
	if !ok {
		return nil, fmt.Errorf("blockchair: unsupported chain %q", chain)
	}

	// time() is inclusive on both ends
	last := req.End.Add(-time.Second)
	query := fmt.Sprintf("recipient(%s),time(%s..%s)", address,
		req.Start.UTC().Format(blockchairTimeLayout), last.UTC().Format(blockchairTimeLayout))

	var out []domain.RawObservation
	partial := &PartialError{Source: SourceBlockchair}
	for offset := 0; offset < blockchairMaxOffset; offset += b.pageSize {
		page, err := b.page(ctx, path, query, offset)
		if err != nil {
			return nil, fmt.Errorf("blockchair %s offset %d: %w", path, offset, err)
		}
		for _, tx := range page.Data {
			obs, keep, err := b.observation(req, chain, address, tx)
			if err != nil {
				partial.skip("tx %s: %v", tx.Hash, err)
				continue
			}
			if keep {
				out = append(out, obs)
			}
		}
		if len(page.Data) < b.pageSize || offset+len(page.Data) >= page.Context.TotalRows {
			break
		}
	}

	b.logger.Debug().Str("protocol", req.ProtocolID).Str("chain", chain).Int("observations", len(out)).Int("skipped", len(partial.Skipped)).Msg("blockchair transfers fetched")
	return out, partial.orNil()
}

func (b *Blockchair) page(ctx context.Context, path, query string, offset int) (blockchairResponse, error) {
	params := map[string]string{
		"q":      query,
		"s":      "time(asc)",
		"limit":  strconv.Itoa(b.pageSize),
		"offset": strconv.Itoa(offset),
	}
	if b.apiKey != "" {
		params["key"] = b.apiKey
	}

	var body blockchairResponse
	resp, err := b.client.R().SetContext(ctx).SetQueryParams(params).Get("/" + path + "/transactions")
	if err != nil {
		return body, err
	}
	if resp.StatusCode() != http.StatusOK {
		return body, parseHTTPError(SourceBlockchair, resp.StatusCode(), resp.Body())
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return body, fmt.Errorf("decode blockchair response: %w", err)
	}
	if body.Context.Error != "" {
		return body, fmt.Errorf("blockchair error: %s", body.Context.Error)
	}
	return body, nil
}

func (b *Blockchair) observation(req Request, chain, address string, tx blockchairTx) (domain.RawObservation, bool, error) {
	if tx.Failed || !strings.EqualFold(tx.Recipient, address) {
		return domain.RawObservation{}, false, nil
	}
	when, err := time.Parse(blockchairTimeLayout, tx.Time)
	if err != nil {
		return domain.RawObservation{}, false, fmt.Errorf("bad time %q", tx.Time)
	}
	if when.Before(req.Start) || !when.Before(req.End) {
		return domain.RawObservation{}, false, nil
	}

	// value is a wei string on EVM chains, a bare number on some mirrors
	raw := strings.Trim(string(tx.Value), `"`)
	wei, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return domain.RawObservation{}, false, fmt.Errorf("bad value %q", raw)
	}
	if wei.Sign() == 0 {
		return domain.RawObservation{}, false, nil
	}
	decimals := int32(18)
	if req.Target.Decimals > 0 {
		decimals = req.Target.Decimals
	}

	return domain.RawObservation{
		ProtocolID:   req.ProtocolID,
		ChainID:      chain,
		Timestamp:    strconv.FormatInt(when.Unix(), 10),
		Amount:       decimal.NewFromBigInt(wei, -decimals).String(),
		Currency:     withDefault(req.Target.Symbol, "ETH"),
		Source:       SourceBlockchair,
		RawRef:       tx.Hash,
		Category:     withDefault(req.Target.Category, "fees"),
		FeeType:      withDefault(req.Target.FeeType, "treasury_inflow"),
		Counterparty: strings.ToLower(tx.Sender),
	}, true, nil
}

var _ Source = (*Blockchair)(nil)
