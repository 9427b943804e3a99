package fetcher

import (
	"bytes"
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

// etherscanMaxWindow is the explorer's cap on page*offset for account queries.
const etherscanMaxWindow = 10000

// DefaultExplorerChainIDs maps chain names onto the numeric ids used by the multichain explorer API.
var DefaultExplorerChainIDs = map[string]int64{
	"ethereum": 1,
	"optimism": 10,
	"bsc":      56,
	"polygon":  137,
	"base":     8453,
	"arbitrum": 42161,
}

// EtherscanOptions parameterise the explorer client.
type EtherscanOptions struct {
	BaseURL    string
	APIKey     string
	PageSize   int
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	ChainIDs   map[string]int64
}

// Etherscan lists treasury inflows through an Etherscan-family explorer.
type Etherscan struct {
	client   *resty.Client
	apiKey   string
	pageSize int
	chainIDs map[string]int64
	logger   zerolog.Logger
}

// NewEtherscan constructs the client with retries on explorer rate limiting.
func NewEtherscan(opts EtherscanOptions, logger zerolog.Logger) *Etherscan {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.etherscan.io/v2/api"
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > etherscanMaxWindow {
		pageSize = 1000
	}
	retryWait := opts.RetryWait
	if retryWait <= 0 {
		retryWait = time.Second
	}
	chainIDs := opts.ChainIDs
	if len(chainIDs) == 0 {
		chainIDs = DefaultExplorerChainIDs
	}

	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", defaultUserAgent)
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(retryWait)
	client.SetRetryMaxWaitTime(retryWait * 8)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err == nil && r != nil && isRateLimited(r.StatusCode(), r.Body())
	})

	return &Etherscan{
		client:   client,
		apiKey:   opts.APIKey,
		pageSize: pageSize,
		chainIDs: chainIDs,
		logger:   logger.With().Str("component", "etherscan_fetcher").Logger(),
	}
}

// Name implements Source.
func (e *Etherscan) Name() string { return SourceEtherscan }

func isRateLimited(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("rate limit"))
}

type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTx struct {
	BlockNumber  string `json:"blockNumber"`
	TimeStamp    string `json:"timeStamp"`
	Hash         string `json:"hash"`
	From         string `json:"from"`
	To           string `json:"to"`
	Value        string `json:"value"`
	IsError      string `json:"isError"`
	TokenDecimal string `json:"tokenDecimal"`
	TokenSymbol  string `json:"tokenSymbol"`
	LogIndex     string `json:"logIndex"`
}

func (e *Etherscan) call(ctx context.Context, params map[string]string, out any) error {
	if e.apiKey != "" {
		params["apikey"] = e.apiKey
	}
	resp, err := e.client.R().SetContext(ctx).SetQueryParams(params).Get("")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return parseHTTPError(SourceEtherscan, resp.StatusCode(), resp.Body())
	}

	var env explorerEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("decode etherscan response: %w", err)
	}
	if env.Status != "1" {
		// An empty account is reported as status 0 with an empty array.
		if strings.HasPrefix(strings.ToLower(env.Message), "no transactions found") {
			return json.Unmarshal([]byte("[]"), out)
		}
		var msg string
		_ = json.Unmarshal(env.Result, &msg)
		if isRateLimited(resp.StatusCode(), []byte(msg)) {
			return fmt.Errorf("etherscan rate limited: %s", msg)
		}
		return fmt.Errorf("etherscan error: %s %s", env.Message, msg)
	}
	return json.Unmarshal(env.Result, out)
}

func (e *Etherscan) blockByTime(ctx context.Context, chainID int64, ts time.Time, closest string) (int64, error) {
	var result string
	err := e.call(ctx, map[string]string{
		"chainid":   strconv.FormatInt(chainID, 10),
		"module":    "block",
		"action":    "getblocknobytime",
		"timestamp": strconv.FormatInt(ts.Unix(), 10),
		"closest":   closest,
	}, &result)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(result, 10, 64)
}

// Fetch implements Source. It lists incoming, successful transfers to the target address inside the window.
func (e *Etherscan) Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error) {
	address := strings.ToLower(strings.TrimSpace(req.Target.Address))
	if address == "" {
		return nil, errors.New("etherscan target address not configured")
	}
	chain := strings.ToLower(req.ChainID)
	if chain == "" {
		chain = "ethereum"
	}
	chainID, ok := e.chainIDs[chain]
	if !ok {
		return nil, fmt.Errorf("etherscan: unsupported chain %q", chain)
	}

	startBlock, endBlock := int64(0), int64(99999999)
	if b, err := e.blockByTime(ctx, chainID, req.Start, "after"); err == nil {
		startBlock = b
	} else {
		e.logger.Debug().Err(err).Msg("start block lookup failed, scanning from genesis")
	}
	if b, err := e.blockByTime(ctx, chainID, req.End, "before"); err == nil {
		endBlock = b
	} else {
		e.logger.Debug().Err(err).Msg("end block lookup failed, scanning to head")
	}

	action := "txlist"
	if req.Target.Token != "" {
		action = "tokentx"
	}

	var out []domain.RawObservation
	partial := &PartialError{Source: SourceEtherscan}
	for page := 1; page*e.pageSize <= etherscanMaxWindow; page++ {
		params := map[string]string{
			"chainid":    strconv.FormatInt(chainID, 10),
			"module":     "account",
			"action":     action,
			"address":    address,
			"startblock": strconv.FormatInt(startBlock, 10),
			"endblock":   strconv.FormatInt(endBlock, 10),
			"page":       strconv.Itoa(page),
			"offset":     strconv.Itoa(e.pageSize),
			"sort":       "asc",
		}
		if req.Target.Token != "" {
			params["contractaddress"] = req.Target.Token
		}

		var txs []explorerTx
		if err := e.call(ctx, params, &txs); err != nil {
			return nil, fmt.Errorf("etherscan %s page %d: %w", action, page, err)
		}

		for _, tx := range txs {
			obs, keep, err := e.observation(req, chain, address, tx)
			if err != nil {
				partial.skip("tx %s: %v", tx.Hash, err)
				continue
			}
			if keep {
				out = append(out, obs)
			}
		}
		if len(txs) < e.pageSize {
			break
		}
	}

	e.logger.Debug().Str("protocol", req.ProtocolID).Str("chain", chain).Int("observations", len(out)).Int("skipped", len(partial.Skipped)).Msg("explorer transfers fetched")
	return out, partial.orNil()
}

func (e *Etherscan) observation(req Request, chain, address string, tx explorerTx) (domain.RawObservation, bool, error) {
	if !strings.EqualFold(tx.To, address) || (tx.IsError != "" && tx.IsError != "0") {
		return domain.RawObservation{}, false, nil
	}
	ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return domain.RawObservation{}, false, fmt.Errorf("bad timestamp %q", tx.TimeStamp)
	}
	when := time.Unix(ts, 0).UTC()
	if when.Before(req.Start) || !when.Before(req.End) {
		return domain.RawObservation{}, false, nil
	}

	wei, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok {
		return domain.RawObservation{}, false, fmt.Errorf("bad value %q", tx.Value)
	}
	decimals := int32(18)
	if req.Target.Decimals > 0 {
		decimals = req.Target.Decimals
	}
	if tx.TokenDecimal != "" {
		if d, err := strconv.ParseInt(tx.TokenDecimal, 10, 32); err == nil {
			decimals = int32(d)
		}
	}
	if wei.Sign() == 0 {
		return domain.RawObservation{}, false, nil
	}

	symbol := req.Target.Symbol
	if symbol == "" {
		symbol = tx.TokenSymbol
	}
	if symbol == "" {
		symbol = "ETH"
	}
	ref := tx.Hash
	if tx.LogIndex != "" {
		ref += ":" + tx.LogIndex
	}

	return domain.RawObservation{
		ProtocolID:   req.ProtocolID,
		ChainID:      chain,
		Timestamp:    tx.TimeStamp,
		Amount:       decimal.NewFromBigInt(wei, -decimals).String(),
		Currency:     symbol,
		Source:       SourceEtherscan,
		RawRef:       ref,
		Category:     withDefault(req.Target.Category, "fees"),
		FeeType:      withDefault(req.Target.FeeType, "treasury_inflow"),
		Counterparty: strings.ToLower(tx.From),
	}, true, nil
}

func withDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

var _ Source = (*Etherscan)(nil)
