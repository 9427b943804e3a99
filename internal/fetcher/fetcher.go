package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crypto-revenue-analyzer/internal/domain"
)

// Source names.
const (
	SourceDeFiLlama  = "defillama"
	SourceEtherscan  = "etherscan"
	SourceOnChain    = "onchain"
	SourceDune       = "dune"
	SourceCoinGecko  = "coingecko"
	SourceBlockchair = "blockchair"
)

// Target carries the source-specific coordinates of a protocol.
type Target struct {
	// Slug is the DeFiLlama protocol slug.
	Slug string
	// DataTypes lists DeFiLlama series to pull, e.g. dailyFees, dailyRevenue.
	DataTypes []string
	// Address is the treasury or fee collector receiving funds.
	Address string
	// Token is the ERC-20 contract scanned for incoming transfers. Empty means native transfers.
	Token    string
	Decimals int32
	// Symbol is the denomination of on-chain amounts (ETH, USDC...).
	Symbol string
	// QueryID is the Dune query holding the protocol's revenue rows.
	QueryID int
	// Columns maps Dune result columns: timestamp, amount, chain, category, fee_type, counterparty, currency.
	Columns  map[string]string
	Category string
	FeeType  string
}

// Request selects the observations to fetch. The window is [Start, End).
type Request struct {
	ProtocolID string
	ChainID    string
	Start      time.Time
	End        time.Time
	Target     Target
}

// Source fetches raw observations from one upstream.
type Source interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error)
}

// HistoryProvider serves daily USD prices and market caps for an asset.
type HistoryProvider interface {
	History(ctx context.Context, assetID string, from, to time.Time) (prices, marketCaps *domain.DailySeries, err error)
}

// ResponseCache stores raw response bodies. Implemented by cache.Redis.
type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, body []byte) error
}

// PartialError reports upstream points a source could not read. Fetch and History return it together with
// every readable point; callers keep the data and record one issue per skipped point.
type PartialError struct {
	Source  string
	Skipped []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s: %d unreadable points: %s", e.Source, len(e.Skipped), strings.Join(e.Skipped, "; "))
}

// Unwrap classifies every skipped point as malformed source data.
func (e *PartialError) Unwrap() error { return domain.ErrMalformedSourceData }

func (e *PartialError) skip(format string, args ...any) {
	e.Skipped = append(e.Skipped, fmt.Sprintf(format, args...))
}

// orNil keeps an empty PartialError from turning into a non-nil error interface.
func (e *PartialError) orNil() error {
	if e == nil || len(e.Skipped) == 0 {
		return nil
	}
	return e
}
