// Package normalize turns heterogeneous upstream observations into USD-denominated daily records.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// DefaultPriceToleranceDays is how far from the observation day a price may be taken.
const DefaultPriceToleranceDays = 1

// Rule holds the per-protocol normalization settings.
type Rule struct {
	// DefaultCategory applies when the source row carries no category hint.
	DefaultCategory domain.Category
	// AssetAliases maps a source denomination onto the symbol used by the price table (WETH -> ETH).
	AssetAliases map[string]string
}

// Normalizer converts raw observations using historical prices only.
type Normalizer struct {
	prices    domain.PriceLookup
	tolerance int
}

// New builds a Normalizer. A negative tolerance falls back to DefaultPriceToleranceDays.
func New(prices domain.PriceLookup, toleranceDays int) *Normalizer {
	if toleranceDays < 0 {
		toleranceDays = DefaultPriceToleranceDays
	}
	return &Normalizer{prices: prices, tolerance: toleranceDays}
}

// Normalize maps one raw observation onto a NormalizedRecord.
func (n *Normalizer) Normalize(raw domain.RawObservation, rule Rule) (domain.NormalizedRecord, error) {
	if strings.TrimSpace(raw.ProtocolID) == "" {
		return domain.NormalizedRecord{}, fmt.Errorf("%w: protocol id is empty", domain.ErrMalformedSourceData)
	}

	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return domain.NormalizedRecord{}, err
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return domain.NormalizedRecord{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(raw.Currency))
	if currency == "" {
		return domain.NormalizedRecord{}, fmt.Errorf("%w: currency is empty", domain.ErrMalformedSourceData)
	}

	category, ok := domain.ParseCategory(strings.TrimSpace(raw.Category))
	if !ok {
		if raw.Category != "" || rule.DefaultCategory == "" {
			return domain.NormalizedRecord{}, fmt.Errorf("%w: unknown category %q", domain.ErrMalformedSourceData, raw.Category)
		}
		category = rule.DefaultCategory
	}

	day := domain.Day(ts)
	usd := amount
	if currency != domain.CurrencyUSD {
		asset := currency
		if alias, ok := rule.AssetAliases[currency]; ok {
			asset = strings.ToUpper(alias)
		}
		price, err := n.priceNear(asset, day)
		if err != nil {
			return domain.NormalizedRecord{}, err
		}
		usd = amount.Mul(price)
	}

	chain := strings.ToLower(strings.TrimSpace(raw.ChainID))
	if chain == "" {
		chain = "unknown"
	}

	rec := domain.NormalizedRecord{
		ProtocolID:   strings.TrimSpace(raw.ProtocolID),
		ChainID:      chain,
		Day:          day,
		AmountUSD:    usd,
		Category:     category,
		FeeType:      strings.TrimSpace(raw.FeeType),
		Counterparty: strings.ToLower(strings.TrimSpace(raw.Counterparty)),
		Provenance: domain.Provenance{
			Source: raw.Source,
			RawRef: raw.RawRef,
		},
	}
	if rec.Provenance.RawRef == "" {
		rec.Provenance.RawRef = SyntheticRef(raw)
	}
	return rec, nil
}

// priceNear searches day, then day-1, day+1, day-2 ... up to the tolerance.
func (n *Normalizer) priceNear(asset string, day time.Time) (decimal.Decimal, error) {
	if n.prices != nil {
		for offset := 0; offset <= n.tolerance; offset++ {
			candidates := []int{-offset, offset}
			if offset == 0 {
				candidates = candidates[:1]
			}
			for _, delta := range candidates {
				if price, ok := n.prices.PriceAt(asset, day.AddDate(0, 0, delta)); ok && price.IsPositive() {
					return price, nil
				}
			}
		}
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s on %s (±%d days)", domain.ErrPriceUnavailable, asset, day.Format(domain.DayLayout), n.tolerance)
}

// Result carries the outcome of a batch normalization.
type Result struct {
	Records    []domain.NormalizedRecord
	Issues     []domain.Issue
	Duplicates int
}

// NormalizeBatch normalizes raws, drops duplicates by dedup key and returns records in a stable order.
// Failures are returned as issues and never abort the batch.
func (n *Normalizer) NormalizeBatch(raws []domain.RawObservation, rules map[string]Rule) Result {
	var res Result
	seen := make(map[string]struct{}, len(raws))

	for _, raw := range raws {
		rec, err := n.Normalize(raw, rules[raw.ProtocolID])
		if err != nil {
			issue := domain.NewIssue(err, raw.ProtocolID)
			issue.ChainID = raw.ChainID
			issue.Source = raw.Source
			issue.Field = "raw_ref=" + raw.RawRef
			res.Issues = append(res.Issues, issue)
			continue
		}
		key := rec.DedupKey()
		if _, dup := seen[key]; dup {
			res.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		res.Records = append(res.Records, rec)
	}

	SortRecords(res.Records)
	return res
}

// SortRecords orders records by protocol, day, chain, source and raw reference.
func SortRecords(records []domain.NormalizedRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.ProtocolID != b.ProtocolID {
			return a.ProtocolID < b.ProtocolID
		}
		if !a.Day.Equal(b.Day) {
			return a.Day.Before(b.Day)
		}
		if a.ChainID != b.ChainID {
			return a.ChainID < b.ChainID
		}
		if a.Provenance.Source != b.Provenance.Source {
			return a.Provenance.Source < b.Provenance.Source
		}
		return a.Provenance.RawRef < b.Provenance.RawRef
	})
}

// SyntheticRef derives a deterministic raw reference for sources without row ids.
// Formula: SHA256(protocol|chain|timestamp|amount|currency|source|category|fee_type|counterparty)
func SyntheticRef(raw domain.RawObservation) string {
	data := strings.Join([]string{
		raw.ProtocolID,
		raw.ChainID,
		raw.Timestamp,
		raw.Amount,
		raw.Currency,
		raw.Source,
		raw.Category,
		raw.FeeType,
		raw.Counterparty,
	}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ParseTimestamp accepts unix seconds or milliseconds, RFC3339 and YYYY-MM-DD.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is empty", domain.ErrMalformedSourceData)
	}
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
		if unix > 1_000_000_000_000 {
			return time.UnixMilli(unix).UTC(), nil
		}
		return time.Unix(unix, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(domain.DayLayout, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", domain.ErrMalformedSourceData, v)
}

func parseAmount(v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: amount is empty", domain.ErrMalformedSourceData)
	}
	amount, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: unparsable amount %q", domain.ErrMalformedSourceData, v)
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative amount %s", domain.ErrMalformedSourceData, v)
	}
	return amount, nil
}
