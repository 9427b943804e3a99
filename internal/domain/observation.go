package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyUSD marks amounts that are already denominated in US dollars.
const CurrencyUSD = "USD"

// Category separates gross fees from retained revenue.
type Category string

const (
	CategoryFee     Category = "fee"
	CategoryRevenue Category = "revenue"
)

// ParseCategory maps upstream labels onto a Category. Empty input is not an error; callers fall back to the
// protocol's default.
func ParseCategory(v string) (Category, bool) {
	switch v {
	case "fee", "fees", "dailyFees", "Fee", "Fees":
		return CategoryFee, true
	case "revenue", "revenues", "dailyRevenue", "Revenue":
		return CategoryRevenue, true
	}
	return "", false
}

// Quality tags revenue as organic or subsidy-driven.
type Quality string

const (
	QualitySustainable  Quality = "sustainable"
	QualityIncentivized Quality = "incentivized"
	QualityUnknown      Quality = "unknown"
)

// ParseQuality accepts the config spellings of a Quality.
func ParseQuality(v string) (Quality, bool) {
	switch Quality(v) {
	case QualitySustainable, QualityIncentivized, QualityUnknown:
		return Quality(v), true
	}
	return "", false
}

// RawObservation is one data point exactly as an upstream source reported it.
type RawObservation struct {
	ProtocolID   string
	ChainID      string
	Timestamp    string
	Amount       string
	Currency     string
	Source       string
	RawRef       string
	Category     string
	FeeType      string
	Counterparty string
}

// Provenance ties a record back to the upstream row it came from.
type Provenance struct {
	Source string
	RawRef string
}

// NormalizedRecord is a USD-denominated, day-granular observation.
type NormalizedRecord struct {
	ProtocolID   string
	ChainID      string
	Day          time.Time
	AmountUSD    decimal.Decimal
	Category     Category
	FeeType      string
	Counterparty string
	Provenance   Provenance
}

// DedupKey identifies the same upstream row across repeated ingestion.
func (r NormalizedRecord) DedupKey() string {
	return r.ProtocolID + "|" + r.ChainID + "|" + r.Day.Format(DayLayout) + "|" + r.Provenance.Source + "|" + r.Provenance.RawRef
}

// ClassifiedRecord carries the revenue share of a record and its quality.
type ClassifiedRecord struct {
	NormalizedRecord
	Quality Quality
	// RevenueUSD is the portion of the record counted as protocol revenue.
	RevenueUSD decimal.Decimal
	// ReportedRevenueUSD is the upstream revenue figure, kept for reconciliation.
	ReportedRevenueUSD decimal.Decimal
}

// FeesUSD is the gross fee contribution of the record.
func (c ClassifiedRecord) FeesUSD() decimal.Decimal {
	if c.Category == CategoryFee {
		return c.AmountUSD
	}
	return decimal.Zero
}
