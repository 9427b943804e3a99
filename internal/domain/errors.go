package domain

import (
	"errors"
	"time"
)

var (
	// ErrMalformedSourceData marks a raw observation missing required fields or carrying unparsable values.
	ErrMalformedSourceData = errors.New("malformed source data")
	// ErrPriceUnavailable is returned when no historical price exists inside the tolerance window.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrSourceUnavailable wraps fetch failures scoped to a protocol/chain/source.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMissingMarketCap is recorded when a period has no usable market cap.
	ErrMissingMarketCap = errors.New("missing market cap")
	// ErrIncompatiblePeerGroup is returned when protocols from different sectors are compared.
	ErrIncompatiblePeerGroup = errors.New("incompatible peer group")
	// ErrNoClassificationRule marks a protocol without a declared revenue rule.
	ErrNoClassificationRule = errors.New("no classification rule")
)

// IssueKind is the stable, machine readable name of an error class.
type IssueKind string

const (
	IssueMalformedSourceData   IssueKind = "malformed_source_data"
	IssuePriceUnavailable      IssueKind = "price_unavailable"
	IssueSourceUnavailable     IssueKind = "source_unavailable"
	IssueMissingMarketCap      IssueKind = "missing_market_cap"
	IssueIncompatiblePeerGroup IssueKind = "incompatible_peer_group"
	IssueNoClassificationRule  IssueKind = "no_classification_rule"
	IssueOther                 IssueKind = "other"
)

// KindOf maps an error onto the issue taxonomy.
func KindOf(err error) IssueKind {
	switch {
	case errors.Is(err, ErrMalformedSourceData):
		return IssueMalformedSourceData
	case errors.Is(err, ErrPriceUnavailable):
		return IssuePriceUnavailable
	case errors.Is(err, ErrSourceUnavailable):
		return IssueSourceUnavailable
	case errors.Is(err, ErrMissingMarketCap):
		return IssueMissingMarketCap
	case errors.Is(err, ErrIncompatiblePeerGroup):
		return IssueIncompatiblePeerGroup
	case errors.Is(err, ErrNoClassificationRule):
		return IssueNoClassificationRule
	}
	return IssueOther
}

// Issue is a scoped failure surfaced in the report instead of aborting the run.
type Issue struct {
	Kind        IssueKind
	ProtocolID  string
	ChainID     string
	Source      string
	PeriodKind  PeriodKind
	PeriodStart time.Time
	Field       string
	Detail      string
}

// NewIssue builds an Issue from err, classifying it with KindOf.
func NewIssue(err error, protocolID string) Issue {
	return Issue{Kind: KindOf(err), ProtocolID: protocolID, Detail: err.Error()}
}
