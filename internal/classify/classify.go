// Package classify applies declarative per-protocol revenue rules to normalized records.
package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// Kind selects how a rule derives revenue.
type Kind string

const (
	// KindPercentOfFees counts a fixed share of every fee record as revenue.
	KindPercentOfFees Kind = "percent_of_fees"
	// KindAllowlistedFeeTypes counts only allowlisted fee types.
	KindAllowlistedFeeTypes Kind = "allowlisted_fee_types"
	// KindExplicitCategoryMap trusts the feed's revenue rows and maps their fee type onto a quality.
	KindExplicitCategoryMap Kind = "explicit_category_map"
)

// Rule is one protocol's revenue rule.
type Rule struct {
	Kind Kind
	// Share is the retained fraction of fees, 0..1. Required for percent_of_fees; an allowlist without one
	// counts the full amount.
	Share                decimal.NullDecimal
	FeeTypes             []string
	IncentivizedFeeTypes []string
	CategoryMap          map[string]domain.Quality
}

// Validate checks the rule is internally consistent.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindPercentOfFees:
		if !r.Share.Valid {
			return fmt.Errorf("percent_of_fees rule needs a share")
		}
		return r.checkShare()
	case KindAllowlistedFeeTypes:
		if len(r.FeeTypes) == 0 {
			return fmt.Errorf("allowlisted_fee_types rule needs at least one fee type")
		}
		return r.checkShare()
	case KindExplicitCategoryMap:
		for feeType, q := range r.CategoryMap {
			if _, ok := domain.ParseQuality(string(q)); !ok {
				return fmt.Errorf("category map entry %q has invalid quality %q", feeType, q)
			}
		}
	case "":
		return fmt.Errorf("rule kind is empty")
	default:
		return fmt.Errorf("unsupported rule kind %q", r.Kind)
	}
	return nil
}

func (r Rule) checkShare() error {
	if !r.Share.Valid {
		return nil
	}
	if v := r.Share.Decimal; v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("share must be within [0,1], got %s", v)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func (r Rule) qualityFor(feeType string) domain.Quality {
	if contains(r.IncentivizedFeeTypes, feeType) {
		return domain.QualityIncentivized
	}
	return domain.QualitySustainable
}

func (r Rule) lookupCategory(feeType string) domain.Quality {
	for k, q := range r.CategoryMap {
		if strings.EqualFold(k, feeType) {
			return q
		}
	}
	return domain.QualityUnknown
}

// Classify tags rec with a revenue quality and the share counted as revenue. A missing or invalid rule yields an
// Unknown record together with ErrNoClassificationRule.
func Classify(rec domain.NormalizedRecord, rule Rule) (domain.ClassifiedRecord, error) {
	out := domain.ClassifiedRecord{
		NormalizedRecord:   rec,
		Quality:            domain.QualityUnknown,
		RevenueUSD:         decimal.Zero,
		ReportedRevenueUSD: decimal.Zero,
	}
	if err := rule.Validate(); err != nil {
		return out, fmt.Errorf("%w: protocol %s: %v", domain.ErrNoClassificationRule, rec.ProtocolID, err)
	}

	if rec.Category == domain.CategoryRevenue {
		out.ReportedRevenueUSD = rec.AmountUSD
	}

	switch rule.Kind {
	case KindPercentOfFees:
		out.Quality = rule.qualityFor(rec.FeeType)
		if rec.Category == domain.CategoryFee {
			out.RevenueUSD = rec.AmountUSD.Mul(rule.Share.Decimal)
		}
	case KindAllowlistedFeeTypes:
		out.Quality = rule.qualityFor(rec.FeeType)
		if rec.Category == domain.CategoryFee && contains(rule.FeeTypes, rec.FeeType) {
			share := decimal.NewFromInt(1)
			if rule.Share.Valid {
				share = rule.Share.Decimal
			}
			out.RevenueUSD = rec.AmountUSD.Mul(share)
		}
	case KindExplicitCategoryMap:
		out.Quality = rule.lookupCategory(rec.FeeType)
		if rec.Category == domain.CategoryRevenue {
			out.RevenueUSD = rec.AmountUSD
		}
	}
	return out, nil
}

// Result is the outcome of classifying a batch.
type Result struct {
	Records []domain.ClassifiedRecord
	Issues  []domain.Issue
	// Dropped lists protocols whose output was withheld for lack of a usable rule.
	Dropped []string
}

// ClassifyAll classifies every record against rules keyed by protocol id. Protocols without a usable rule are
// dropped entirely and reported once.
func ClassifyAll(records []domain.NormalizedRecord, rules map[string]Rule) Result {
	var res Result
	dropped := make(map[string]struct{})

	for _, rec := range records {
		if _, skip := dropped[rec.ProtocolID]; skip {
			continue
		}
		classified, err := Classify(rec, rules[rec.ProtocolID])
		if err != nil {
			dropped[rec.ProtocolID] = struct{}{}
			res.Issues = append(res.Issues, domain.NewIssue(err, rec.ProtocolID))
			continue
		}
		res.Records = append(res.Records, classified)
	}

	if len(dropped) > 0 {
		kept := res.Records[:0]
		for _, rec := range res.Records {
			if _, skip := dropped[rec.ProtocolID]; !skip {
				kept = append(kept, rec)
			}
		}
		res.Records = kept
		for p := range dropped {
			res.Dropped = append(res.Dropped, p)
		}
		sort.Strings(res.Dropped)
	}
	return res
}
