package score

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// Rank orders the given protocols' scores by total revenue within each period. All protocols must share a sector.
func Rank(scores []domain.ComparativeScore, protocols []string) ([]domain.ComparativeScore, error) {
	wanted := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		wanted[p] = struct{}{}
	}

	var (
		out    []domain.ComparativeScore
		sector string
		first  string
	)
	for _, sc := range scores {
		if _, ok := wanted[sc.ProtocolID]; !ok {
			continue
		}
		if sector == "" {
			sector, first = sc.Sector, sc.ProtocolID
		} else if sc.Sector != sector {
			return nil, fmt.Errorf("%w: %s (%s) vs %s (%s)", domain.ErrIncompatiblePeerGroup, first, sector, sc.ProtocolID, sc.Sector)
		}
		out = append(out, sc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if !a.PeriodStart.Equal(b.PeriodStart) {
			return a.PeriodStart.Before(b.PeriodStart)
		}
		if c := a.TotalRevenueUSD.Cmp(b.TotalRevenueUSD); c != 0 {
			return c > 0
		}
		return a.ProtocolID < b.ProtocolID
	})
	return out, nil
}

// Comparison contrasts two protocols over the same period.
type Comparison struct {
	Kind        domain.PeriodKind
	PeriodStart time.Time
	A           domain.ComparativeScore
	B           domain.ComparativeScore
	// RevenueDiffUSD is A's total minus B's total.
	RevenueDiffUSD decimal.Decimal
	// RatioDiff is A's revenue/mcap ratio minus B's, null when either side is null.
	RatioDiff decimal.NullDecimal
}

// Compare contrasts a and b on the latest period of kind both were scored for.
func Compare(scores []domain.ComparativeScore, kind domain.PeriodKind, a, b string) (Comparison, error) {
	latest := func(protocol string) map[time.Time]domain.ComparativeScore {
		out := make(map[time.Time]domain.ComparativeScore)
		for _, sc := range scores {
			if sc.ProtocolID == protocol && sc.Kind == kind {
				out[sc.PeriodStart] = sc
			}
		}
		return out
	}
	left, right := latest(a), latest(b)
	if len(left) == 0 || len(right) == 0 {
		return Comparison{}, fmt.Errorf("no %s scores for %s and %s", kind, a, b)
	}

	var ref domain.ComparativeScore
	for _, sc := range left {
		ref = sc
		break
	}
	for _, sc := range right {
		if sc.Sector != ref.Sector {
			return Comparison{}, fmt.Errorf("%w: %s (%s) vs %s (%s)", domain.ErrIncompatiblePeerGroup, a, ref.Sector, b, sc.Sector)
		}
		break
	}

	var (
		at    time.Time
		found bool
	)
	for start := range left {
		if _, ok := right[start]; ok && (!found || start.After(at)) {
			at, found = start, true
		}
	}
	if !found {
		return Comparison{}, fmt.Errorf("%s and %s share no %s period", a, b, kind)
	}

	cmp := Comparison{
		Kind:           kind,
		PeriodStart:    at,
		A:              left[at],
		B:              right[at],
		RevenueDiffUSD: left[at].TotalRevenueUSD.Sub(right[at].TotalRevenueUSD),
	}
	if cmp.A.RevenueToMcapRatio.Valid && cmp.B.RevenueToMcapRatio.Valid {
		cmp.RatioDiff = decimal.NewNullDecimal(cmp.A.RevenueToMcapRatio.Decimal.Sub(cmp.B.RevenueToMcapRatio.Decimal))
	}
	return cmp, nil
}
