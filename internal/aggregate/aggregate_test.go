package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-revenue-analyzer/internal/classify"
	"crypto-revenue-analyzer/internal/domain"
)

func d(s string) time.Time {
	t, err := time.Parse(domain.DayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func classified(protocol string, day time.Time, revenue string, q domain.Quality) domain.ClassifiedRecord {
	return domain.ClassifiedRecord{
		NormalizedRecord: domain.NormalizedRecord{
			ProtocolID: protocol,
			ChainID:    "ethereum",
			Day:        day,
			AmountUSD:  decimal.RequireFromString(revenue),
			Category:   domain.CategoryRevenue,
			Provenance: domain.Provenance{Source: "test", RawRef: day.Format(domain.DayLayout)},
		},
		Quality:            q,
		RevenueUSD:         decimal.RequireFromString(revenue),
		ReportedRevenueUSD: decimal.RequireFromString(revenue),
	}
}

func TestAggregate_QuarterScenario(t *testing.T) {
	rule := classify.Rule{Kind: classify.KindPercentOfFees, Share: decimal.NewNullDecimal(decimal.RequireFromString("0.1"))}
	var records []domain.ClassifiedRecord
	for i := 0; i < 90; i++ {
		rec, err := classify.Classify(domain.NormalizedRecord{
			ProtocolID: "protocol-a",
			ChainID:    "ethereum",
			Day:        d("2023-01-01").AddDate(0, 0, i),
			AmountUSD:  decimal.NewFromInt(100),
			Category:   domain.CategoryFee,
			Provenance: domain.Provenance{Source: "test", RawRef: fmt.Sprint(i)},
		}, rule)
		require.NoError(t, err)
		records = append(records, rec)
	}

	buckets := Aggregate(records, domain.PeriodQuarter, Options{Start: d("2023-01-01"), End: d("2023-04-01")})
	require.Len(t, buckets, 1)

	b := buckets[0]
	assert.True(t, b.TotalRevenueUSD.Equal(decimal.NewFromInt(900)), b.TotalRevenueUSD.String())
	assert.True(t, b.SustainableRevenueUSD.Equal(decimal.NewFromInt(900)))
	assert.True(t, b.IncentivizedRevenueUSD.IsZero())
	assert.True(t, b.UnknownRevenueUSD.IsZero())
	assert.True(t, b.TotalFeesUSD.Equal(decimal.NewFromInt(9000)))
	assert.Equal(t, 90, b.ObservationCount)
	assert.Equal(t, 90, b.DaysCovered)
	assert.True(t, b.AvgDailyRevenueUSD.Equal(decimal.NewFromInt(10)))
	assert.False(t, b.IsPartial)
}

func TestAggregate_TotalIsExactSum(t *testing.T) {
	records := []domain.ClassifiedRecord{
		classified("p", d("2024-01-01"), "0.1", domain.QualitySustainable),
		classified("p", d("2024-01-02"), "0.2", domain.QualityIncentivized),
		classified("p", d("2024-01-03"), "0.3", domain.QualityUnknown),
		classified("p", d("2024-01-04"), "1234567.891", domain.QualitySustainable),
	}
	for _, kind := range domain.AllPeriodKinds {
		for _, b := range Aggregate(records, kind, Options{}) {
			sum := b.SustainableRevenueUSD.Add(b.IncentivizedRevenueUSD).Add(b.UnknownRevenueUSD)
			assert.True(t, b.TotalRevenueUSD.Equal(sum), "%s %s", kind, b.Label())
		}
	}
	month := Aggregate(records, domain.PeriodMonth, Options{})
	require.Len(t, month, 1)
	assert.Equal(t, "0.3", month[0].UnknownRevenueUSD.String())
	assert.Equal(t, "1234568.491", month[0].TotalRevenueUSD.String())
}

func TestAggregate_MissingDaysCountAsZero(t *testing.T) {
	records := []domain.ClassifiedRecord{
		classified("p", d("2024-02-01"), "290", domain.QualitySustainable),
	}
	buckets := Aggregate(records, domain.PeriodMonth, Options{Start: d("2024-02-01"), End: d("2024-03-01")})
	require.Len(t, buckets, 1)
	// 2024 is a leap year.
	assert.Equal(t, 29, buckets[0].DaysCovered)
	assert.True(t, buckets[0].AvgDailyRevenueUSD.Equal(decimal.NewFromInt(10)))
}

func TestAggregate_ZeroFillsAndFlagsPartial(t *testing.T) {
	records := []domain.ClassifiedRecord{
		classified("aave", d("2024-02-10"), "5", domain.QualitySustainable),
	}
	buckets := Aggregate(records, domain.PeriodMonth, Options{
		Start:     d("2024-01-15"),
		End:       d("2024-04-01"),
		AsOf:      d("2024-03-20"),
		Protocols: []string{"aave", "lido"},
	})
	require.Len(t, buckets, 6)

	byKey := make(map[string]domain.PeriodBucket)
	for _, b := range buckets {
		byKey[b.ProtocolID+"/"+b.Label()] = b
	}
	assert.True(t, byKey["aave/2024-01"].IsPartial, "window starts mid month")
	assert.Equal(t, 17, byKey["aave/2024-01"].DaysCovered)
	assert.False(t, byKey["aave/2024-02"].IsPartial)
	assert.True(t, byKey["aave/2024-03"].IsPartial, "period extends past the last complete day")
	assert.Equal(t, 19, byKey["aave/2024-03"].DaysCovered)

	lido := byKey["lido/2024-02"]
	assert.True(t, lido.TotalRevenueUSD.IsZero())
	assert.Equal(t, 0, lido.ObservationCount)
	assert.Equal(t, 29, lido.DaysCovered)
}

func TestAggregate_Counterparties(t *testing.T) {
	withCP := func(day, cp string) domain.ClassifiedRecord {
		rec := classified("p", d(day), "1", domain.QualitySustainable)
		rec.Counterparty = cp
		return rec
	}
	known := Aggregate([]domain.ClassifiedRecord{
		withCP("2024-01-01", "0xa"),
		withCP("2024-01-02", "0xb"),
		withCP("2024-01-03", "0xa"),
	}, domain.PeriodYear, Options{})
	require.Len(t, known, 1)
	assert.True(t, known[0].CounterpartiesKnown)
	assert.EqualValues(t, 2, known[0].Counterparties)

	unknown := Aggregate([]domain.ClassifiedRecord{
		withCP("2024-01-01", "0xa"),
		withCP("2024-01-02", ""),
	}, domain.PeriodYear, Options{})
	require.Len(t, unknown, 1)
	assert.False(t, unknown[0].CounterpartiesKnown)
}

func TestAggregate_RevenueByChain(t *testing.T) {
	eth := classified("p", d("2024-01-01"), "3", domain.QualitySustainable)
	arb := classified("p", d("2024-01-01"), "1", domain.QualitySustainable)
	arb.ChainID = "arbitrum"
	arb.Provenance.RawRef = "arb"

	buckets := Aggregate([]domain.ClassifiedRecord{eth, arb}, domain.PeriodDay, Options{})
	require.Len(t, buckets, 1)
	assert.Equal(t, []string{"arbitrum", "ethereum"}, buckets[0].Chains())
	assert.True(t, buckets[0].RevenueByChain["ethereum"].Equal(decimal.NewFromInt(3)))
}
