package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func day(s string) time.Time {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestPeriodStartAndEnd(t *testing.T) {
	ts := time.Date(2024, time.May, 17, 23, 59, 0, 0, time.FixedZone("UTC+3", 3*3600))

	cases := []struct {
		kind  PeriodKind
		start string
		end   string
	}{
		{PeriodDay, "2024-05-17", "2024-05-18"},
		{PeriodMonth, "2024-05-01", "2024-06-01"},
		{PeriodQuarter, "2024-04-01", "2024-07-01"},
		{PeriodYear, "2024-01-01", "2025-01-01"},
	}
	for _, tc := range cases {
		start := PeriodStart(tc.kind, ts)
		if !start.Equal(day(tc.start)) {
			t.Fatalf("%s start: want %s got %s", tc.kind, tc.start, start.Format(DayLayout))
		}
		if end := PeriodEnd(tc.kind, start); !end.Equal(day(tc.end)) {
			t.Fatalf("%s end: want %s got %s", tc.kind, tc.end, end.Format(DayLayout))
		}
	}
}

func TestPeriodLabel(t *testing.T) {
	if got := PeriodLabel(PeriodQuarter, day("2023-10-01")); got != "2023-Q4" {
		t.Fatalf("unexpected label %s", got)
	}
	if got := PeriodLabel(PeriodMonth, day("2023-02-01")); got != "2023-02" {
		t.Fatalf("unexpected label %s", got)
	}
}

func TestNewWindowInclusiveEnd(t *testing.T) {
	w, err := NewWindow(day("2023-01-01"), day("2023-03-31"))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if w.Days() != 90 {
		t.Fatalf("Q1 2023 should span 90 days, got %d", w.Days())
	}
	if !w.Contains(day("2023-03-31")) || w.Contains(day("2023-04-01")) {
		t.Fatal("window bounds are wrong")
	}
	if _, err := NewWindow(day("2023-02-01"), day("2023-01-01")); err == nil {
		t.Fatal("reversed window must fail")
	}
}

func TestParsePeriodKind(t *testing.T) {
	if k, err := ParsePeriodKind(" Quarterly "); err != nil || k != PeriodQuarter {
		t.Fatalf("unexpected %v %v", k, err)
	}
	if _, err := ParsePeriodKind("fortnight"); err == nil {
		t.Fatal("unknown kind should fail")
	}
}

func TestDailySeriesLatestIn(t *testing.T) {
	s := NewDailySeries()
	s.Set(day("2024-01-05"), decimal.NewFromInt(5))
	s.Set(day("2024-03-30"), decimal.NewFromInt(30))
	s.Set(day("2024-04-02"), decimal.NewFromInt(2))

	v, at, ok := s.LatestIn(day("2024-01-01"), day("2024-04-01"))
	if !ok || !v.Equal(decimal.NewFromInt(30)) || !at.Equal(day("2024-03-30")) {
		t.Fatalf("unexpected latest value %s at %s", v, at)
	}
	if _, _, ok := s.LatestIn(day("2024-05-01"), day("2024-06-01")); ok {
		t.Fatal("empty range should report no value")
	}
}

func TestPriceTableCaseInsensitive(t *testing.T) {
	p := NewPriceTable()
	p.Set("eth", day("2024-01-01"), decimal.NewFromInt(2300))
	if v, ok := p.PriceAt("ETH", day("2024-01-01").Add(5*time.Hour)); !ok || !v.Equal(decimal.NewFromInt(2300)) {
		t.Fatalf("price lookup failed: %s %v", v, ok)
	}
	if _, ok := p.PriceAt("ETH", day("2024-01-02")); ok {
		t.Fatal("lookup must be exact-day")
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	b := PeriodBucket{ProtocolID: "aave", RevenueByChain: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(1)}}
	summary := Summary{Comparison: []ComparisonRow{{ProtocolID: "aave", NullReasons: map[string]string{FieldReportedRevenue: ReasonNoReportedRevenue}}}}
	snap := NewSnapshot("run", time.Now(), Window{}, nil, []PeriodBucket{b}, nil, nil, summary)

	got := snap.Buckets()
	got[0].RevenueByChain["ethereum"] = decimal.NewFromInt(99)
	got[0].ProtocolID = "mutated"

	again := snap.Buckets()
	if again[0].ProtocolID != "aave" || !again[0].RevenueByChain["ethereum"].Equal(decimal.NewFromInt(1)) {
		t.Fatal("snapshot must not be mutable through accessors")
	}

	rows := snap.Comparison()
	rows[0].NullReasons[FieldReportedRevenue] = "mutated"
	if snap.Comparison()[0].NullReason(FieldReportedRevenue) != ReasonNoReportedRevenue {
		t.Fatal("comparison rows must not be mutable through accessors")
	}
}
