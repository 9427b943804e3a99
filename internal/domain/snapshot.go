package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProtocolInfo is the descriptive metadata carried into reports.
type ProtocolInfo struct {
	ID        string
	Name      string
	Sector    string
	TokenType string
	Chains    []string
}

// Snapshot is the immutable result of one pipeline run. Accessors hand out copies.
type Snapshot struct {
	runID       string
	generatedAt time.Time
	window      Window
	protocols   []ProtocolInfo
	buckets     []PeriodBucket
	scores      []ComparativeScore
	issues      []Issue
	summary     Summary
}

// NewSnapshot freezes the given results. summary carries the report rows built from them.
func NewSnapshot(runID string, generatedAt time.Time, window Window, protocols []ProtocolInfo, buckets []PeriodBucket, scores []ComparativeScore, issues []Issue, summary Summary) *Snapshot {
	return &Snapshot{
		runID:       runID,
		generatedAt: generatedAt.UTC(),
		window:      window,
		protocols:   copyProtocols(protocols),
		buckets:     copyBuckets(buckets),
		scores:      copyScores(scores),
		issues:      append([]Issue(nil), issues...),
		summary:     copySummary(summary),
	}
}

// RunID is the unique id of the run that produced the snapshot.
func (s *Snapshot) RunID() string { return s.runID }

// GeneratedAt is the UTC time the snapshot was built.
func (s *Snapshot) GeneratedAt() time.Time { return s.generatedAt }

// Window is the analysed date range.
func (s *Snapshot) Window() Window { return s.window }

// Protocols returns the metadata of every analysed protocol.
func (s *Snapshot) Protocols() []ProtocolInfo { return copyProtocols(s.protocols) }

// Buckets returns all period buckets.
func (s *Snapshot) Buckets() []PeriodBucket { return copyBuckets(s.buckets) }

// Scores returns all comparative scores.
func (s *Snapshot) Scores() []ComparativeScore { return copyScores(s.scores) }

// Issues returns every recorded issue.
func (s *Snapshot) Issues() []Issue { return append([]Issue(nil), s.issues...) }

// Comparison returns one comparison row per protocol in protocol order.
func (s *Snapshot) Comparison() []ComparisonRow { return copySummary(s.summary).Comparison }

// Contributions returns the per-chain revenue split, largest chain first within each protocol.
func (s *Snapshot) Contributions() []ChainContribution {
	return append([]ChainContribution(nil), s.summary.Contributions...)
}

// Summary returns both report row sets.
func (s *Snapshot) Summary() Summary { return copySummary(s.summary) }

// Protocol looks up metadata by id.
func (s *Snapshot) Protocol(id string) (ProtocolInfo, bool) {
	for _, p := range s.protocols {
		if p.ID == id {
			p.Chains = append([]string(nil), p.Chains...)
			return p, true
		}
	}
	return ProtocolInfo{}, false
}

// BucketsOf filters buckets by kind, preserving order.
func (s *Snapshot) BucketsOf(kind PeriodKind) []PeriodBucket {
	var out []PeriodBucket
	for _, b := range s.buckets {
		if b.Kind == kind {
			out = append(out, copyBucket(b))
		}
	}
	return out
}

// ScoresOf filters scores by kind, preserving order.
func (s *Snapshot) ScoresOf(kind PeriodKind) []ComparativeScore {
	var out []ComparativeScore
	for _, sc := range s.scores {
		if sc.Kind == kind {
			out = append(out, copyScore(sc))
		}
	}
	return out
}

func copyProtocols(in []ProtocolInfo) []ProtocolInfo {
	out := make([]ProtocolInfo, len(in))
	for i, p := range in {
		p.Chains = append([]string(nil), p.Chains...)
		out[i] = p
	}
	return out
}

func copyBucket(b PeriodBucket) PeriodBucket {
	if b.RevenueByChain != nil {
		m := make(map[string]decimal.Decimal, len(b.RevenueByChain))
		for k, v := range b.RevenueByChain {
			m[k] = v
		}
		b.RevenueByChain = m
	}
	return b
}

func copyBuckets(in []PeriodBucket) []PeriodBucket {
	out := make([]PeriodBucket, len(in))
	for i, b := range in {
		out[i] = copyBucket(b)
	}
	return out
}

func copyScore(s ComparativeScore) ComparativeScore {
	s.Flags = append([]string(nil), s.Flags...)
	if s.NullReasons != nil {
		m := make(map[string]string, len(s.NullReasons))
		for k, v := range s.NullReasons {
			m[k] = v
		}
		s.NullReasons = m
	}
	return s
}

func copyScores(in []ComparativeScore) []ComparativeScore {
	out := make([]ComparativeScore, len(in))
	for i, s := range in {
		out[i] = copyScore(s)
	}
	return out
}
