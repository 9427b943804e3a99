package report

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	chart "github.com/wcharczuk/go-chart/v2"

	"crypto-revenue-analyzer/internal/domain"
)

// Chart file names.
const (
	RevenueChartFile = "annual_revenue.png"
	BubbleChartFile  = "chain_bubbles.png"
)

const maxBubbleWidth = 40.0

// Charts renders PNG charts of the comparison table and the chain split.
type Charts struct {
	dir    string
	basis  Basis
	logger zerolog.Logger
}

var _ Emitter = (*Charts)(nil)

func NewCharts(dir string, basis Basis, logger zerolog.Logger) *Charts {
	return &Charts{dir: dir, basis: basis, logger: logger.With().Str("component", "report_png").Logger()}
}

// Emit implements Emitter. Charts without any positive value are skipped.
func (c *Charts) Emit(ctx context.Context, snap *domain.Snapshot) error {
	if err := ensureDir(c.dir); err != nil {
		return err
	}

	if bars := c.revenueBars(snap); len(bars) > 0 {
		graph := chart.BarChart{
			Title:    fmt.Sprintf("Annual revenue (%s) %s", c.basis, snap.Window()),
			Width:    1280,
			Height:   720,
			BarWidth: 60,
			Background: chart.Style{
				Padding: chart.Box{Top: 40},
			},
			YAxis: chart.YAxis{
				Name:           "USD",
				Range:          &chart.ContinuousRange{Min: 0, Max: bars[0].Value * 1.1},
				ValueFormatter: usdFormatter,
			},
			Bars: bars,
		}
		if err := renderPNG(filepath.Join(c.dir, RevenueChartFile), graph.Render); err != nil {
			return fmt.Errorf("render revenue chart: %w", err)
		}
	} else {
		c.logger.Info().Msg("no positive revenue; revenue chart skipped")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if graph, ok := bubbleChart(snap); ok {
		if err := renderPNG(filepath.Join(c.dir, BubbleChartFile), graph.Render); err != nil {
			return fmt.Errorf("render bubble chart: %w", err)
		}
	} else {
		c.logger.Info().Msg("no chain revenue; bubble chart skipped")
	}

	c.logger.Info().Str("dir", c.dir).Str("run_id", snap.RunID()).Msg("charts written")
	return nil
}

func (c *Charts) revenueBars(snap *domain.Snapshot) []chart.Value {
	var bars []chart.Value
	for _, row := range snap.Comparison() {
		annual, _ := AnnualRevenue(row, c.basis)
		if !annual.Valid {
			continue
		}
		v := annual.Decimal.InexactFloat64()
		if v <= 0 {
			continue
		}
		bars = append(bars, chart.Value{Label: row.DisplayName(), Value: v})
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Value > bars[j].Value })
	return bars
}

// bubbleChart places one dot per (protocol, chain) with a width proportional to the square root of revenue.
func bubbleChart(snap *domain.Snapshot) (chart.Chart, bool) {
	contributions := snap.Contributions()

	var protocols, chains []string
	protocolIdx := make(map[string]int)
	chainIdx := make(map[string]int)
	maxRevenue := 0.0
	for _, ct := range contributions {
		v := ct.RevenueUSD.InexactFloat64()
		if v <= 0 {
			continue
		}
		if _, ok := protocolIdx[ct.ProtocolID]; !ok {
			protocolIdx[ct.ProtocolID] = len(protocols)
			protocols = append(protocols, ct.ProtocolID)
		}
		if _, ok := chainIdx[ct.ChainID]; !ok {
			chainIdx[ct.ChainID] = -1
			chains = append(chains, ct.ChainID)
		}
		maxRevenue = math.Max(maxRevenue, v)
	}
	if maxRevenue <= 0 {
		return chart.Chart{}, false
	}
	sort.Strings(chains)
	for i, ch := range chains {
		chainIdx[ch] = i
	}

	var series []chart.Series
	for _, ct := range contributions {
		v := ct.RevenueUSD.InexactFloat64()
		if v <= 0 {
			continue
		}
		series = append(series, chart.ContinuousSeries{
			Name: ct.ProtocolID + "/" + ct.ChainID,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    math.Max(2, maxBubbleWidth*math.Sqrt(v/maxRevenue)),
			},
			XValues: []float64{float64(protocolIdx[ct.ProtocolID])},
			YValues: []float64{float64(chainIdx[ct.ChainID])},
		})
	}

	return chart.Chart{
		Title:  "Revenue by chain " + snap.Window().String(),
		Width:  1280,
		Height: 720,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20},
		},
		XAxis: chart.XAxis{
			Name:  "Protocol",
			Range: &chart.ContinuousRange{Min: -1, Max: float64(len(protocols))},
			Ticks: ticks(protocols),
		},
		YAxis: chart.YAxis{
			Name:  "Chain",
			Range: &chart.ContinuousRange{Min: -1, Max: float64(len(chains))},
			Ticks: ticks(chains),
		},
		Series: series,
	}, true
}

func ticks(labels []string) []chart.Tick {
	out := []chart.Tick{{Value: -1}}
	for i, l := range labels {
		out = append(out, chart.Tick{Value: float64(i), Label: l})
	}
	return append(out, chart.Tick{Value: float64(len(labels))})
}

func usdFormatter(v interface{}) string {
	f, ok := v.(float64)
	if !ok {
		return chart.FloatValueFormatter(v)
	}
	switch abs := math.Abs(f); {
	case abs >= 1e9:
		return fmt.Sprintf("$%.2fB", f/1e9)
	case abs >= 1e6:
		return fmt.Sprintf("$%.2fM", f/1e6)
	case abs >= 1e3:
		return fmt.Sprintf("$%.1fK", f/1e3)
	}
	return fmt.Sprintf("$%.0f", f)
}

func renderPNG(path string, render func(chart.RendererProvider, io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return render(chart.PNG, file)
}
