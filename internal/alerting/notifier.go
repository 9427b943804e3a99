package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/metrics"
	"crypto-revenue-analyzer/internal/report"
)

// DigestRow 是摘要中的单个协议行。
type DigestRow struct {
	Name                string
	Sector              string
	AnnualRevenueUSD    decimal.NullDecimal
	AnnualRevenueReason string
	QoQGrowthPct        decimal.NullDecimal
	SustainabilityScore decimal.NullDecimal
	Rating              string
}

// Digest 汇总一次运行的结果。
type Digest struct {
	RunID        string
	Window       string
	GeneratedAt  time.Time
	Basis        report.Basis
	Rows         []DigestRow
	IssuesByKind map[domain.IssueKind]int
	Channels     []string
}

// IssueCount returns the total number of issues in the digest.
func (d Digest) IssueCount() int {
	n := 0
	for _, c := range d.IssuesByKind {
		n += c
	}
	return n
}

// NewDigest builds a digest listing at most top protocols by annual revenue. top <= 0 keeps all. Rows without
// a figure sort last; excluded protocols are left out.
func NewDigest(snap *domain.Snapshot, basis report.Basis, top int) Digest {
	d := Digest{
		RunID:        snap.RunID(),
		Window:       snap.Window().String(),
		GeneratedAt:  snap.GeneratedAt(),
		Basis:        basis,
		IssuesByKind: make(map[domain.IssueKind]int),
	}
	for _, row := range snap.Comparison() {
		if row.Excluded != "" {
			continue
		}
		annual, reason := report.AnnualRevenue(row, basis)
		d.Rows = append(d.Rows, DigestRow{
			Name:                row.DisplayName(),
			Sector:              row.Sector,
			AnnualRevenueUSD:    annual,
			AnnualRevenueReason: reason,
			QoQGrowthPct:        row.QoQGrowthPct,
			SustainabilityScore: row.SustainabilityScore,
			Rating:              row.Rating,
		})
	}
	sort.SliceStable(d.Rows, func(i, j int) bool {
		a, b := d.Rows[i].AnnualRevenueUSD, d.Rows[j].AnnualRevenueUSD
		if a.Valid != b.Valid {
			return a.Valid
		}
		return a.Decimal.GreaterThan(b.Decimal)
	})
	if top > 0 && len(d.Rows) > top {
		d.Rows = d.Rows[:top]
	}
	for _, is := range snap.Issues() {
		d.IssuesByKind[is.Kind]++
	}
	return d
}

// Notifier 定义摘要输送接口。
type Notifier interface {
	Notify(ctx context.Context, digest Digest) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 推送器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, digest Digest) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.DigestsSent.WithLabelValues(status).Inc()
	}()

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(digest),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("run_id", digest.RunID).
		Int("protocols", len(digest.Rows)).
		Int("issues", digest.IssueCount()).
		Msg("摘要已发送 (Telegram)")
	return nil
}

func renderMessage(d Digest) string {
	builder := strings.Builder{}
	builder.WriteString("[Protocol Revenue Digest]\n")
	builder.WriteString(fmt.Sprintf("Window: %s\n", d.Window))
	builder.WriteString(fmt.Sprintf("Generated: %s UTC\n", d.GeneratedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Annual revenue basis: %s\n", d.Basis))
	for i, row := range d.Rows {
		builder.WriteString(fmt.Sprintf("%d. %s (%s): %s | QoQ %s | Sust %s | %s\n",
			i+1, row.Name, row.Sector, usd(row.AnnualRevenueUSD, row.AnnualRevenueReason),
			pct(row.QoQGrowthPct), score(row.SustainabilityScore), row.Rating))
	}
	if total := d.IssueCount(); total > 0 {
		kinds := make([]string, 0, len(d.IssuesByKind))
		for k := range d.IssuesByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k, d.IssuesByKind[domain.IssueKind(k)]))
		}
		builder.WriteString(fmt.Sprintf("Issues: %d (%s)\n", total, strings.Join(parts, ", ")))
	}
	if len(d.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(d.Channels, ",")))
	}
	builder.WriteString("Run: " + d.RunID)
	return builder.String()
}

func usd(v decimal.NullDecimal, reason string) string {
	if !v.Valid {
		if reason == "" {
			return "n/a"
		}
		return "n/a (" + reason + ")"
	}
	return "$" + v.Decimal.StringFixed(0)
}

func pct(v decimal.NullDecimal) string {
	if !v.Valid {
		return "n/a"
	}
	return v.Decimal.StringFixed(1) + "%"
}

func score(v decimal.NullDecimal) string {
	if !v.Valid {
		return "n/a"
	}
	return v.Decimal.StringFixed(0)
}

var _ Notifier = (*TelegramNotifier)(nil)
