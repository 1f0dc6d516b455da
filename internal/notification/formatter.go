package notification

import (
	"fmt"
	"html"
	"math"
	"strings"

	"binance-signal-service/internal/strategy"
)

const (
	priceDecimals     = 2
	rationaleMaxRunes = 160
	callbackDataMax   = 64
	testPriorityFloor = 9000
)

// InlineKeyboard mirrors Telegram's reply_markup payload.
type InlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// InlineButton is one keyboard button: either a URL or a callback.
type InlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// TradingViewURL links the symbol's chart.
func TradingViewURL(symbol string) string {
	return fmt.Sprintf("https://www.tradingview.com/symbols/%s/?exchange=BINANCE", strings.ToUpper(symbol))
}

// IsTestCard recognizes dry-run pipeline cards by strategy name or the
// reserved priority band.
func IsTestCard(card *strategy.ProposalCard) bool {
	name := strings.ToLower(card.Strategy)
	return strings.Contains(name, "test") || strings.Contains(name, "dryrun") ||
		card.Priority >= testPriorityFloor
}

func sideLabel(side string) (emoji, label string) {
	switch strings.ToUpper(side) {
	case strategy.SideLong:
		return "🟢", "做多信號"
	case strategy.SideShort:
		return "🔴", "做空信號"
	default:
		return "⚪", "交易信號"
	}
}

// FormatSignalMessage renders the HTML card body.
func FormatSignalMessage(card *strategy.ProposalCard) string {
	emoji, label := sideLabel(card.Side)
	testSuffix := ""
	if IsTestCard(card) {
		testSuffix = "（測試）"
	}

	rationale := strings.TrimSpace(card.Rationale)
	if rationale == "" {
		rationale = "na"
	}
	if runes := []rune(rationale); len(runes) > rationaleMaxRunes {
		rationale = string(runes[:rationaleMaxRunes]) + "…"
	}

	lines := []string{
		fmt.Sprintf("<b>%s %s %s%s</b>", emoji, html.EscapeString(strings.ToUpper(card.Symbol)), label, testSuffix),
		fmt.Sprintf("📍 <b>入場：</b>%s", formatNumber(card.Entry, priceDecimals)),
		fmt.Sprintf("🛑 <b>止損：</b>%s", formatNumber(card.Stop, priceDecimals)),
		fmt.Sprintf("⚡ <b>槓桿：</b>%dx", card.LeverageSuggest),
		"",
		fmt.Sprintf("💰 <b>倉位：</b>%s USDT", formatNumber(card.PositionUSDT, 2)),
		fmt.Sprintf("🎯 <b>最大風險：</b>%s USDT", formatNumber(card.MaxRiskUSDT, 2)),
		fmt.Sprintf("⏳ <b>有效：</b>%d 分鐘", card.TTLMinutes),
		fmt.Sprintf("📊 <b>信心：</b>%s", formatPercent(card.Confidence)),
		"",
		"🧠 <b>理由：</b>",
		html.EscapeString(rationale),
		"",
		"──────────────",
	}
	if IsTestCard(card) {
		lines = append(lines, "#TEST #DRYRUN")
	}
	return strings.Join(lines, "\n")
}

// BuildKeyboard assembles the card's inline keyboard. Callback data is
// capped at Telegram's 64-byte limit.
func BuildKeyboard(card *strategy.ProposalCard) *InlineKeyboard {
	symbol := strings.ToUpper(card.Symbol)
	trace := card.TraceID
	if trace == "" {
		trace = "na"
	}
	return &InlineKeyboard{
		InlineKeyboard: [][]InlineButton{
			{
				{Text: "📈 TradingView", URL: TradingViewURL(symbol)},
				{Text: "📋 複製入場/止損", CallbackData: capBytes("copy_levels:"+symbol+":"+trace, callbackDataMax)},
			},
			{
				{Text: "🧾 詳細資料", CallbackData: capBytes("detail:"+symbol+":"+trace, callbackDataMax)},
			},
		},
	}
}

// ParseCallbackData splits "<action>:<symbol>:<trace>" callback payloads.
func ParseCallbackData(data string) (action, symbol, traceID string, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	if parts[0] != "copy_levels" && parts[0] != "detail" {
		return "", "", "", false
	}
	return parts[0], strings.ToUpper(parts[1]), parts[2], true
}

// FormatCopyLevels renders the copy-paste entry/stop reply.
func FormatCopyLevels(card *strategy.ProposalCard) string {
	return fmt.Sprintf("<code>%s %s\nENTRY %s\nSTOP %s</code>",
		html.EscapeString(strings.ToUpper(card.Symbol)),
		html.EscapeString(strings.ToUpper(card.Side)),
		formatNumber(card.Entry, priceDecimals),
		formatNumber(card.Stop, priceDecimals))
}

// FormatDetail renders the full field list reply.
func FormatDetail(card *strategy.ProposalCard) string {
	lines := []string{
		"<b>🧾 詳細資料</b>",
		"strategy: " + html.EscapeString(card.Strategy),
		"side: " + html.EscapeString(card.Side),
		"entry: " + formatNumber(card.Entry, priceDecimals),
		"stop: " + formatNumber(card.Stop, priceDecimals),
		fmt.Sprintf("leverage: %d", card.LeverageSuggest),
		"position: " + formatNumber(card.PositionUSDT, 2),
		"risk: " + formatNumber(card.MaxRiskUSDT, 2),
		fmt.Sprintf("ttl: %d", card.TTLMinutes),
		"confidence: " + formatPercent(card.Confidence),
		"oi_status: " + html.EscapeString(card.OIStatus),
	}
	return strings.Join(lines, "\n")
}

// formatNumber renders with fixed decimals and thousands separators,
// matching the production card texture (e.g. 1,234.57).
func formatNumber(v float64, decimals int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "na"
	}
	text := fmt.Sprintf("%.*f", decimals, math.Abs(v))
	intPart, fracPart := text, ""
	if i := strings.IndexByte(text, '.'); i >= 0 {
		intPart, fracPart = text[:i], text[i:]
	}
	var b strings.Builder
	if v < 0 {
		b.WriteByte('-')
	}
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	b.WriteString(fracPart)
	return b.String()
}

func formatPercent(v float64) string {
	clamped := math.Max(0, math.Min(100, v))
	if math.Abs(clamped-math.Round(clamped)) < 1e-9 {
		return fmt.Sprintf("%d%%", int(math.Round(clamped)))
	}
	return fmt.Sprintf("%.2f%%", clamped)
}

func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
