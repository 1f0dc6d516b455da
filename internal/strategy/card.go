package strategy

import (
	"binance-signal-service/internal/calc"
)

// defaultStopATR is the stop distance in ATR units for strategies without
// a structural stop level.
const defaultStopATR = 1.2

func clampConfidence(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// buildCard assembles a sized card. Returns nil when the stop coincides
// with entry or sizing is otherwise impossible.
func buildCard(ctx *SignalContext, name, side string, entry, stop float64, leverage int, maxRisk float64, ttlMinutes, priority int, confidence float64, rationale string) *ProposalCard {
	position, ok := calc.PositionUSDT(entry, stop, maxRisk)
	if !ok {
		return nil
	}
	return &ProposalCard{
		Symbol:          ctx.Symbol,
		Strategy:        name,
		Side:            side,
		Entry:           entry,
		Stop:            stop,
		LeverageSuggest: leverage,
		PositionUSDT:    position,
		MaxRiskUSDT:     maxRisk,
		TTLMinutes:      ttlMinutes,
		Rationale:       rationale,
		Priority:        priority,
		Confidence:      clampConfidence(confidence),
		CreatedAtMS:     ctx.NowMS,
		OIStatus:        ctx.OIStatus,
	}
}
