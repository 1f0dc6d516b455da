package strategy

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"binance-signal-service/config"
)

const similarFloor = 1e-9

// Arbitrator reduces a tick's candidates to at most one card per symbol:
// a recent dispatch suppresses everything inside the dedupe window, then
// near-identical same-side setups collapse onto the strongest one.
type Arbitrator struct {
	cfg    config.StrategyConfig
	logger zerolog.Logger
}

func NewArbitrator(cfg config.StrategyConfig, logger zerolog.Logger) *Arbitrator {
	return &Arbitrator{
		cfg:    cfg,
		logger: logger.With().Str("component", "arbitrator").Logger(),
	}
}

// Choose picks the winner among candidates. lastTriggerMS is the symbol's
// last dispatched-card timestamp (0 when none). The winner is always one of
// the input cards, untouched.
func (a *Arbitrator) Choose(symbol string, candidates []*ProposalCard, lastTriggerMS, nowMS int64) *ProposalCard {
	if len(candidates) == 0 {
		return nil
	}

	dedupeMS := int64(a.cfg.DedupeWindowSeconds) * 1000
	if lastTriggerMS > 0 && nowMS-lastTriggerMS < dedupeMS {
		a.logger.Info().
			Str("symbol", symbol).
			Int("candidates", len(candidates)).
			Int64("since_last_ms", nowMS-lastTriggerMS).
			Msg("candidates suppressed by dedupe window")
		return nil
	}

	ranked := append([]*ProposalCard(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool { return rankBefore(ranked[i], ranked[j]) })

	var kept []*ProposalCard
	for _, c := range ranked {
		collapsed := false
		for _, k := range kept {
			if c.Side == k.Side && a.similar(c, k) {
				a.logger.Debug().
					Str("symbol", symbol).
					Str("dropped", c.Strategy).
					Str("kept", k.Strategy).
					Msg("similar candidate collapsed")
				collapsed = true
				break
			}
		}
		if !collapsed {
			kept = append(kept, c)
		}
	}

	winner := kept[0]
	a.logger.Info().
		Str("symbol", symbol).
		Int("candidates", len(candidates)).
		Int("after_collapse", len(kept)).
		Str("winner", winner.Strategy).
		Str("side", winner.Side).
		Float64("confidence", winner.Confidence).
		Int("priority", winner.Priority).
		Msg("arbitration")
	return winner
}

// similar holds only when both entry and stop sit within their tolerance
// of the kept card's levels.
func (a *Arbitrator) similar(c, kept *ProposalCard) bool {
	entryRef := math.Abs(kept.Entry)
	if entryRef < similarFloor {
		entryRef = similarFloor
	}
	stopRef := math.Abs(kept.Stop)
	if stopRef < similarFloor {
		stopRef = similarFloor
	}
	entryClose := math.Abs(c.Entry-kept.Entry)/entryRef <= a.cfg.EntrySimilarPct
	stopClose := math.Abs(c.Stop-kept.Stop)/stopRef <= a.cfg.StopSimilarPct
	return entryClose && stopClose
}

// rankBefore orders by priority desc, confidence desc, ttl asc, then
// strategy name asc for a stable total order.
func rankBefore(x, y *ProposalCard) bool {
	if x.Priority != y.Priority {
		return x.Priority > y.Priority
	}
	if x.Confidence != y.Confidence {
		return x.Confidence > y.Confidence
	}
	if x.TTLMinutes != y.TTLMinutes {
		return x.TTLMinutes < y.TTLMinutes
	}
	return x.Strategy < y.Strategy
}
