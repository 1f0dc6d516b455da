package strategy

import (
	"fmt"
	"math"

	"binance-signal-service/config"
)

const volBreakoutName = "vol_breakout_card"

// VolBreakout flags an expansion in realized movement: either the 5m return
// cleared its threshold or the 15m ATR spiked above its baseline. Lowest
// priority of the set; it mostly serves as the catch-all momentum card.
type VolBreakout struct {
	cfg config.StrategyConfig
}

func NewVolBreakout(cfg config.StrategyConfig) *VolBreakout {
	return &VolBreakout{cfg: cfg}
}

func (s *VolBreakout) Name() string { return volBreakoutName }

func (s *VolBreakout) Generate(ctx *SignalContext) *ProposalCard {
	if !ctx.PriceFresh || !ctx.KlineFresh {
		return nil
	}
	if ctx.Ret5m == nil || ctx.ATR15m == nil || ctx.ATR15mBase == nil {
		return nil
	}

	ret := *ctx.Ret5m
	atr := *ctx.ATR15m
	baseline := *ctx.ATR15mBase
	if baseline <= 0 {
		return nil
	}

	retHit := math.Abs(ret) > s.cfg.ReturnThreshold
	atrHit := atr > baseline*s.cfg.ATRSpikeMultiplier
	if !retHit && !atrHit {
		return nil
	}

	side := SideLong
	stop := ctx.Price - defaultStopATR*atr
	if ret < 0 {
		side = SideShort
		stop = ctx.Price + defaultStopATR*atr
	}

	scoreReturn := math.Abs(ret) / s.cfg.ReturnThreshold
	scoreATR := atr / baseline
	conf := 40 + scoreReturn*20 + scoreATR*10
	rationale := fmt.Sprintf(
		"triggered: return_5m=%.4f%% (th=%.2f%%), atr_15m=%.6f vs baseline=%.6f",
		ret*100, s.cfg.ReturnThreshold*100, atr, baseline)
	return buildCard(ctx, volBreakoutName, side, ctx.Price, stop,
		s.cfg.LeverageSuggest, s.cfg.MaxRiskUSDT, s.cfg.TTLMinutes,
		s.cfg.PriorityVolBreakout, conf, rationale)
}
