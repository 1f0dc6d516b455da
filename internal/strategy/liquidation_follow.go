package strategy

import (
	"fmt"
	"math"

	"binance-signal-service/config"
)

const (
	liquidationFollowName       = "liquidation_follow"
	liquidationFollowTTLMinutes = 10
	liquidationFollowLeverage   = 30
	liquidationFollowStopATR    = 1.5
)

// LiquidationFollow rides a liquidation cascade: open interest expanding
// fast while price moves with the funding skew suggests forced flow that
// tends to continue short-term. Trend-following, wider stop.
type LiquidationFollow struct {
	cfg config.StrategyConfig
}

func NewLiquidationFollow(cfg config.StrategyConfig) *LiquidationFollow {
	return &LiquidationFollow{cfg: cfg}
}

func (s *LiquidationFollow) Name() string { return liquidationFollowName }

func (s *LiquidationFollow) Generate(ctx *SignalContext) *ProposalCard {
	if !ctx.PriceFresh || !ctx.FundingFresh || !ctx.OIFreshFlag {
		return nil
	}
	if ctx.OIDelta15mPct == nil || ctx.Ret5m == nil || ctx.FundingRate == nil || ctx.ATR15m == nil {
		return nil
	}

	delta := *ctx.OIDelta15mPct
	ret := *ctx.Ret5m
	if delta < s.cfg.OIDeltaPct || math.Abs(ret) < s.cfg.ReturnThreshold {
		return nil
	}
	if !sameSign(*ctx.FundingRate, ret) {
		return nil
	}

	side := SideLong
	stop := ctx.Price - liquidationFollowStopATR**ctx.ATR15m
	if ret < 0 {
		side = SideShort
		stop = ctx.Price + liquidationFollowStopATR**ctx.ATR15m
	}

	conf := 40 + (delta/s.cfg.OIDeltaPct)*25 + math.Abs(ret)*1000
	rationale := fmt.Sprintf(
		"liquidation flow: oi_delta_15m=%.2f%% (th=%.2f%%), ret_5m=%.4f%%, funding aligned",
		delta*100, s.cfg.OIDeltaPct*100, ret*100)
	return buildCard(ctx, liquidationFollowName, side, ctx.Price, stop,
		liquidationFollowLeverage, s.cfg.MaxRiskUSDT, liquidationFollowTTLMinutes,
		s.cfg.PriorityLiquidationFollow, conf, rationale)
}
