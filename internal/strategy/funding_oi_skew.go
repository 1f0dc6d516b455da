package strategy

import (
	"fmt"
	"math"

	"binance-signal-service/config"
)

const (
	fundingOISkewName       = "funding_oi_skew"
	fundingOISkewTTLMinutes = 12
	fundingOISkewLeverage   = 35
	fundingOISkewStopATR    = 1.0
)

// FundingOISkew fades a crowded carry trade: extreme funding with elevated
// open interest and price momentum in the same direction marks a one-sided
// position build-up worth trading against.
type FundingOISkew struct {
	cfg config.StrategyConfig
}

func NewFundingOISkew(cfg config.StrategyConfig) *FundingOISkew {
	return &FundingOISkew{cfg: cfg}
}

func (s *FundingOISkew) Name() string { return fundingOISkewName }

func (s *FundingOISkew) Generate(ctx *SignalContext) *ProposalCard {
	if !ctx.PriceFresh || !ctx.FundingFresh || !ctx.OIFreshFlag {
		return nil
	}
	if ctx.FundingRate == nil || ctx.OIZScore == nil || ctx.Ret5m == nil || ctx.ATR15m == nil {
		return nil
	}

	funding := *ctx.FundingRate
	z := *ctx.OIZScore
	ret := *ctx.Ret5m
	if math.Abs(funding) < s.cfg.FundingExtreme || z < s.cfg.OIZScore {
		return nil
	}
	if !sameSign(funding, ret) {
		return nil
	}

	// Crowded longs pay positive funding; fade them short. Symmetric for
	// crowded shorts.
	side, crowd := SideShort, "longs"
	stop := ctx.Price + fundingOISkewStopATR**ctx.ATR15m
	if funding < 0 {
		side, crowd = SideLong, "shorts"
		stop = ctx.Price - fundingOISkewStopATR**ctx.ATR15m
	}

	conf := 45 + (math.Abs(funding)/s.cfg.FundingExtreme)*20 + z*10
	rationale := fmt.Sprintf(
		"crowded %s: funding=%.5f%% (extreme=%.5f%%), oi_z=%.2f, ret_5m=%.4f%%",
		crowd, funding*100, s.cfg.FundingExtreme*100, z, ret*100)
	return buildCard(ctx, fundingOISkewName, side, ctx.Price, stop,
		fundingOISkewLeverage, s.cfg.MaxRiskUSDT, fundingOISkewTTLMinutes,
		s.cfg.PriorityFundingOISkew, conf, rationale)
}
