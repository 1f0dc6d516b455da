package strategy

import (
	"fmt"
	"math"

	"binance-signal-service/config"
)

const (
	fakeBreakoutName       = "fake_breakout_reversal"
	fakeBreakoutTTLMinutes = 5
	fakeBreakoutLeverage   = 50
	fakeBreakoutKlineAgeMS = 90_000
	fakeBreakoutLookback   = 20
	minBody                = 1e-9
)

// FakeBreakoutReversal fades liquidity sweeps: a spike through the 20-bar
// high or low that closes back inside the range with a dominant wick is
// read as a trapped breakout, and the card fades it with a stop just past
// the sweep extreme.
type FakeBreakoutReversal struct {
	cfg config.StrategyConfig
}

func NewFakeBreakoutReversal(cfg config.StrategyConfig) *FakeBreakoutReversal {
	return &FakeBreakoutReversal{cfg: cfg}
}

func (s *FakeBreakoutReversal) Name() string { return fakeBreakoutName }

func (s *FakeBreakoutReversal) Generate(ctx *SignalContext) *ProposalCard {
	if !ctx.PriceFresh || ctx.ATR15m == nil {
		return nil
	}
	if ctx.KlineAgeMS < 0 || ctx.KlineAgeMS > fakeBreakoutKlineAgeMS {
		return nil
	}
	atr := *ctx.ATR15m
	if atr < s.cfg.MinATRPct*ctx.Price {
		return nil
	}
	if len(ctx.Candles) < fakeBreakoutLookback+1 || ctx.Last20mHigh == nil || ctx.Last20mLow == nil {
		return nil
	}

	latest := ctx.Candles[len(ctx.Candles)-1]
	h20, l20 := *ctx.Last20mHigh, *ctx.Last20mLow
	body := math.Abs(latest.Close - latest.Open)
	if body < minBody {
		body = minBody
	}
	upperWick := latest.High - math.Max(latest.Open, latest.Close)
	lowerWick := math.Min(latest.Open, latest.Close) - latest.Low

	// Upward sweep: poked above H20 but closed back below it.
	if latest.High > h20*(1+s.cfg.SweepPct) && latest.Close < h20 {
		wickRatio := upperWick / body
		if wickRatio >= s.cfg.WickBodyRatio && h20 > 0 {
			sweep := (latest.High - h20) / h20
			stop := latest.High + s.cfg.StopBufferATR*atr
			conf := 50 + wickRatio*10 + sweep*10000
			rationale := fmt.Sprintf(
				"fake breakout: swept H20=%.6f by %.4f%%, wick/body=%.2f, closed back inside",
				h20, sweep*100, wickRatio)
			return buildCard(ctx, fakeBreakoutName, SideShort, ctx.Price, stop,
				fakeBreakoutLeverage, s.cfg.MaxRiskUSDT, fakeBreakoutTTLMinutes,
				s.cfg.PriorityFakeBreakout, conf, rationale)
		}
	}

	// Downward sweep: poked below L20 but closed back above it.
	if latest.Low < l20*(1-s.cfg.SweepPct) && latest.Close > l20 {
		wickRatio := lowerWick / body
		if wickRatio >= s.cfg.WickBodyRatio && l20 > 0 {
			sweep := (l20 - latest.Low) / l20
			stop := latest.Low - s.cfg.StopBufferATR*atr
			conf := 50 + wickRatio*10 + sweep*10000
			rationale := fmt.Sprintf(
				"fake breakout: swept L20=%.6f by %.4f%%, wick/body=%.2f, closed back inside",
				l20, sweep*100, wickRatio)
			return buildCard(ctx, fakeBreakoutName, SideLong, ctx.Price, stop,
				fakeBreakoutLeverage, s.cfg.MaxRiskUSDT, fakeBreakoutTTLMinutes,
				s.cfg.PriorityFakeBreakout, conf, rationale)
		}
	}
	return nil
}
