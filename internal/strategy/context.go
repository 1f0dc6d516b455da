package strategy

import (
	"binance-signal-service/internal/calc"
	"binance-signal-service/internal/market"
)

const oiMinSamplesForZ = 10

// FreshnessLimits are the millisecond staleness thresholds applied when a
// context is built.
type FreshnessLimits struct {
	PriceStaleMS   int64
	KlineStaleMS   int64
	FundingStaleMS int64
	OIStaleMS      int64
}

// BuildContext derives the full indicator set from a snapshot. Returns nil
// when no price has ever been observed; every other gap surfaces as a nil
// indicator or a cleared freshness flag for strategies to gate on.
func BuildContext(snap market.Snapshot, nowMS int64, clockState string, limits FreshnessLimits) *SignalContext {
	if !snap.HasPrice {
		return nil
	}

	ctx := &SignalContext{
		Symbol:     snap.Symbol,
		NowMS:      nowMS,
		Price:      snap.Price.Price,
		Candles:    snap.Candles,
		KlineAgeMS: -1,
		OIStatus:   OIUnknown,
		ClockState: clockState,
	}

	priceAge := nowMS - snap.Price.EventTimeMS
	ctx.PriceFresh = priceAge <= limits.PriceStaleMS

	if snap.LastKlineCloseMS > 0 {
		ctx.KlineAgeMS = nowMS - snap.LastKlineCloseMS
		ctx.KlineFresh = ctx.KlineAgeMS <= limits.KlineStaleMS
	}

	if v, ok := calc.Ret5m(snap.Candles); ok {
		ctx.Ret5m = &v
	}

	windows := calc.Aggregate15m(snap.Candles)
	atrs := calc.ATRSeries(windows, calc.ATRPeriod)
	if len(atrs) > 0 {
		atr := atrs[len(atrs)-1]
		ctx.ATR15m = &atr
		if base, ok := calc.ATRBaseline(atrs, calc.BaselineWindows); ok {
			ctx.ATR15mBase = &base
		}
	}

	if snap.HasFunding {
		rate := snap.Funding.LastFundingRate
		mark := snap.Funding.MarkPrice
		ctx.FundingRate = &rate
		ctx.MarkPrice = &mark
		ctx.FundingFresh = nowMS-snap.Funding.EventTimeMS <= limits.FundingStaleMS
	}

	if snap.HasOpenInterest {
		oi := snap.OpenInterest.Value
		ctx.OI = &oi
		if nowMS-snap.OpenInterest.EventTimeMS <= limits.OIStaleMS {
			ctx.OIFreshFlag = true
			ctx.OIStatus = OIFresh
		} else {
			ctx.OIStatus = OIStale
		}
	}
	if z, ok := calc.OIZScore(snap.OIHistory, oiMinSamplesForZ); ok {
		ctx.OIZScore = &z
	}
	if d, ok := calc.OIDelta15mPct(snap.OIHistory, nowMS); ok {
		ctx.OIDelta15mPct = &d
	}

	if high, low, ok := calc.PrevRange(snap.Candles, 20); ok {
		ctx.Last20mHigh = &high
		ctx.Last20mLow = &low
	}

	return ctx
}
