package strategy

import (
	"testing"

	"binance-signal-service/internal/market"
)

func testLimits() FreshnessLimits {
	return FreshnessLimits{
		PriceStaleMS:   5_000,
		KlineStaleMS:   120_000,
		FundingStaleMS: 180_000,
		OIStaleMS:      180_000,
	}
}

func TestBuildContextRequiresPrice(t *testing.T) {
	if ctx := BuildContext(market.Snapshot{Symbol: "BTCUSDT"}, 1_000, market.ClockSynced, testLimits()); ctx != nil {
		t.Errorf("expected nil without a price, got %+v", ctx)
	}
}

func TestBuildContextFreshnessAndIndicators(t *testing.T) {
	base := int64(1_700_000_000_000)
	candles := make([]market.Candle1m, 30)
	for i := range candles {
		open := base + int64(i)*60_000
		candles[i] = market.Candle1m{
			OpenTimeMS: open, Open: 100, High: 101, Low: 99, Close: 100 + float64(i)*0.1,
			CloseTimeMS: open + 59_999, IsClosed: true,
		}
	}
	now := candles[len(candles)-1].CloseTimeMS + 10_000

	snap := market.Snapshot{
		Symbol:           "BTCUSDT",
		HasPrice:         true,
		Price:            market.PriceTick{Symbol: "BTCUSDT", Price: 102.9, EventTimeMS: now - 1_000},
		Candles:          candles,
		LastKlineCloseMS: candles[len(candles)-1].CloseTimeMS,
		HasFunding:       true,
		Funding:          market.FundingSnapshot{LastFundingRate: 0.0001, MarkPrice: 102.95, EventTimeMS: now - 1_000},
		HasOpenInterest:  true,
		OpenInterest:     market.OpenInterestSnapshot{Value: 500, EventTimeMS: now - 300_000},
	}

	ctx := BuildContext(snap, now, market.ClockSynced, testLimits())
	if ctx == nil {
		t.Fatal("expected a context")
	}
	if !ctx.PriceFresh || !ctx.KlineFresh || !ctx.FundingFresh {
		t.Errorf("freshness flags: price=%v kline=%v funding=%v", ctx.PriceFresh, ctx.KlineFresh, ctx.FundingFresh)
	}
	if ctx.OIStatus != OIStale || ctx.OIFreshFlag {
		t.Errorf("oi status = %s fresh=%v, want stale", ctx.OIStatus, ctx.OIFreshFlag)
	}
	if ctx.Ret5m == nil {
		t.Error("ret_5m should be computable from 30 closed candles")
	}
	if ctx.Last20mHigh == nil || *ctx.Last20mHigh != 101 {
		t.Errorf("last 20m high = %v, want 101", ctx.Last20mHigh)
	}
	if ctx.KlineAgeMS != 10_000 {
		t.Errorf("kline age = %d, want 10000", ctx.KlineAgeMS)
	}
	// 30 one-minute candles cannot fill 15 ATR windows.
	if ctx.ATR15m != nil {
		t.Errorf("atr should be absent during warmup, got %v", *ctx.ATR15m)
	}
}
