package strategy

import (
	"math"
	"strings"
	"testing"

	"binance-signal-service/config"
	"binance-signal-service/internal/market"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		ReturnThreshold:    0.012,
		ATRSpikeMultiplier: 2.0,
		FundingExtreme:     0.0008,
		OIZScore:           2.0,
		OIDeltaPct:         0.05,
		SweepPct:           0.002,
		WickBodyRatio:      1.5,
		StopBufferATR:      0.25,
		MinATRPct:          0.001,

		MaxRiskUSDT:     10,
		LeverageSuggest: 50,
		TTLMinutes:      15,

		PriorityFakeBreakout:      100,
		PriorityFundingOISkew:     80,
		PriorityLiquidationFollow: 60,
		PriorityVolBreakout:       40,

		DedupeWindowSeconds: 60,
		EntrySimilarPct:     0.001,
		StopSimilarPct:      0.002,
	}
}

func fptr(v float64) *float64 { return &v }

func freshContext() *SignalContext {
	return &SignalContext{
		Symbol:       "BTCUSDT",
		NowMS:        1_700_000_000_000,
		Price:        100,
		KlineAgeMS:   30_000,
		PriceFresh:   true,
		KlineFresh:   true,
		FundingFresh: true,
		OIFreshFlag:  true,
		OIStatus:     OIFresh,
		ClockState:   market.ClockSynced,
	}
}

func TestVolBreakoutOnReturn(t *testing.T) {
	ctx := freshContext()
	ctx.Ret5m = fptr(0.015)
	ctx.ATR15m = fptr(1.0)
	ctx.ATR15mBase = fptr(1.0)

	card := NewVolBreakout(testStrategyConfig()).Generate(ctx)
	if card == nil {
		t.Fatal("expected a card")
	}
	if card.Side != SideLong {
		t.Errorf("side = %s, want LONG", card.Side)
	}
	if math.Abs(card.Stop-98.8) > 1e-9 {
		t.Errorf("stop = %v, want 98.8 (1.2 ATR below entry)", card.Stop)
	}
	if math.Abs(card.PositionUSDT-833.3333333333333) > 1e-6 {
		t.Errorf("position = %v, want 833.33", card.PositionUSDT)
	}
	wantConf := 40 + (0.015/0.012)*20 + 10
	if math.Abs(card.Confidence-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want %v", card.Confidence, wantConf)
	}
	if card.Rationale != "triggered: return_5m=1.5000% (th=1.20%), atr_15m=1.000000 vs baseline=1.000000" {
		t.Errorf("rationale = %q", card.Rationale)
	}
}

func TestVolBreakoutOnATRSpikeOnly(t *testing.T) {
	ctx := freshContext()
	ctx.Ret5m = fptr(-0.001)
	ctx.ATR15m = fptr(2.5)
	ctx.ATR15mBase = fptr(1.0)

	card := NewVolBreakout(testStrategyConfig()).Generate(ctx)
	if card == nil {
		t.Fatal("expected a card on ATR spike")
	}
	if card.Side != SideShort {
		t.Errorf("side = %s, want SHORT for negative return", card.Side)
	}
}

func TestVolBreakoutGates(t *testing.T) {
	cfg := testStrategyConfig()
	tests := []struct {
		name   string
		mutate func(*SignalContext)
	}{
		{"below thresholds", func(c *SignalContext) {
			c.Ret5m = fptr(0.001)
			c.ATR15m = fptr(1.0)
			c.ATR15mBase = fptr(1.0)
		}},
		{"missing return", func(c *SignalContext) {
			c.ATR15m = fptr(3.0)
			c.ATR15mBase = fptr(1.0)
		}},
		{"stale kline", func(c *SignalContext) {
			c.Ret5m = fptr(0.02)
			c.ATR15m = fptr(1.0)
			c.ATR15mBase = fptr(1.0)
			c.KlineFresh = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := freshContext()
			tt.mutate(ctx)
			if card := NewVolBreakout(cfg).Generate(ctx); card != nil {
				t.Errorf("expected nil, got %+v", card)
			}
		})
	}
}

func sweepCandles() []market.Candle1m {
	candles := make([]market.Candle1m, 21)
	for i := 0; i < 20; i++ {
		candles[i] = market.Candle1m{Open: 109, High: 110, Low: 108, Close: 109, IsClosed: true}
	}
	// Sweep bar: pokes above 110, closes back below with a long upper wick.
	candles[20] = market.Candle1m{Open: 109.0, High: 110.5, Low: 108.9, Close: 109.1, IsClosed: true}
	return candles
}

func TestFakeBreakoutFadesUpwardSweep(t *testing.T) {
	ctx := freshContext()
	ctx.Price = 109.1
	ctx.ATR15m = fptr(0.5)
	ctx.Candles = sweepCandles()
	ctx.Last20mHigh = fptr(110.0)
	ctx.Last20mLow = fptr(108.0)

	card := NewFakeBreakoutReversal(testStrategyConfig()).Generate(ctx)
	if card == nil {
		t.Fatal("expected a short card against the sweep")
	}
	if card.Side != SideShort {
		t.Errorf("side = %s, want SHORT", card.Side)
	}
	wantStop := 110.5 + 0.25*0.5
	if math.Abs(card.Stop-wantStop) > 1e-9 {
		t.Errorf("stop = %v, want %v (sweep high + buffer)", card.Stop, wantStop)
	}
	if card.Confidence != 100 {
		t.Errorf("confidence = %v, want clamp at 100", card.Confidence)
	}
	if card.TTLMinutes != 5 || card.LeverageSuggest != 50 || card.Priority != 100 {
		t.Errorf("card defaults mismatch: %+v", card)
	}
	if !strings.Contains(card.Rationale, "swept H20") {
		t.Errorf("rationale = %q", card.Rationale)
	}
}

func TestFakeBreakoutGatesOnKlineAge(t *testing.T) {
	ctx := freshContext()
	ctx.Price = 109.1
	ctx.ATR15m = fptr(0.5)
	ctx.Candles = sweepCandles()
	ctx.Last20mHigh = fptr(110.0)
	ctx.Last20mLow = fptr(108.0)
	ctx.KlineAgeMS = 91_000

	if card := NewFakeBreakoutReversal(testStrategyConfig()).Generate(ctx); card != nil {
		t.Errorf("expected nil with kline age over 90s, got %+v", card)
	}
}

func TestFakeBreakoutGatesOnQuietATR(t *testing.T) {
	ctx := freshContext()
	ctx.Price = 109.1
	ctx.ATR15m = fptr(0.05) // below min_atr_pct * price
	ctx.Candles = sweepCandles()
	ctx.Last20mHigh = fptr(110.0)
	ctx.Last20mLow = fptr(108.0)

	if card := NewFakeBreakoutReversal(testStrategyConfig()).Generate(ctx); card != nil {
		t.Errorf("expected nil below ATR floor, got %+v", card)
	}
}

func TestFundingOISkewFadesCrowdedLongs(t *testing.T) {
	ctx := freshContext()
	ctx.FundingRate = fptr(0.0016)
	ctx.OIZScore = fptr(2.5)
	ctx.Ret5m = fptr(0.005)
	ctx.ATR15m = fptr(1.0)

	card := NewFundingOISkew(testStrategyConfig()).Generate(ctx)
	if card == nil {
		t.Fatal("expected a card")
	}
	if card.Side != SideShort {
		t.Errorf("side = %s, want SHORT against crowded longs", card.Side)
	}
	if math.Abs(card.Stop-101.0) > 1e-9 {
		t.Errorf("stop = %v, want 101 (1.0 ATR above entry)", card.Stop)
	}
	// 45 + (0.0016/0.0008)*20 + 2.5*10 = 110, clamped to the 100 ceiling.
	if math.Abs(card.Confidence-100) > 1e-9 {
		t.Errorf("confidence = %v, want 100 (clamped)", card.Confidence)
	}
}

func TestFundingOISkewRequiresAlignedMomentum(t *testing.T) {
	ctx := freshContext()
	ctx.FundingRate = fptr(0.0016)
	ctx.OIZScore = fptr(2.5)
	ctx.Ret5m = fptr(-0.005) // funding positive, price falling
	ctx.ATR15m = fptr(1.0)

	if card := NewFundingOISkew(testStrategyConfig()).Generate(ctx); card != nil {
		t.Errorf("expected nil on sign mismatch, got %+v", card)
	}
}

func TestFundingOISkewGatesOnStaleOI(t *testing.T) {
	ctx := freshContext()
	ctx.FundingRate = fptr(0.0016)
	ctx.OIZScore = fptr(2.5)
	ctx.Ret5m = fptr(0.005)
	ctx.ATR15m = fptr(1.0)
	ctx.OIFreshFlag = false

	if card := NewFundingOISkew(testStrategyConfig()).Generate(ctx); card != nil {
		t.Errorf("expected nil with stale OI, got %+v", card)
	}
}

func TestLiquidationFollowRidesTheMove(t *testing.T) {
	ctx := freshContext()
	ctx.OIDelta15mPct = fptr(0.08)
	ctx.Ret5m = fptr(-0.02)
	ctx.FundingRate = fptr(-0.001)
	ctx.ATR15m = fptr(1.0)

	card := NewLiquidationFollow(testStrategyConfig()).Generate(ctx)
	if card == nil {
		t.Fatal("expected a card")
	}
	if card.Side != SideShort {
		t.Errorf("side = %s, want SHORT following the move", card.Side)
	}
	if math.Abs(card.Stop-101.5) > 1e-9 {
		t.Errorf("stop = %v, want 101.5 (1.5 ATR above entry)", card.Stop)
	}
	wantConf := 40 + (0.08/0.05)*25 + 0.02*1000
	if math.Abs(card.Confidence-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want %v", card.Confidence, wantConf)
	}
}

func TestLiquidationFollowGatesOnSmallDelta(t *testing.T) {
	ctx := freshContext()
	ctx.OIDelta15mPct = fptr(0.01)
	ctx.Ret5m = fptr(-0.02)
	ctx.FundingRate = fptr(-0.001)
	ctx.ATR15m = fptr(1.0)

	if card := NewLiquidationFollow(testStrategyConfig()).Generate(ctx); card != nil {
		t.Errorf("expected nil below delta threshold, got %+v", card)
	}
}

func TestStopsSitOnRiskAdverseSide(t *testing.T) {
	cfg := testStrategyConfig()
	ctx := freshContext()
	ctx.Ret5m = fptr(0.02)
	ctx.ATR15m = fptr(1.0)
	ctx.ATR15mBase = fptr(1.0)
	ctx.FundingRate = fptr(0.002)
	ctx.OIZScore = fptr(3.0)
	ctx.OIDelta15mPct = fptr(0.1)

	for _, s := range []Strategy{
		NewVolBreakout(cfg),
		NewFundingOISkew(cfg),
		NewLiquidationFollow(cfg),
	} {
		card := s.Generate(ctx)
		if card == nil {
			continue
		}
		switch card.Side {
		case SideLong:
			if card.Stop >= card.Entry {
				t.Errorf("%s: LONG stop %v not below entry %v", card.Strategy, card.Stop, card.Entry)
			}
		case SideShort:
			if card.Stop <= card.Entry {
				t.Errorf("%s: SHORT stop %v not above entry %v", card.Strategy, card.Stop, card.Entry)
			}
		}
		if card.PositionUSDT <= 0 || math.IsInf(card.PositionUSDT, 0) {
			t.Errorf("%s: position %v", card.Strategy, card.PositionUSDT)
		}
	}
}
