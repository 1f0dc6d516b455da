package calc

import (
	"math"
	"testing"

	"binance-signal-service/internal/market"
)

const windowMS = int64(FifteenMinutesMS)

// alignedBase is divisible by the 15m window so bucket boundaries are exact.
const alignedBase = int64(1_800_000_000_000)

func mk1m(openMS int64, open, high, low, close float64) market.Candle1m {
	return market.Candle1m{
		OpenTimeMS:  openMS,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		CloseTimeMS: openMS + 59_999,
		IsClosed:    true,
	}
}

func mkSeries(start int64, closes []float64) []market.Candle1m {
	out := make([]market.Candle1m, 0, len(closes))
	for i, c := range closes {
		out = append(out, mk1m(start+int64(i)*60_000, c, c, c, c))
	}
	return out
}

func TestReturnBoundary(t *testing.T) {
	if _, ok := Return([]float64{1, 2, 3, 4, 5}, 5); ok {
		t.Error("expected no return with fewer than lookback+1 closes")
	}
	got, ok := Return([]float64{100, 100, 100, 100, 100, 101.5}, 5)
	if !ok {
		t.Fatal("expected return with 6 closes")
	}
	if math.Abs(got-0.015) > 1e-12 {
		t.Errorf("return = %v, want 0.015", got)
	}
	if _, ok := Return([]float64{0, 1, 2, 3, 4, 5}, 5); ok {
		t.Error("expected no return with zero reference close")
	}
}

func TestRet5mUsesCloses(t *testing.T) {
	candles := mkSeries(alignedBase, []float64{100, 101, 102, 103, 104, 98})
	got, ok := Ret5m(candles)
	if !ok {
		t.Fatal("expected ret5m")
	}
	want := (98.0 - 100.0) / 100.0
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("ret5m = %v, want %v", got, want)
	}
}

func TestAggregate15mRoundTrip(t *testing.T) {
	// Exactly three full windows.
	var candles []market.Candle1m
	for i := 0; i < 45; i++ {
		v := float64(i)
		candles = append(candles, mk1m(alignedBase+int64(i)*60_000, v, v+2, v-1, v+1))
	}
	windows := Aggregate15m(candles)
	if len(windows) != 3 {
		t.Fatalf("got %d windows, want 3", len(windows))
	}
	for w, agg := range windows {
		first := candles[w*15]
		last := candles[w*15+14]
		if agg.OpenTimeMS != first.OpenTimeMS {
			t.Errorf("window %d open_time = %d, want %d", w, agg.OpenTimeMS, first.OpenTimeMS)
		}
		if agg.Open != first.Open {
			t.Errorf("window %d open = %v, want %v", w, agg.Open, first.Open)
		}
		if agg.Close != last.Close {
			t.Errorf("window %d close = %v, want %v", w, agg.Close, last.Close)
		}
		if agg.High != last.High {
			t.Errorf("window %d high = %v, want %v", w, agg.High, last.High)
		}
		if agg.Low != first.Low {
			t.Errorf("window %d low = %v, want %v", w, agg.Low, first.Low)
		}
	}
}

func TestAggregate15mDropsPartialBuckets(t *testing.T) {
	var candles []market.Candle1m
	// Head starts 5 minutes into a window: that bucket must not be emitted.
	start := alignedBase + 5*60_000
	for i := 0; i < 10+15+7; i++ {
		v := float64(i)
		candles = append(candles, mk1m(start+int64(i)*60_000, v, v, v, v))
	}
	windows := Aggregate15m(candles)
	if len(windows) != 1 {
		t.Fatalf("got %d windows, want 1 (partial head and tail dropped)", len(windows))
	}
	if windows[0].OpenTimeMS != alignedBase+windowMS {
		t.Errorf("window open_time = %d, want %d", windows[0].OpenTimeMS, alignedBase+windowMS)
	}
}

func TestATRSeriesRequiresPeriodPlusOne(t *testing.T) {
	windows := make([]market.Candle15m, ATRPeriod)
	for i := range windows {
		windows[i] = market.Candle15m{High: 10, Low: 9, Close: 9.5}
	}
	if got := ATRSeries(windows, ATRPeriod); got != nil {
		t.Errorf("expected nil ATR with %d windows, got %v", len(windows), got)
	}
	windows = append(windows, market.Candle15m{High: 10, Low: 9, Close: 9.5})
	atrs := ATRSeries(windows, ATRPeriod)
	if len(atrs) != 1 {
		t.Fatalf("got %d ATR values, want 1", len(atrs))
	}
}

func TestATRSeriesWilderSmoothing(t *testing.T) {
	windows := []market.Candle15m{
		{High: 10, Low: 9, Close: 9.5},
		{High: 11, Low: 10, Close: 10.5},
		{High: 12, Low: 11, Close: 11.5},
		{High: 11.5, Low: 11, Close: 11.2},
	}
	atrs := ATRSeries(windows, 2)
	if len(atrs) != 2 {
		t.Fatalf("got %d ATR values, want 2", len(atrs))
	}
	// TRs: 1.5, 1.5, 0.5. First ATR = 1.5; next = (1.5*1 + 0.5)/2 = 1.0.
	if math.Abs(atrs[0]-1.5) > 1e-12 {
		t.Errorf("atrs[0] = %v, want 1.5", atrs[0])
	}
	if math.Abs(atrs[1]-1.0) > 1e-12 {
		t.Errorf("atrs[1] = %v, want 1.0", atrs[1])
	}
}

func TestATRBaseline(t *testing.T) {
	if _, ok := ATRBaseline(nil, BaselineWindows); ok {
		t.Error("expected no baseline for empty series")
	}

	single, ok := ATRBaseline([]float64{2.5}, BaselineWindows)
	if !ok || single != 2.5 {
		t.Errorf("single-value baseline = %v ok=%v, want 2.5 true", single, ok)
	}

	got, ok := ATRBaseline([]float64{1, 2, 3, 10}, BaselineWindows)
	if !ok {
		t.Fatal("expected baseline")
	}
	if math.Abs(got-2.0) > 1e-12 {
		t.Errorf("baseline = %v, want mean of prior values 2.0", got)
	}

	// Lookback cap: only the two values before the newest count.
	got, ok = ATRBaseline([]float64{100, 4, 6, 10}, 2)
	if !ok || math.Abs(got-5.0) > 1e-12 {
		t.Errorf("capped baseline = %v ok=%v, want 5.0 true", got, ok)
	}
}

func TestOIZScore(t *testing.T) {
	history := make([]market.OISample, 0, 10)
	for i := 0; i < 9; i++ {
		history = append(history, market.OISample{Value: 100, EventTimeMS: int64(i)})
	}
	if _, ok := OIZScore(history, 10); ok {
		t.Error("expected no z-score with fewer than 10 samples")
	}

	flat := append(append([]market.OISample{}, history...), market.OISample{Value: 100, EventTimeMS: 9})
	if _, ok := OIZScore(flat, 10); ok {
		t.Error("expected no z-score with zero stddev")
	}

	spiked := append(append([]market.OISample{}, history...), market.OISample{Value: 130, EventTimeMS: 9})
	got, ok := OIZScore(spiked, 10)
	if !ok {
		t.Fatal("expected z-score")
	}
	// mean=103, std=9, z = (130-103)/9 = 3.
	if math.Abs(got-3.0) > 1e-9 {
		t.Errorf("z-score = %v, want 3.0", got)
	}
}

func TestOIDelta15mPct(t *testing.T) {
	now := alignedBase + 2*windowMS
	history := []market.OISample{
		{Value: 90, EventTimeMS: now - 20*60_000},  // too old
		{Value: 100, EventTimeMS: now - 14*60_000}, // baseline
		{Value: 105, EventTimeMS: now - 7*60_000},
		{Value: 110, EventTimeMS: now},
	}
	got, ok := OIDelta15mPct(history, now)
	if !ok {
		t.Fatal("expected delta")
	}
	if math.Abs(got-0.10) > 1e-12 {
		t.Errorf("delta = %v, want 0.10", got)
	}

	onlyOld := []market.OISample{
		{Value: 90, EventTimeMS: now - 20*60_000},
		{Value: 110, EventTimeMS: now},
	}
	if _, ok := OIDelta15mPct(onlyOld, now); ok {
		t.Error("expected no delta when every earlier sample is older than 15m")
	}

	if _, ok := OIDelta15mPct(history[3:], now); ok {
		t.Error("expected no delta with a single sample")
	}
}

func TestPrevRange(t *testing.T) {
	candles := []market.Candle1m{
		mk1m(alignedBase, 10, 12, 9, 11),
		mk1m(alignedBase+60_000, 11, 15, 10, 14),
		mk1m(alignedBase+120_000, 14, 20, 13, 19), // latest, excluded
	}
	high, low, ok := PrevRange(candles, 2)
	if !ok {
		t.Fatal("expected range")
	}
	if high != 15 || low != 9 {
		t.Errorf("range = (%v, %v), want (15, 9)", high, low)
	}
	if _, _, ok := PrevRange(candles, 3); ok {
		t.Error("expected no range with fewer than bars+1 candles")
	}
}

func TestPositionUSDT(t *testing.T) {
	got, ok := PositionUSDT(100, 98.8, 10)
	if !ok {
		t.Fatal("expected position size")
	}
	want := 10.0 / (1.2 / 100.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("position = %v, want %v", got, want)
	}

	if _, ok := PositionUSDT(100, 100, 10); ok {
		t.Error("expected no position when stop equals entry")
	}
	if _, ok := PositionUSDT(0, 1, 10); ok {
		t.Error("expected no position with non-positive entry")
	}
}
