package calc

import (
	"math"

	"binance-signal-service/internal/market"
)

const (
	// FifteenMinutesMS is the aggregation window for derived candles.
	FifteenMinutesMS = 15 * 60 * 1000

	// ATRPeriod is the smoothing period for the 15m ATR.
	ATRPeriod = 14

	// BaselineWindows caps the ATR baseline lookback (24h of 15m windows).
	BaselineWindows = 96

	candlesPerWindow = 15
)

// Return computes the relative change between the latest close and the close
// lookback bars earlier. ok is false with fewer than lookback+1 closes or a
// zero reference close.
func Return(closes []float64, lookback int) (float64, bool) {
	if len(closes) < lookback+1 {
		return 0, false
	}
	current := closes[len(closes)-1]
	previous := closes[len(closes)-1-lookback]
	if previous == 0 {
		return 0, false
	}
	return (current - previous) / previous, true
}

// Ret5m is Return over the closes of closed 1m candles with a 5-bar lookback.
func Ret5m(candles []market.Candle1m) (float64, bool) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return Return(closes, 5)
}

// Aggregate15m partitions closed 1m candles into 15-minute windows aligned
// to epoch boundaries (floor(open_time / 15m)) and emits one Candle15m per
// fully observed window, in order. Partial windows, including the newest
// in-progress one, are dropped.
func Aggregate15m(candles []market.Candle1m) []market.Candle15m {
	var out []market.Candle15m
	var cur market.Candle15m
	count := 0

	flush := func() {
		if count == candlesPerWindow {
			out = append(out, cur)
		}
		count = 0
	}

	for _, c := range candles {
		bucketStart := (c.OpenTimeMS / FifteenMinutesMS) * FifteenMinutesMS
		if count == 0 || bucketStart != cur.OpenTimeMS {
			flush()
			cur = market.Candle15m{
				OpenTimeMS: bucketStart,
				Open:       c.Open,
				High:       c.High,
				Low:        c.Low,
				Close:      c.Close,
			}
			count = 1
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		count++
	}
	flush()
	return out
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(c, prev market.Candle15m) float64 {
	tr := c.High - c.Low
	if d := math.Abs(c.High - prev.Close); d > tr {
		tr = d
	}
	if d := math.Abs(c.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

// ATRSeries returns the Wilder-smoothed ATR over 15m windows. The first
// value is the simple mean of the first period true ranges; each subsequent
// value is (prev*(period-1) + tr) / period. Requires at least period+1
// windows; returns nil otherwise.
func ATRSeries(windows []market.Candle15m, period int) []float64 {
	if period <= 0 || len(windows) < period+1 {
		return nil
	}
	trs := make([]float64, 0, len(windows)-1)
	for i := 1; i < len(windows); i++ {
		trs = append(trs, TrueRange(windows[i], windows[i-1]))
	}

	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atrs := make([]float64, 0, len(trs)-period+1)
	atr := sum / float64(period)
	atrs = append(atrs, atr)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
		atrs = append(atrs, atr)
	}
	return atrs
}

// ATRBaseline is the arithmetic mean of up to maxWindows ATR values
// preceding the newest one. With a single ATR available the baseline is
// that ATR itself. ok is false only when atrs is empty.
func ATRBaseline(atrs []float64, maxWindows int) (float64, bool) {
	if len(atrs) == 0 {
		return 0, false
	}
	window := len(atrs) - 1
	if window > maxWindows {
		window = maxWindows
	}
	if window <= 0 {
		return atrs[len(atrs)-1], true
	}
	var sum float64
	for _, v := range atrs[len(atrs)-1-window : len(atrs)-1] {
		sum += v
	}
	return sum / float64(window), true
}

// OIZScore standardizes the newest open-interest sample against the mean and
// population stddev of the retained window. Requires at least minSamples
// samples and a non-zero stddev.
func OIZScore(history []market.OISample, minSamples int) (float64, bool) {
	n := len(history)
	if n < minSamples {
		return 0, false
	}
	var sum float64
	for _, s := range history {
		sum += s.Value
	}
	mean := sum / float64(n)

	var variance float64
	for _, s := range history {
		d := s.Value - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return 0, false
	}
	return (history[n-1].Value - mean) / std, true
}

// OIDelta15mPct compares the newest open-interest sample against the sample
// nearest to 15 minutes of age: the oldest retained sample not older than
// 15m that precedes the current one. ok is false without such a baseline or
// with a zero baseline value.
func OIDelta15mPct(history []market.OISample, nowMS int64) (float64, bool) {
	n := len(history)
	if n < 2 {
		return 0, false
	}
	current := history[n-1]
	for _, s := range history[:n-1] {
		if nowMS-s.EventTimeMS > FifteenMinutesMS {
			continue
		}
		if s.EventTimeMS >= current.EventTimeMS {
			break
		}
		if s.Value == 0 {
			return 0, false
		}
		return (current.Value - s.Value) / s.Value, true
	}
	return 0, false
}

// PrevRange returns the high and low over the bars candles preceding the
// latest one. ok is false with fewer than bars+1 candles.
func PrevRange(candles []market.Candle1m, bars int) (high, low float64, ok bool) {
	if len(candles) < bars+1 {
		return 0, 0, false
	}
	window := candles[len(candles)-1-bars : len(candles)-1]
	high = window[0].High
	low = window[0].Low
	for _, c := range window[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low, true
}

// PositionUSDT sizes a position so the stop distance risks maxRisk:
// maxRisk / (|entry-stop| / entry). ok is false when entry and stop
// coincide, entry is not positive, or the result is not finite.
func PositionUSDT(entry, stop, maxRisk float64) (float64, bool) {
	if entry <= 0 {
		return 0, false
	}
	riskRatio := math.Abs(entry-stop) / entry
	if riskRatio <= 0 {
		return 0, false
	}
	v := maxRisk / riskRatio
	if math.IsInf(v, 0) || math.IsNaN(v) || v <= 0 {
		return 0, false
	}
	return v, true
}
