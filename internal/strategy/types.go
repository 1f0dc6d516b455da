// Package strategy turns per-symbol market snapshots into proposal cards:
// pure strategies generate candidates, the arbitrator picks at most one.
package strategy

import (
	"binance-signal-service/internal/market"
)

// Trade sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Open-interest freshness classifications carried on cards.
const (
	OIFresh   = "fresh"
	OIStale   = "stale"
	OIUnknown = "unknown"
)

// ProposalCard is an advisory trade proposal. TraceID is stamped at
// dispatch time, not at generation.
type ProposalCard struct {
	Symbol          string  `json:"symbol"`
	Strategy        string  `json:"strategy"`
	Side            string  `json:"side"`
	Entry           float64 `json:"entry"`
	Stop            float64 `json:"stop"`
	LeverageSuggest int     `json:"leverage_suggest"`
	PositionUSDT    float64 `json:"position_usdt"`
	MaxRiskUSDT     float64 `json:"max_risk_usdt"`
	TTLMinutes      int     `json:"ttl_minutes"`
	Rationale       string  `json:"rationale"`
	Priority        int     `json:"priority"`
	Confidence      float64 `json:"confidence"`
	CreatedAtMS     int64   `json:"created_at_ms"`
	OIStatus        string  `json:"oi_status"`
	TraceID         string  `json:"trace_id,omitempty"`
}

// SignalContext is the immutable per-tick view a strategy reads. Optional
// indicators use pointer semantics: nil means the input could not be
// computed, and strategies must self-gate on it. Values are never NaN or
// Inf.
type SignalContext struct {
	Symbol string
	NowMS  int64
	Price  float64

	Ret5m         *float64
	ATR15m        *float64
	ATR15mBase    *float64
	FundingRate   *float64
	MarkPrice     *float64
	OI            *float64
	OIZScore      *float64
	OIDelta15mPct *float64
	Last20mHigh   *float64
	Last20mLow    *float64

	Candles    []market.Candle1m
	KlineAgeMS int64

	PriceFresh   bool
	KlineFresh   bool
	FundingFresh bool
	OIFreshFlag  bool
	OIStatus     string
	ClockState   string
}

// Strategy generates at most one candidate card from a context. Generate
// must be pure over ctx and return nil when its inputs are absent, stale,
// or simply not triggering.
type Strategy interface {
	Name() string
	Generate(ctx *SignalContext) *ProposalCard
}
