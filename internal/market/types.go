package market

// Candle1m is a single 1-minute OHLCV bar. OpenTimeMS and CloseTimeMS are
// exchange timestamps in milliseconds; IsClosed marks a fully formed bar.
type Candle1m struct {
	OpenTimeMS  int64   `json:"open_time_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CloseTimeMS int64   `json:"close_time_ms"`
	IsClosed    bool    `json:"is_closed"`
}

// Candle15m is an aggregate of fifteen 1m bars aligned to a 15-minute
// epoch boundary. Only fully observed windows are produced.
type Candle15m struct {
	OpenTimeMS int64   `json:"open_time_ms"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
}

// PriceTick is the latest traded/quoted price for a symbol. For book-ticker
// events the price is the bid/ask midpoint.
type PriceTick struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	EventTimeMS    int64   `json:"event_time_ms"`
	ReceivedTimeMS int64   `json:"received_time_ms"`
}

// CandleUpdate is a candle event from the stream. The embedded candle may
// be in progress; IsClosed on the candle decides buffer placement.
type CandleUpdate struct {
	Symbol      string
	Candle      Candle1m
	EventTimeMS int64
}

// StreamEvent is one item from the streaming transport: a price tick or
// a candle update, never both.
type StreamEvent struct {
	Tick   *PriceTick
	Candle *CandleUpdate
}

// FundingSnapshot carries the premium-index view of a symbol.
type FundingSnapshot struct {
	MarkPrice         float64 `json:"mark_price"`
	LastFundingRate   float64 `json:"last_funding_rate"`
	NextFundingTimeMS int64   `json:"next_funding_time_ms"`
	EventTimeMS       int64   `json:"event_time_ms"`
}

// FundingRatePoint is one settled funding rate from history.
type FundingRatePoint struct {
	FundingRate   float64 `json:"funding_rate"`
	FundingTimeMS int64   `json:"funding_time_ms"`
}

// OpenInterestSnapshot is the latest open-interest reading.
type OpenInterestSnapshot struct {
	Value       float64 `json:"oi_value"`
	EventTimeMS int64   `json:"event_time_ms"`
}

// OISample is a retained open-interest observation used for z-score and
// delta calculations.
type OISample struct {
	Value       float64 `json:"value"`
	EventTimeMS int64   `json:"event_time_ms"`
}

// DataAges reports per-field freshness. A value of -1 means the field has
// never been set; negative-but-set values mean the source timestamp is
// ahead of the supplied now.
type DataAges struct {
	PriceAgeMS   int64
	KlineAgeMS   int64
	FundingAgeMS int64
	OIAgeMS      int64
}

// Snapshot is a deep copy of one symbol's state. Mutating it never affects
// the store.
type Snapshot struct {
	Symbol           string
	Price            PriceTick
	HasPrice         bool
	Candles          []Candle1m
	OpenCandle       *Candle1m
	LastKlineCloseMS int64
	Funding          FundingSnapshot
	HasFunding       bool
	FundingHistory   []FundingRatePoint
	OpenInterest     OpenInterestSnapshot
	HasOpenInterest  bool
	OIHistory        []OISample
	Mode             string
}

// Source modes.
const (
	ModeWS   = "ws"
	ModeREST = "rest"
)

// Clock states.
const (
	ClockSynced   = "synced"
	ClockDegraded = "degraded"
)
