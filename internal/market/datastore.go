package market

import (
	"sort"
	"sync"
)

const (
	defaultMaxKlines = 1440
	maxOISamples     = 1440
	maxFundingPoints = 96
)

type symbolState struct {
	price            PriceTick
	hasPrice         bool
	candles          []Candle1m
	open             *Candle1m
	lastKlineCloseMS int64
	funding          FundingSnapshot
	hasFunding       bool
	fundingHistory   []FundingRatePoint
	oi               OpenInterestSnapshot
	hasOI            bool
	oiHistory        []OISample
}

// DataStore holds per-symbol market state behind a single mutex. Every
// update applies in event-time order: events older than the stored ones are
// dropped. Snapshots are deep copies so readers never observe a partial
// mutation and cannot reach into internal buffers.
type DataStore struct {
	mu        sync.Mutex
	mode      string
	maxKlines int
	states    map[string]*symbolState
}

// NewDataStore creates a store for the given symbols. maxKlines bounds the
// closed-candle ring per symbol; zero selects the default capacity.
func NewDataStore(symbols []string, maxKlines int) *DataStore {
	if maxKlines <= 0 {
		maxKlines = defaultMaxKlines
	}
	states := make(map[string]*symbolState, len(symbols))
	for _, s := range symbols {
		states[s] = &symbolState{}
	}
	return &DataStore{
		mode:      ModeREST,
		maxKlines: maxKlines,
		states:    states,
	}
}

func (d *DataStore) state(symbol string) *symbolState {
	st, ok := d.states[symbol]
	if !ok {
		st = &symbolState{}
		d.states[symbol] = st
	}
	return st
}

// SetMode records the active source mode reported in snapshots.
func (d *DataStore) SetMode(mode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
}

// Mode returns the active source mode.
func (d *DataStore) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// UpdatePrice stores the tick unless an equal or newer event is already
// present.
func (d *DataStore) UpdatePrice(symbol string, tick PriceTick) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)
	if st.hasPrice && tick.EventTimeMS < st.price.EventTimeMS {
		return
	}
	st.price = tick
	st.hasPrice = true
}

// AppendCandle inserts a closed candle in open-time order, deduplicating by
// open_time and trimming the ring to capacity; only closed candles advance
// the kline close timestamp. A non-closed candle replaces the in-progress
// slot without touching the ring.
func (d *DataStore) AppendCandle(symbol string, c Candle1m) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendLocked(d.state(symbol), c)
}

// MergeKlines bulk-applies a REST kline fetch. Ordering and deduplication
// match AppendCandle, so applying the same batch twice leaves the buffer
// unchanged.
func (d *DataStore) MergeKlines(symbol string, candles []Candle1m) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)
	for _, c := range candles {
		d.appendLocked(st, c)
	}
}

func (d *DataStore) appendLocked(st *symbolState, c Candle1m) {
	if !c.IsClosed {
		if st.open == nil || c.OpenTimeMS >= st.open.OpenTimeMS {
			cc := c
			st.open = &cc
		}
		return
	}

	n := len(st.candles)
	switch {
	case n == 0 || c.OpenTimeMS > st.candles[n-1].OpenTimeMS:
		st.candles = append(st.candles, c)
	default:
		i := sort.Search(n, func(i int) bool {
			return st.candles[i].OpenTimeMS >= c.OpenTimeMS
		})
		if i < n && st.candles[i].OpenTimeMS == c.OpenTimeMS {
			st.candles[i] = c
		} else {
			st.candles = append(st.candles, Candle1m{})
			copy(st.candles[i+1:], st.candles[i:])
			st.candles[i] = c
		}
	}
	if over := len(st.candles) - d.maxKlines; over > 0 {
		st.candles = append(st.candles[:0], st.candles[over:]...)
	}

	if c.CloseTimeMS > st.lastKlineCloseMS {
		st.lastKlineCloseMS = c.CloseTimeMS
	}
	if st.open != nil && st.open.OpenTimeMS <= c.OpenTimeMS {
		st.open = nil
	}
}

// SetFunding stores the premium-index snapshot unless an equal or newer
// event is already present.
func (d *DataStore) SetFunding(symbol string, f FundingSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)
	if st.hasFunding && f.EventTimeMS < st.funding.EventTimeMS {
		return
	}
	st.funding = f
	st.hasFunding = true
}

// SetFundingHistory replaces the retained funding-rate history.
func (d *DataStore) SetFundingHistory(symbol string, points []FundingRatePoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)
	if len(points) > maxFundingPoints {
		points = points[len(points)-maxFundingPoints:]
	}
	st.fundingHistory = append(st.fundingHistory[:0], points...)
}

// SetOpenInterest stores the reading and pushes it onto the history ring,
// dropping events older than the stored one.
func (d *DataStore) SetOpenInterest(symbol string, oi OpenInterestSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)
	if st.hasOI && oi.EventTimeMS < st.oi.EventTimeMS {
		return
	}
	st.oi = oi
	st.hasOI = true
	if n := len(st.oiHistory); n > 0 && st.oiHistory[n-1].EventTimeMS == oi.EventTimeMS {
		st.oiHistory[n-1] = OISample{Value: oi.Value, EventTimeMS: oi.EventTimeMS}
		return
	}
	st.oiHistory = append(st.oiHistory, OISample{Value: oi.Value, EventTimeMS: oi.EventTimeMS})
	if over := len(st.oiHistory) - maxOISamples; over > 0 {
		st.oiHistory = append(st.oiHistory[:0], st.oiHistory[over:]...)
	}
}

// Snapshot returns a deep copy of the symbol's state.
func (d *DataStore) Snapshot(symbol string) Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)

	snap := Snapshot{
		Symbol:           symbol,
		Price:            st.price,
		HasPrice:         st.hasPrice,
		Candles:          append([]Candle1m(nil), st.candles...),
		LastKlineCloseMS: st.lastKlineCloseMS,
		Funding:          st.funding,
		HasFunding:       st.hasFunding,
		FundingHistory:   append([]FundingRatePoint(nil), st.fundingHistory...),
		OpenInterest:     st.oi,
		HasOpenInterest:  st.hasOI,
		OIHistory:        append([]OISample(nil), st.oiHistory...),
		Mode:             d.mode,
	}
	if st.open != nil {
		oc := *st.open
		snap.OpenCandle = &oc
	}
	return snap
}

// Ages reports millisecond ages of each field relative to nowMS; -1 marks a
// field that has never been set. Set fields may report negative ages when
// their source timestamp is ahead of nowMS.
func (d *DataStore) Ages(symbol string, nowMS int64) DataAges {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(symbol)

	ages := DataAges{PriceAgeMS: -1, KlineAgeMS: -1, FundingAgeMS: -1, OIAgeMS: -1}
	if st.hasPrice {
		ages.PriceAgeMS = nowMS - st.price.EventTimeMS
	}
	if st.lastKlineCloseMS > 0 {
		ages.KlineAgeMS = nowMS - st.lastKlineCloseMS
	}
	if st.hasFunding {
		ages.FundingAgeMS = nowMS - st.funding.EventTimeMS
	}
	if st.hasOI {
		ages.OIAgeMS = nowMS - st.oi.EventTimeMS
	}
	return ages
}

// BufferSize returns the closed-candle count for the symbol.
func (d *DataStore) BufferSize(symbol string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state(symbol).candles)
}
