package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type scriptedREST struct {
	tick        PriceTick
	klineErrOn  int
	klineCalls  []int
	fundingSnap FundingSnapshot
}

func (r *scriptedREST) GetPrice(ctx context.Context, symbol string) (PriceTick, error) {
	return r.tick, nil
}

// GetKlines returns `limit` sequential closed 1m candles from a fixed base,
// so overlapping fetches dedupe in the store.
func (r *scriptedREST) GetKlines(ctx context.Context, symbol string, limit int) ([]Candle1m, error) {
	r.klineCalls = append(r.klineCalls, limit)
	if r.klineErrOn != 0 && limit == r.klineErrOn {
		return nil, errors.New("kline fetch failed")
	}
	candles := make([]Candle1m, limit)
	for i := range candles {
		open := int64(1_700_000_000_000) + int64(i)*60_000
		candles[i] = Candle1m{
			OpenTimeMS:  open,
			Open:        100,
			High:        101,
			Low:         99,
			Close:       100.5,
			Volume:      1,
			CloseTimeMS: open + 59_999,
			IsClosed:    true,
		}
	}
	return candles, nil
}

func (r *scriptedREST) GetPremiumIndex(ctx context.Context, symbol string) (FundingSnapshot, error) {
	return r.fundingSnap, nil
}

func (r *scriptedREST) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error) {
	return nil, nil
}

func (r *scriptedREST) GetOpenInterest(ctx context.Context, symbol string) (OpenInterestSnapshot, error) {
	return OpenInterestSnapshot{Value: 1, EventTimeMS: 1}, nil
}

type scriptedWS struct {
	connected bool
	startErr  error
	starts    int
	closes    int
	batches   [][]StreamEvent
	err       error
}

func (w *scriptedWS) Start() error {
	w.starts++
	if w.startErr != nil {
		return w.startErr
	}
	w.connected = true
	return nil
}

func (w *scriptedWS) Close() {
	w.closes++
	w.connected = false
}

func (w *scriptedWS) Connected() bool { return w.connected }

func (w *scriptedWS) ReadEvents() ([]StreamEvent, error) {
	if len(w.batches) > 0 {
		batch := w.batches[0]
		w.batches = w.batches[1:]
		return batch, nil
	}
	return nil, w.err
}

func testSourceConfig() SourceConfig {
	return SourceConfig{
		PreferredMode:         ModeWS,
		StaleSeconds:          5,
		KlineStaleMS:          120_000,
		WSBackoffMin:          time.Second,
		WSBackoffMax:          8 * time.Second,
		RESTPricePollSeconds:  2,
		RESTKlinePollSeconds:  10,
		WSRecoverGoodTicks:    3,
		StateSyncKlines:       500,
		PremiumIndexPollSecs:  10,
		FundingPollSeconds:    60,
		OIPollSeconds:         60,
		FundingHistoryLimit:   3,
		HealthLogEverySeconds: 60,
	}
}

type fixedServerTime int64

func (f fixedServerTime) GetServerTime(ctx context.Context) (int64, error) {
	return int64(f), nil
}

func newTestManager(t *testing.T, cfg SourceConfig, rest RESTSource, ws WSSession, nowMS int64) (*SourceManager, *DataStore) {
	t.Helper()
	store := NewDataStore([]string{"BTCUSDT"}, 0)
	clock := NewClockSync(fixedServerTime(nowMS), ClockConfig{
		MaxErrorMS:    1000,
		RefreshEvery:  time.Minute,
		DegradedRetry: time.Second,
	}, zerolog.Nop())
	m := NewSourceManager([]string{"BTCUSDT"}, store, clock, rest, ws, cfg, zerolog.Nop())
	m.now = func() time.Time { return time.UnixMilli(nowMS) }
	m.nowMS = func(ctx context.Context) int64 { return nowMS }
	return m, store
}

func TestFailoverOnStalePrice(t *testing.T) {
	// Last tick at t=0, evaluation at t=6s with stale_seconds=5.
	base := int64(1_700_000_000_000)
	ws := &scriptedWS{connected: true}
	rest := &scriptedREST{}
	m, store := newTestManager(t, testSourceConfig(), rest, ws, base+6_000)

	store.UpdatePrice("BTCUSDT", PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base})
	store.AppendCandle("BTCUSDT", Candle1m{OpenTimeMS: base - 60_000, CloseTimeMS: base - 1, IsClosed: true})
	m.mode = ModeWS
	store.SetMode(ModeWS)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeREST {
		t.Fatalf("mode = %s, want rest after stale price", got)
	}
	if ws.closes == 0 {
		t.Error("ws session should be closed on failover")
	}
}

func TestFailoverOnStaleKline(t *testing.T) {
	base := int64(1_700_000_000_000)
	ws := &scriptedWS{connected: true}
	m, store := newTestManager(t, testSourceConfig(), &scriptedREST{}, ws, base+121_000)

	store.UpdatePrice("BTCUSDT", PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base + 120_000})
	store.AppendCandle("BTCUSDT", Candle1m{OpenTimeMS: base - 60_000, CloseTimeMS: base, IsClosed: true})
	m.mode = ModeWS
	store.SetMode(ModeWS)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeREST {
		t.Fatalf("mode = %s, want rest after stale kline", got)
	}
}

func TestFailoverOnStreamError(t *testing.T) {
	base := int64(1_700_000_000_000)
	ws := &scriptedWS{connected: true, err: errors.New("read timeout")}
	m, store := newTestManager(t, testSourceConfig(), &scriptedREST{}, ws, base)

	store.UpdatePrice("BTCUSDT", PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base})
	m.mode = ModeWS
	store.SetMode(ModeWS)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeREST {
		t.Fatalf("mode = %s, want rest after stream error", got)
	}
}

func TestRecoveryNeedsFreshTicksAndStateSync(t *testing.T) {
	base := int64(1_700_000_000_000)
	fresh := func() StreamEvent {
		return StreamEvent{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}}
	}
	ws := &scriptedWS{connected: true, batches: [][]StreamEvent{
		{fresh(), fresh(), fresh()},
	}}
	rest := &scriptedREST{tick: PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}}
	m, store := newTestManager(t, testSourceConfig(), rest, ws, base)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeWS {
		t.Fatalf("mode = %s, want ws after 3 fresh ticks + state sync", got)
	}
	if got := store.BufferSize("BTCUSDT"); got != 500 {
		t.Errorf("buffer size = %d, want 500 after state sync", got)
	}
	var synced bool
	for _, limit := range rest.klineCalls {
		if limit == 500 {
			synced = true
		}
	}
	if !synced {
		t.Errorf("state sync never fetched 500 klines: calls %v", rest.klineCalls)
	}
}

func TestRecoveryCounterResetsOnStaleTick(t *testing.T) {
	base := int64(1_700_000_000_000)
	ws := &scriptedWS{connected: true, batches: [][]StreamEvent{{
		{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}},
		{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base - 60_000}},
		{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}},
		{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}},
	}}}
	m, _ := newTestManager(t, testSourceConfig(), &scriptedREST{}, ws, base)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeREST {
		t.Fatalf("mode = %s, want rest: stale tick must reset the counter", got)
	}
	if m.recoverTicks != 2 {
		t.Errorf("recoverTicks = %d, want 2", m.recoverTicks)
	}
}

func TestRecoveryAbortsOnStateSyncFailure(t *testing.T) {
	base := int64(1_700_000_000_000)
	cfg := testSourceConfig()
	cfg.WSRecoverGoodTicks = 1
	ws := &scriptedWS{connected: true, batches: [][]StreamEvent{{
		{Tick: &PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base}},
	}}}
	rest := &scriptedREST{klineErrOn: cfg.StateSyncKlines}
	m, _ := newTestManager(t, cfg, rest, ws, base)

	m.Refresh(context.Background())

	if got := m.Mode(); got != ModeREST {
		t.Fatalf("mode = %s, want rest after state sync failure", got)
	}
	if m.recoverTicks != 0 {
		t.Errorf("recoverTicks = %d, want reset to 0", m.recoverTicks)
	}
}

func TestRedialBackoffBounded(t *testing.T) {
	base := int64(1_700_000_000_000)
	cfg := testSourceConfig()
	m, _ := newTestManager(t, cfg, &scriptedREST{}, &scriptedWS{}, base)

	for i := 0; i < 10; i++ {
		m.scheduleRedial()
		if m.backoff > cfg.WSBackoffMax {
			t.Fatalf("backoff %v exceeds max %v", m.backoff, cfg.WSBackoffMax)
		}
	}
	if m.backoff != cfg.WSBackoffMax {
		t.Errorf("backoff = %v, want saturated at %v", m.backoff, cfg.WSBackoffMax)
	}
}

func TestHealthClampsFutureTimestamps(t *testing.T) {
	base := int64(1_700_000_000_000)
	m, store := newTestManager(t, testSourceConfig(), &scriptedREST{}, &scriptedWS{connected: true}, base)

	// Event time 5s ahead of the corrected clock.
	store.UpdatePrice("BTCUSDT", PriceTick{Symbol: "BTCUSDT", Price: 100, EventTimeMS: base + 5_000})
	m.mode = ModeWS
	store.SetMode(ModeWS)

	m.Refresh(context.Background())

	health := m.Health()
	if len(health) != 1 {
		t.Fatalf("health entries = %d, want 1", len(health))
	}
	if health[0].PriceAgeMS != 0 {
		t.Errorf("price age = %d, want clamp to 0", health[0].PriceAgeMS)
	}
	if health[0].KlineAgeMS != -1 {
		t.Errorf("kline age = %d, want -1 sentinel for missing", health[0].KlineAgeMS)
	}
}
