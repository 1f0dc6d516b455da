package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-service/internal/metrics"
)

// RESTSource is the slice of the exchange REST surface the manager polls.
type RESTSource interface {
	GetPrice(ctx context.Context, symbol string) (PriceTick, error)
	GetKlines(ctx context.Context, symbol string, limit int) ([]Candle1m, error)
	GetPremiumIndex(ctx context.Context, symbol string) (FundingSnapshot, error)
	GetFundingHistory(ctx context.Context, symbol string, limit int) ([]FundingRatePoint, error)
	GetOpenInterest(ctx context.Context, symbol string) (OpenInterestSnapshot, error)
}

// WSSession is one streaming session. A session never reconnects itself;
// the manager closes it and opens a new one.
type WSSession interface {
	Start() error
	Close()
	Connected() bool
	ReadEvents() ([]StreamEvent, error)
}

// SourceConfig tunes failover, recovery and poll cadence.
type SourceConfig struct {
	PreferredMode         string
	StaleSeconds          int
	KlineStaleMS          int64
	WSBackoffMin          time.Duration
	WSBackoffMax          time.Duration
	RESTPricePollSeconds  float64
	RESTKlinePollSeconds  float64
	WSRecoverGoodTicks    int
	StateSyncKlines       int
	PremiumIndexPollSecs  float64
	FundingPollSeconds    float64
	OIPollSeconds         float64
	FundingHistoryLimit   int
	HealthLogEverySeconds float64
}

// SymbolHealth is one symbol's freshness view, also served by the ops API.
type SymbolHealth struct {
	Symbol              string `json:"symbol"`
	Mode                string `json:"mode"`
	PriceAgeMS          int64  `json:"price_age_ms"`
	KlineAgeMS          int64  `json:"kline_age_ms"`
	FundingAgeMS        int64  `json:"funding_age_ms"`
	OIAgeMS             int64  `json:"oi_age_ms"`
	BufferSize          int    `json:"buffer_size"`
	ClockState          string `json:"clock_state"`
	LastServerSyncAgeMS int64  `json:"last_server_sync_age_ms"`
}

// SourceManager drives the dual-source ingestion loop. WS is the preferred
// transport; a stream failure or stale data fails the whole symbol group
// over to REST polling, and the manager keeps retrying WS with exponential
// backoff until a reconnected socket proves itself with consecutive fresh
// ticks and a full kline state-sync. Derivative polling (premium index,
// funding history, open interest) runs on its own cadence in both modes.
//
// Refresh is intended to be called from a single goroutine; Mode and Health
// are safe to call concurrently with it.
type SourceManager struct {
	symbols []string
	store   *DataStore
	clock   *ClockSync
	rest    RESTSource
	ws      WSSession
	cfg     SourceConfig
	logger  zerolog.Logger

	now   func() time.Time
	nowMS func(ctx context.Context) int64

	mode         string
	backoff      time.Duration
	nextWSDial   time.Time
	recoverTicks int

	lastPricePoll   time.Time
	lastKlinePoll   time.Time
	lastPremiumPoll time.Time
	lastFundingPoll time.Time
	lastOIPoll      time.Time
	lastHealthLog   time.Time

	healthMu sync.Mutex
	health   []SymbolHealth
}

// NewSourceManager wires the manager. ws may be nil, which pins the manager
// to REST mode.
func NewSourceManager(symbols []string, store *DataStore, clock *ClockSync, rest RESTSource, ws WSSession, cfg SourceConfig, logger zerolog.Logger) *SourceManager {
	m := &SourceManager{
		symbols: symbols,
		store:   store,
		clock:   clock,
		rest:    rest,
		ws:      ws,
		cfg:     cfg,
		logger:  logger.With().Str("component", "source_manager").Logger(),
		now:     time.Now,
		mode:    ModeREST,
		backoff: cfg.WSBackoffMin,
	}
	m.nowMS = clock.NowMS
	store.SetMode(ModeREST)
	metrics.SourceMode.Set(0)
	return m
}

// Start opens the preferred transport. A failed WS dial is not fatal: the
// manager stays on REST and retries on the backoff schedule.
func (m *SourceManager) Start(ctx context.Context) {
	m.clock.Refresh(ctx, true)
	if m.cfg.PreferredMode != ModeWS || m.ws == nil {
		return
	}
	if err := m.ws.Start(); err != nil {
		m.logger.Warn().Err(err).Msg("initial ws dial failed, starting on rest")
		m.scheduleRedial()
		return
	}
	m.switchMode(ModeWS, "startup", "")
}

// Mode reports the active source mode.
func (m *SourceManager) Mode() string {
	return m.store.Mode()
}

// Health returns the latest per-symbol health snapshot.
func (m *SourceManager) Health() []SymbolHealth {
	m.healthMu.Lock()
	defer m.healthMu.Unlock()
	return append([]SymbolHealth(nil), m.health...)
}

// Refresh advances the ingestion state machine by one step: pump or poll
// the active transport, evaluate freshness, poll derivatives, and emit the
// periodic health summary.
func (m *SourceManager) Refresh(ctx context.Context) {
	nowMS := m.nowMS(ctx)

	if m.mode == ModeWS {
		m.pumpWS(nowMS)
	}
	if m.mode == ModeWS {
		m.evaluateStaleness(nowMS)
	}
	if m.mode == ModeREST {
		m.pollREST(ctx, nowMS)
		m.attemptWSRecovery(ctx, nowMS)
	}

	m.pollDerivatives(ctx)
	m.updateHealth(ctx, nowMS)
}

// pumpWS drains the buffered stream events into the store. A terminal
// stream error fails over immediately.
func (m *SourceManager) pumpWS(nowMS int64) {
	events, err := m.ws.ReadEvents()
	for _, ev := range events {
		m.applyEvent(ev)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("ws stream failed")
		m.ws.Close()
		m.switchMode(ModeREST, "stream_error", "")
		m.scheduleRedial()
	}
}

func (m *SourceManager) applyEvent(ev StreamEvent) {
	switch {
	case ev.Tick != nil:
		m.store.UpdatePrice(ev.Tick.Symbol, *ev.Tick)
	case ev.Candle != nil:
		m.store.AppendCandle(ev.Candle.Symbol, ev.Candle.Candle)
	}
}

// evaluateStaleness checks per-symbol price and kline ages against the
// configured limits. The WS session is shared, so one stale symbol fails
// the whole group over.
func (m *SourceManager) evaluateStaleness(nowMS int64) {
	staleMS := int64(m.cfg.StaleSeconds) * 1000
	for _, sym := range m.symbols {
		ages := m.store.Ages(sym, nowMS)
		if ages.PriceAgeMS > staleMS {
			m.logger.Warn().
				Str("symbol", sym).
				Int64("price_age_ms", ages.PriceAgeMS).
				Int("stale_seconds", m.cfg.StaleSeconds).
				Msg("price stale on ws")
			m.ws.Close()
			m.switchMode(ModeREST, "price_stale", sym)
			m.scheduleRedial()
			return
		}
		if ages.KlineAgeMS > m.cfg.KlineStaleMS {
			m.logger.Warn().
				Str("symbol", sym).
				Int64("kline_age_ms", ages.KlineAgeMS).
				Int64("kline_stale_ms", m.cfg.KlineStaleMS).
				Msg("kline stale on ws")
			m.ws.Close()
			m.switchMode(ModeREST, "kline_stale", sym)
			m.scheduleRedial()
			return
		}
	}
}

// pollREST fetches prices and klines over REST on their cadences.
func (m *SourceManager) pollREST(ctx context.Context, nowMS int64) {
	now := m.now()
	if due(now, m.lastPricePoll, m.cfg.RESTPricePollSeconds) {
		m.lastPricePoll = now
		for _, sym := range m.symbols {
			tick, err := m.rest.GetPrice(ctx, sym)
			if err != nil {
				m.logger.Warn().Str("symbol", sym).Err(err).Msg("rest price poll failed")
				continue
			}
			m.store.UpdatePrice(sym, tick)
		}
	}
	if due(now, m.lastKlinePoll, m.cfg.RESTKlinePollSeconds) {
		m.lastKlinePoll = now
		for _, sym := range m.symbols {
			candles, err := m.rest.GetKlines(ctx, sym, restKlineBatch)
			if err != nil {
				m.logger.Warn().Str("symbol", sym).Err(err).Msg("rest kline poll failed")
				continue
			}
			m.store.MergeKlines(sym, candles)
		}
	}
	_ = nowMS
}

// attemptWSRecovery redials the stream on the backoff schedule and, once
// connected, demands ws_recover_good_ticks consecutive fresh ticks followed
// by a successful kline state-sync before flipping back to WS mode. Any
// stale tick resets the counter; a state-sync failure aborts the attempt.
func (m *SourceManager) attemptWSRecovery(ctx context.Context, nowMS int64) {
	if m.ws == nil || m.cfg.PreferredMode != ModeWS {
		return
	}

	if !m.ws.Connected() {
		if m.now().Before(m.nextWSDial) {
			return
		}
		m.ws.Close()
		metrics.WSReconnectsTotal.Inc()
		if err := m.ws.Start(); err != nil {
			m.logger.Warn().Err(err).Dur("next_retry_in", m.backoff).Msg("ws redial failed")
			m.scheduleRedial()
			return
		}
		m.recoverTicks = 0
		m.logger.Info().Msg("ws reconnected, probing freshness")
	}

	events, err := m.ws.ReadEvents()
	staleMS := int64(m.cfg.StaleSeconds) * 1000
	for _, ev := range events {
		m.applyEvent(ev)
		if ev.Tick == nil {
			continue
		}
		if nowMS-ev.Tick.EventTimeMS <= staleMS {
			m.recoverTicks++
		} else {
			m.recoverTicks = 0
		}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("ws probe stream failed")
		m.ws.Close()
		m.recoverTicks = 0
		m.scheduleRedial()
		return
	}

	if m.recoverTicks < m.cfg.WSRecoverGoodTicks {
		return
	}
	if err := m.stateSync(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("state_sync failed, recovery aborted")
		m.recoverTicks = 0
		return
	}
	m.backoff = m.cfg.WSBackoffMin
	m.switchMode(ModeWS, "recovered", "")
}

// stateSync backfills the closed-candle buffers from REST so the WS stream
// resumes on a complete history.
func (m *SourceManager) stateSync(ctx context.Context) error {
	for _, sym := range m.symbols {
		candles, err := m.rest.GetKlines(ctx, sym, m.cfg.StateSyncKlines)
		if err != nil {
			return fmt.Errorf("state sync %s: %w", sym, err)
		}
		m.store.MergeKlines(sym, candles)
	}
	m.logger.Info().Int("klines_per_symbol", m.cfg.StateSyncKlines).Msg("state_sync complete")
	return nil
}

// pollDerivatives refreshes premium index, funding history and open
// interest. Runs in both modes; errors never change mode.
func (m *SourceManager) pollDerivatives(ctx context.Context) {
	now := m.now()

	if due(now, m.lastPremiumPoll, m.cfg.PremiumIndexPollSecs) {
		m.lastPremiumPoll = now
		for _, sym := range m.symbols {
			snap, err := m.rest.GetPremiumIndex(ctx, sym)
			if err != nil {
				m.logger.Warn().Str("symbol", sym).Err(err).Msg("premium index poll failed")
				continue
			}
			m.store.SetFunding(sym, snap)
		}
	}
	if due(now, m.lastFundingPoll, m.cfg.FundingPollSeconds) {
		m.lastFundingPoll = now
		for _, sym := range m.symbols {
			points, err := m.rest.GetFundingHistory(ctx, sym, m.cfg.FundingHistoryLimit)
			if err != nil {
				m.logger.Warn().Str("symbol", sym).Err(err).Msg("funding history poll failed")
				continue
			}
			m.store.SetFundingHistory(sym, points)
		}
	}
	if due(now, m.lastOIPoll, m.cfg.OIPollSeconds) {
		m.lastOIPoll = now
		for _, sym := range m.symbols {
			oi, err := m.rest.GetOpenInterest(ctx, sym)
			if err != nil {
				m.logger.Warn().Str("symbol", sym).Err(err).Msg("open interest poll failed")
				continue
			}
			m.store.SetOpenInterest(sym, oi)
		}
	}
}

// updateHealth rebuilds the health snapshot and logs the periodic summary.
// Negative ages mean the source timestamp ran ahead of the corrected clock;
// they clamp to 0 and warn.
func (m *SourceManager) updateHealth(ctx context.Context, nowMS int64) {
	now := m.now()
	logDue := due(now, m.lastHealthLog, m.cfg.HealthLogEverySeconds)
	if logDue {
		m.lastHealthLog = now
	}

	clockState := m.clock.State()
	syncAge := m.clock.LastSyncAgeMS()
	metrics.ClockSkew.Set(float64(m.clock.SkewMS()))

	snapshot := make([]SymbolHealth, 0, len(m.symbols))
	for _, sym := range m.symbols {
		ages := m.store.Ages(sym, nowMS)
		h := SymbolHealth{
			Symbol:              sym,
			Mode:                m.store.Mode(),
			PriceAgeMS:          m.clampAge(sym, "price", ages.PriceAgeMS),
			KlineAgeMS:          m.clampAge(sym, "kline", ages.KlineAgeMS),
			FundingAgeMS:        m.clampAge(sym, "funding", ages.FundingAgeMS),
			OIAgeMS:             m.clampAge(sym, "oi", ages.OIAgeMS),
			BufferSize:          m.store.BufferSize(sym),
			ClockState:          clockState,
			LastServerSyncAgeMS: syncAge,
		}
		snapshot = append(snapshot, h)

		if h.PriceAgeMS >= 0 {
			metrics.DataAge.WithLabelValues(sym, "price").Set(float64(h.PriceAgeMS))
		}
		if h.KlineAgeMS >= 0 {
			metrics.DataAge.WithLabelValues(sym, "kline").Set(float64(h.KlineAgeMS))
		}
		if h.FundingAgeMS >= 0 {
			metrics.DataAge.WithLabelValues(sym, "funding").Set(float64(h.FundingAgeMS))
		}
		if h.OIAgeMS >= 0 {
			metrics.DataAge.WithLabelValues(sym, "oi").Set(float64(h.OIAgeMS))
		}

		if logDue {
			m.logger.Info().
				Str("symbol", sym).
				Str("mode", h.Mode).
				Int64("price_age_ms", h.PriceAgeMS).
				Int64("kline_age_ms", h.KlineAgeMS).
				Int64("funding_age_ms", h.FundingAgeMS).
				Int64("oi_age_ms", h.OIAgeMS).
				Int("buffer_size", h.BufferSize).
				Str("clock_state", h.ClockState).
				Int64("last_server_sync_age_ms", h.LastServerSyncAgeMS).
				Msg("health_summary")
		}
	}

	m.healthMu.Lock()
	m.health = snapshot
	m.healthMu.Unlock()
	_ = ctx
}

// clampAge passes through the -1 missing sentinel, clamps other negative
// ages to 0 with a warning.
func (m *SourceManager) clampAge(symbol, kind string, age int64) int64 {
	if age == -1 || age >= 0 {
		return age
	}
	m.logger.Warn().
		Str("symbol", symbol).
		Str("kind", kind).
		Int64("age_ms", age).
		Msg("timestamp_in_future")
	return 0
}

func (m *SourceManager) switchMode(to, reason, symbol string) {
	from := m.mode
	if from == to {
		return
	}
	m.mode = to
	m.store.SetMode(to)
	if to == ModeWS {
		metrics.SourceMode.Set(1)
	} else {
		metrics.SourceMode.Set(0)
		metrics.FailoversTotal.WithLabelValues(reason).Inc()
	}
	m.logger.Info().
		Str("from", from).
		Str("to", to).
		Str("reason", reason).
		Str("symbol", symbol).
		Msg("source_mode_switch")
}

// scheduleRedial pushes the next WS dial out by the current backoff and
// doubles it, bounded by WSBackoffMax.
func (m *SourceManager) scheduleRedial() {
	if m.backoff < m.cfg.WSBackoffMin {
		m.backoff = m.cfg.WSBackoffMin
	}
	m.nextWSDial = m.now().Add(m.backoff)
	m.backoff *= 2
	if m.backoff > m.cfg.WSBackoffMax {
		m.backoff = m.cfg.WSBackoffMax
	}
}

// Stop closes the transport.
func (m *SourceManager) Stop() {
	if m.ws != nil {
		m.ws.Close()
	}
}

// restKlineBatch is the per-poll kline fetch size while on REST. Large
// enough to cover gaps between polls with room to spare.
const restKlineBatch = 50

func due(now, last time.Time, everySeconds float64) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= time.Duration(everySeconds*float64(time.Second))
}
