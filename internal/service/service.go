// Package service runs the signal pipeline: refresh sources, build
// per-symbol contexts, run strategies, arbitrate, gate on risk, dispatch.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binance-signal-service/config"
	"binance-signal-service/internal/calc"
	"binance-signal-service/internal/market"
	"binance-signal-service/internal/metrics"
	"binance-signal-service/internal/notification"
	"binance-signal-service/internal/risk"
	"binance-signal-service/internal/strategy"
)

const (
	testEmitStrategy  = "test_emit_dryrun"
	testEmitPriority  = 10000
	testEmitStopRatio = 0.998
	testEmitRationale = "TEST DRYRUN emit for pipeline verification"

	recentCardCap = 256
)

// Deps collects the service's collaborators. Sources, Telegram, and Repo
// are optional; Archive is skipped when Repo is nil.
type Deps struct {
	Store      *market.DataStore
	Clock      *market.ClockSync
	Sources    *market.SourceManager
	Strategies []strategy.Strategy
	Arbitrator *strategy.Arbitrator
	Risk       *risk.Engine
	Notifier   *notification.Manager
	Telegram   *notification.Telegram
	Repo       CardArchiver
}

// CardArchiver persists dispatched cards.
type CardArchiver interface {
	SaveCard(ctx context.Context, card *strategy.ProposalCard) error
}

// SignalService owns the tick loop. One run_id spans the process lifetime;
// every emitted card gets its own trace_id.
type SignalService struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	runID  string

	now   func() time.Time
	nowMS func(ctx context.Context) int64

	warmupLogged map[string]bool
	lastTestEmit map[string]int64

	recentMu    sync.Mutex
	recentByTr  map[string]*strategy.ProposalCard
	recentOrder []string
}

// New wires the service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *SignalService {
	runID := uuid.New().String()
	s := &SignalService{
		cfg:          cfg,
		deps:         deps,
		logger:       logger.With().Str("component", "signal_service").Str("run_id", runID).Logger(),
		runID:        runID,
		now:          time.Now,
		warmupLogged: map[string]bool{},
		lastTestEmit: map[string]int64{},
		recentByTr:   map[string]*strategy.ProposalCard{},
	}
	s.nowMS = deps.Clock.NowMS
	return s
}

// RunID identifies this process run in logs and the ops API.
func (s *SignalService) RunID() string { return s.runID }

// CardByTrace implements notification.CardLookup for Telegram callbacks.
func (s *SignalService) CardByTrace(symbol, traceID string) (*strategy.ProposalCard, bool) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	card, ok := s.recentByTr[traceID]
	if !ok || card.Symbol != symbol {
		return nil, false
	}
	return card, true
}

// Run drives the tick loop until ctx is cancelled. The current tick always
// completes; risk state is persisted synchronously, so cancellation needs
// no extra flushing beyond closing the sources.
func (s *SignalService) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().
		Strs("symbols", s.cfg.Symbols).
		Float64("poll_seconds", s.cfg.PollSeconds).
		Msg("signal service started")

	for {
		select {
		case <-ctx.Done():
			if s.deps.Sources != nil {
				s.deps.Sources.Stop()
			}
			s.logger.Info().Msg("signal service stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one full pipeline pass over all symbols.
func (s *SignalService) Tick(ctx context.Context) {
	metrics.TicksTotal.Inc()
	if s.deps.Sources != nil {
		s.deps.Sources.Refresh(ctx)
	}
	if s.deps.Telegram != nil {
		if err := s.deps.Telegram.PollUpdatesOnce(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("telegram update poll failed")
		}
	}

	nowMS := s.nowMS(ctx)
	for _, sym := range s.cfg.Symbols {
		s.safeProcess(ctx, sym, nowMS)
	}
}

// safeProcess isolates per-symbol panics so one bad symbol never takes
// down the loop.
func (s *SignalService) safeProcess(ctx context.Context, symbol string, nowMS int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("symbol", symbol).
				Str("phase", "process_symbol").
				Interface("panic", r).
				Msg("symbol processing panicked")
		}
	}()
	s.processSymbol(ctx, symbol, nowMS)
}

func (s *SignalService) processSymbol(ctx context.Context, symbol string, nowMS int64) {
	snap := s.deps.Store.Snapshot(symbol)
	sigCtx := strategy.BuildContext(snap, nowMS, s.deps.Clock.State(), s.limits())

	switch {
	case sigCtx == nil:
		s.logDecision(symbol, "skip", "price_absent", 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	case !sigCtx.PriceFresh:
		s.logDecision(symbol, "skip", "price_stale", 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	case sigCtx.FundingRate == nil:
		s.logDecision(symbol, "skip", "funding_missing", 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	case !sigCtx.FundingFresh:
		s.logDecision(symbol, "skip", "funding_stale", 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	case sigCtx.ATR15m == nil:
		if !s.warmupLogged[symbol] {
			s.warmupLogged[symbol] = true
			s.logger.Info().
				Str("symbol", symbol).
				Int("buffer_size", len(snap.Candles)).
				Msg("indicator warmup incomplete, waiting for candle history")
		}
		s.logDecision(symbol, "skip", "atr_warmup", 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	}

	var candidates []*strategy.ProposalCard
	for _, strat := range s.deps.Strategies {
		if card := strat.Generate(sigCtx); card != nil {
			metrics.StrategyCandidatesTotal.WithLabelValues(card.Strategy).Inc()
			candidates = append(candidates, card)
		}
	}

	lastTrigger, _ := s.deps.Risk.LastTriggerAt(symbol)
	winner := s.deps.Arbitrator.Choose(symbol, candidates, lastTrigger, nowMS)
	if winner == nil {
		reason := "no_candidates"
		if len(candidates) > 0 {
			reason = "arbitration_none"
		}
		s.logDecision(symbol, "none", reason, 0)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	}

	decision := s.deps.Risk.Evaluate(symbol, time.UnixMilli(nowMS))
	if !decision.Allowed {
		metrics.CardsBlockedTotal.WithLabelValues(decision.Reason).Inc()
		s.logDecision(symbol, "blocked", decision.Reason, decision.CooldownRemainingMS)
		s.maybeTestEmit(ctx, symbol, snap, nowMS)
		return
	}

	if err := s.deps.Risk.RecordTrigger(symbol, time.UnixMilli(nowMS)); err != nil {
		s.logger.Error().Str("symbol", symbol).Err(err).Msg("record trigger failed")
	}
	traceID := s.dispatch(ctx, winner)
	s.logger.Info().
		Str("symbol", symbol).
		Str("decision", "emit").
		Str("strategy", winner.Strategy).
		Str("trace_id", traceID).
		Msg("signal_decision")
}

// maybeTestEmit fires a dry-run card for pipeline verification when no
// real card was produced this tick. It bypasses arbitration and risk but
// goes through the normal dispatch path.
func (s *SignalService) maybeTestEmit(ctx context.Context, symbol string, snap market.Snapshot, nowMS int64) {
	te := s.cfg.TestEmit
	if !te.Enabled || !contains(te.Symbols, symbol) || !snap.HasPrice {
		return
	}
	intervalMS := int64(te.IntervalSec) * 1000
	if last, ok := s.lastTestEmit[symbol]; ok && nowMS-last < intervalMS {
		return
	}

	entry := snap.Price.Price
	stop := entry * testEmitStopRatio
	position, ok := calc.PositionUSDT(entry, stop, s.cfg.Strategy.MaxRiskUSDT)
	if !ok {
		return
	}
	card := &strategy.ProposalCard{
		Symbol:          symbol,
		Strategy:        testEmitStrategy,
		Side:            strategy.SideLong,
		Entry:           entry,
		Stop:            stop,
		LeverageSuggest: s.cfg.Strategy.LeverageSuggest,
		PositionUSDT:    position,
		MaxRiskUSDT:     s.cfg.Strategy.MaxRiskUSDT,
		TTLMinutes:      s.cfg.Strategy.TTLMinutes,
		Rationale:       testEmitRationale,
		Priority:        testEmitPriority,
		Confidence:      100,
		CreatedAtMS:     nowMS,
		OIStatus:        strategy.OIUnknown,
	}

	s.lastTestEmit[symbol] = nowMS
	traceID := s.dispatch(ctx, card)
	s.logger.Info().
		Str("symbol", symbol).
		Str("decision", "test_emit").
		Str("trace_id", traceID).
		Msg("signal_decision")
}

// dispatch stamps the trace id, fans the card out, archives it, and emits
// the pipeline result log. Returns the trace id.
func (s *SignalService) dispatch(ctx context.Context, card *strategy.ProposalCard) string {
	start := s.now()
	card.TraceID = uuid.New().String()

	s.logger.Info().
		Str("symbol", card.Symbol).
		Str("strategy", card.Strategy).
		Str("trace_id", card.TraceID).
		Str("side", card.Side).
		Float64("entry", card.Entry).
		Float64("stop", card.Stop).
		Msg("card_build_ok")

	results := s.deps.Notifier.Dispatch(ctx, card)
	succeeded := 0
	for _, r := range results {
		ev := s.logger.Info()
		msg := r.Notifier + "_send_ok"
		if r.Err != nil {
			ev = s.logger.Warn().Err(r.Err)
			msg = r.Notifier + "_send_failed"
		} else {
			succeeded++
		}
		ev.Str("symbol", card.Symbol).
			Str("trace_id", card.TraceID).
			Int64("latency_ms", r.LatencyMS).
			Msg(msg)
	}

	if s.deps.Repo != nil {
		if err := s.deps.Repo.SaveCard(ctx, card); err != nil {
			s.logger.Warn().
				Str("trace_id", card.TraceID).
				Err(err).
				Msg("card archive failed")
		}
	}

	s.remember(card)

	latency := time.Since(start).Milliseconds()
	metrics.CardsEmittedTotal.WithLabelValues(card.Strategy).Inc()
	metrics.DispatchLatency.Observe(float64(latency))

	payload, _ := json.Marshal(card)
	s.logger.Info().
		Str("symbol", card.Symbol).
		Str("trace_id", card.TraceID).
		Int("notifiers_ok", succeeded).
		Int("notifiers_total", len(results)).
		Int64("latency_ms", latency).
		RawJSON("card", payload).
		Msg("emit_pipeline_result")
	return card.TraceID
}

// remember retains the card for callback lookups, bounded FIFO.
func (s *SignalService) remember(card *strategy.ProposalCard) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	s.recentByTr[card.TraceID] = card
	s.recentOrder = append(s.recentOrder, card.TraceID)
	for len(s.recentOrder) > recentCardCap {
		delete(s.recentByTr, s.recentOrder[0])
		s.recentOrder = s.recentOrder[1:]
	}
}

func (s *SignalService) limits() strategy.FreshnessLimits {
	return strategy.FreshnessLimits{
		PriceStaleMS:   int64(s.cfg.Source.StaleSeconds) * 1000,
		KlineStaleMS:   s.cfg.Source.KlineStaleMS,
		FundingStaleMS: s.cfg.Source.FundingStaleMS,
		OIStaleMS:      s.cfg.Source.OIStaleMS,
	}
}

func (s *SignalService) logDecision(symbol, decision, reason string, cooldownMS int64) {
	ev := s.logger.Info().
		Str("symbol", symbol).
		Str("decision", decision).
		Str("reason", reason)
	if cooldownMS > 0 {
		ev = ev.Int64("cooldown_remaining_ms", cooldownMS)
	}
	ev.Msg("signal_decision")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
