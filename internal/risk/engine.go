// Package risk enforces the daily guardrails in front of card dispatch and
// owns their durable state.
package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-service/config"
)

// Block reasons, in gate order. An allowed evaluation reports ReasonOK.
const (
	ReasonKillSwitch     = "kill_switch"
	ReasonMaxCardsPerDay = "max_cards_per_day"
	ReasonMaxDailyLoss   = "max_daily_loss"
	ReasonCooldown       = "cooldown"
	ReasonOK             = "ok"
)

const dayKeyLayout = "2006-01-02"

// State is the persistent risk ledger. The engine owns the file
// exclusively and rewrites it atomically on every mutation.
type State struct {
	DayKey           string           `json:"day_key"`
	CardsToday       int              `json:"cards_today"`
	RealizedPnLToday float64          `json:"realized_pnl_today"`
	LastTriggerAtMS  map[string]int64 `json:"last_trigger_at_ms"`
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed             bool   `json:"allowed"`
	Reason              string `json:"reason"`
	CooldownRemainingMS int64  `json:"cooldown_remaining_ms,omitempty"`
}

// Engine applies the risk gates in a fixed order: kill switch, UTC day
// rollover, daily card budget, daily loss limit, per-symbol cooldown.
type Engine struct {
	mu     sync.Mutex
	cfg    config.RiskConfig
	state  State
	logger zerolog.Logger
}

// NewEngine loads persisted state; a missing file starts from defaults,
// a corrupt one is an error.
func NewEngine(cfg config.RiskConfig, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk_engine").Logger(),
		state:  State{LastTriggerAtMS: map[string]int64{}},
	}

	data, err := os.ReadFile(cfg.StatePath)
	switch {
	case os.IsNotExist(err):
		e.logger.Info().Str("path", cfg.StatePath).Msg("no risk state file, starting fresh")
	case err != nil:
		return nil, fmt.Errorf("read risk state: %w", err)
	default:
		if err := json.Unmarshal(data, &e.state); err != nil {
			return nil, fmt.Errorf("parse risk state %s: %w", cfg.StatePath, err)
		}
		if e.state.LastTriggerAtMS == nil {
			e.state.LastTriggerAtMS = map[string]int64{}
		}
		e.logger.Info().
			Str("day_key", e.state.DayKey).
			Int("cards_today", e.state.CardsToday).
			Float64("realized_pnl_today", e.state.RealizedPnLToday).
			Msg("risk state loaded")
	}
	return e, nil
}

// Evaluate runs the gates for a prospective card. A day rollover observed
// here resets the daily counters and persists immediately.
func (e *Engine) Evaluate(symbol string, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.KillSwitch {
		return Decision{Reason: ReasonKillSwitch}
	}

	e.rolloverLocked(now)

	if e.state.CardsToday >= e.cfg.MaxCardsPerDay {
		return Decision{Reason: ReasonMaxCardsPerDay}
	}
	if e.state.RealizedPnLToday <= -e.cfg.MaxDailyLossUSDT {
		return Decision{Reason: ReasonMaxDailyLoss}
	}

	cooldownMS := int64(e.cfg.CooldownAfterTriggerMinutes) * 60_000
	if last, ok := e.state.LastTriggerAtMS[symbol]; ok {
		elapsed := now.UnixMilli() - last
		if elapsed < cooldownMS {
			return Decision{Reason: ReasonCooldown, CooldownRemainingMS: cooldownMS - elapsed}
		}
	}
	return Decision{Allowed: true, Reason: ReasonOK}
}

// RecordTrigger counts a dispatched card and stamps the symbol's cooldown.
func (e *Engine) RecordTrigger(symbol string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rolloverLocked(now)
	e.state.CardsToday++
	e.state.LastTriggerAtMS[symbol] = now.UnixMilli()
	return e.persistLocked()
}

// RecordPnL appends the CSV ledger row and folds same-day amounts into the
// daily total.
func (e *Engine) RecordPnL(symbol string, usdt float64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.appendPnLRow(symbol, usdt, now); err != nil {
		return err
	}

	e.rolloverLocked(now)
	if e.state.DayKey == now.UTC().Format(dayKeyLayout) {
		e.state.RealizedPnLToday += usdt
	}
	return e.persistLocked()
}

// LastTriggerAt returns the symbol's last trigger timestamp, if any.
func (e *Engine) LastTriggerAt(symbol string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms, ok := e.state.LastTriggerAtMS[symbol]
	return ms, ok
}

// Snapshot copies the current state for the ops API.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.state
	out.LastTriggerAtMS = make(map[string]int64, len(e.state.LastTriggerAtMS))
	for k, v := range e.state.LastTriggerAtMS {
		out.LastTriggerAtMS[k] = v
	}
	return out
}

// rolloverLocked resets the daily counters when the UTC day changed.
// Cooldown stamps survive the rollover.
func (e *Engine) rolloverLocked(now time.Time) {
	day := now.UTC().Format(dayKeyLayout)
	if e.state.DayKey == day {
		return
	}
	if e.state.DayKey != "" {
		e.logger.Info().
			Str("from", e.state.DayKey).
			Str("to", day).
			Int("cards_were", e.state.CardsToday).
			Float64("pnl_was", e.state.RealizedPnLToday).
			Msg("risk day rollover")
	}
	e.state.DayKey = day
	e.state.CardsToday = 0
	e.state.RealizedPnLToday = 0
	if err := e.persistLocked(); err != nil {
		e.logger.Error().Err(err).Msg("persist after rollover failed")
	}
}

// persistLocked rewrites the state file via temp file + rename so readers
// never observe a partial write.
func (e *Engine) persistLocked() error {
	data, err := json.MarshalIndent(e.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}
	dir := filepath.Dir(e.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".risk_state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), e.cfg.StatePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (e *Engine) appendPnLRow(symbol string, usdt float64, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(e.cfg.PnLCSVPath), 0o755); err != nil {
		return fmt.Errorf("create pnl dir: %w", err)
	}
	f, err := os.OpenFile(e.cfg.PnLCSVPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pnl ledger: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d,%s,%.8f\n", now.UnixMilli(), symbol, usdt); err != nil {
		return fmt.Errorf("append pnl row: %w", err)
	}
	return nil
}
