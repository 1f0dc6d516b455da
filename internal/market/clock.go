package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerTimeProvider supplies the exchange clock in epoch milliseconds.
type ServerTimeProvider interface {
	GetServerTime(ctx context.Context) (int64, error)
}

// ClockConfig tunes server-time synchronization.
type ClockConfig struct {
	MaxErrorMS      int64
	RefreshEvery    time.Duration
	DegradedRetry   time.Duration
	ForceCooldownMS int64
	DegradedTTLMS   int64
}

// ClockSync tracks the skew between the local clock and the exchange clock.
// While synced, NowMS returns offset-corrected time. A refresh failure or a
// skew beyond MaxErrorMS degrades the clock for at least DegradedTTLMS;
// degraded reads still apply the last known offset estimate, and callers
// see the state through State so downstream logic can self-gate.
type ClockSync struct {
	mu       sync.Mutex
	provider ServerTimeProvider
	cfg      ClockConfig
	logger   zerolog.Logger
	now      func() time.Time

	state                string
	everSynced           bool
	skewMS               int64
	lastServerMS         int64
	lastSyncLocalMS      int64
	lastForceLocalMS     int64
	degradedUntilLocalMS int64
	nextRefreshAt        time.Time
}

// NewClockSync creates a clock that starts degraded until the first
// successful refresh.
func NewClockSync(provider ServerTimeProvider, cfg ClockConfig, logger zerolog.Logger) *ClockSync {
	return &ClockSync{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "clock_sync").Logger(),
		now:      time.Now,
		state:    ClockDegraded,
	}
}

// Refresh fetches server time if the schedule (or force) calls for it and
// returns whether the clock is synced afterwards. Forced refreshes are rate
// limited by ForceCooldownMS.
func (c *ClockSync) Refresh(ctx context.Context, force bool) bool {
	c.mu.Lock()
	now := c.now()
	localMS := now.UnixMilli()
	if !force && now.Before(c.nextRefreshAt) {
		synced := c.state == ClockSynced
		c.mu.Unlock()
		return synced
	}
	if force && c.lastForceLocalMS != 0 && localMS-c.lastForceLocalMS < c.cfg.ForceCooldownMS {
		synced := c.state == ClockSynced
		c.mu.Unlock()
		return synced
	}
	if force {
		c.lastForceLocalMS = localMS
	}
	c.mu.Unlock()

	serverMS, err := c.provider.GetServerTime(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	latencyMS := c.now().UnixMilli() - localMS

	if err != nil {
		c.transition(ClockDegraded, "refresh_fail")
		c.degradedUntilLocalMS = localMS + c.cfg.DegradedTTLMS
		c.scheduleNext()
		c.logger.Warn().
			Int64("latency_ms", latencyMS).
			Int64("local_ms", localMS).
			Str("clock_state", c.state).
			Err(err).
			Msg("server_time_refresh failed")
		return false
	}

	skewMS := serverMS - localMS
	c.skewMS = skewMS
	c.lastServerMS = serverMS
	c.lastSyncLocalMS = localMS
	c.everSynced = true

	switch {
	case absInt64(skewMS) > c.cfg.MaxErrorMS:
		c.transition(ClockDegraded, "skew_exceeds_limit")
		c.degradedUntilLocalMS = localMS + c.cfg.DegradedTTLMS
	case c.state == ClockDegraded && localMS < c.degradedUntilLocalMS:
		// Hold the degraded state for its TTL even after a good reading.
	default:
		c.transition(ClockSynced, "refresh_success")
		c.degradedUntilLocalMS = 0
	}
	c.scheduleNext()

	c.logger.Info().
		Int64("latency_ms", latencyMS).
		Int64("local_ms", localMS).
		Int64("server_ms", serverMS).
		Int64("skew_ms", skewMS).
		Str("clock_state", c.state).
		Msg("server_time_refresh")
	return c.state == ClockSynced
}

// NowMS returns the best estimate of exchange time, refreshing on schedule.
func (c *ClockSync) NowMS(ctx context.Context) int64 {
	c.Refresh(ctx, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	localMS := c.now().UnixMilli()
	if !c.everSynced {
		return localMS
	}
	return localMS + c.skewMS
}

// State reports "synced" or "degraded".
func (c *ClockSync) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SkewMS is the last measured server-local offset.
func (c *ClockSync) SkewMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skewMS
}

// LastSyncAgeMS is the local-clock age of the last successful refresh, or
// -1 before any.
func (c *ClockSync) LastSyncAgeMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSyncLocalMS == 0 {
		return -1
	}
	age := c.now().UnixMilli() - c.lastSyncLocalMS
	if age < 0 {
		age = 0
	}
	return age
}

func (c *ClockSync) transition(state, reason string) {
	if c.state != state {
		c.logger.Info().
			Str("from", c.state).
			Str("to", state).
			Str("reason", reason).
			Msg("clock_state_change")
	}
	c.state = state
}

func (c *ClockSync) scheduleNext() {
	interval := c.cfg.RefreshEvery
	if c.state == ClockDegraded {
		interval = c.cfg.DegradedRetry
	}
	c.nextRefreshAt = c.now().Add(interval)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
